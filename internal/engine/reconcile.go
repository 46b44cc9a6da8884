package engine

import "sort"

// Pending computes the reconciled work queue: every local path whose
// hash is absent from the remote hash set and not already recorded in
// the ledger. Pure set difference; an empty remote set is the bootstrap
// case for a brand-new dataset, not an error.
//
// Distinct paths carrying identical bytes are legal and do not collapse:
// each path is considered independently, so a hash present remotely
// clears every local path carrying it.
//
// The returned paths are sorted so that repeated runs over an unchanged
// pending set produce the same batch order.
func Pending(local map[string]string, remote map[string]struct{}, ledger *Ledger) []string {
	var pending []string

	for path, hash := range local {
		if hash == "" {
			continue
		}
		if _, online := remote[hash]; online {
			continue
		}
		if ledger != nil && ledger.IsRecorded(path, hash) {
			continue
		}
		pending = append(pending, path)
	}

	sort.Strings(pending)

	return pending
}
