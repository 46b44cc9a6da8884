package errors

import "errors"

// Authentication errors. These are fatal: the run aborts immediately
// rather than retrying, since a bad API token never clears on its own.
var (
	ErrAuthentication = errors.New("invalid or empty API token")
)

// Remote errors.
var (
	// ErrRemoteUnavailable marks transient network, TLS, and
	// server-error-range HTTP failures. Expected to eventually clear.
	ErrRemoteUnavailable = errors.New("remote repository unavailable")

	// ErrRemoteRejected marks a file-specific rejection (4xx outside the
	// auth range). Retried a bounded number of times, then the file is
	// skipped for the run.
	ErrRemoteRejected = errors.New("remote rejected file")

	// ErrAPIResponse marks a response whose body is missing the expected
	// data shape. The repository backend returns partial state under
	// load, so callers retry the request rather than failing the cycle.
	ErrAPIResponse = errors.New("unexpected API response")
)

// ErrDatasetNotFound is returned when the persistent identifier does not
// resolve to a dataset.
var ErrDatasetNotFound = errors.New("dataset not found")
