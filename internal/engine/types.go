// Package engine implements the content-addressed reconciliation and
// resumable batch-upload core: it computes stable identities for local
// files, diffs them against the remote repository's current file set,
// and uploads only what is missing, in bounded batches, with durable
// progress tracking for crash-safe resumption.
package engine

import "context"

//go:generate mockgen -source=types.go -destination=mock_transport_test.go -package=engine

// FileMetadata is the upload metadata attached to a file. Opaque to the
// engine; supplied by a MetadataResolver.
type FileMetadata struct {
	MimeType       string
	Description    string
	DirectoryLabel string
}

// FileRecord is one local candidate for upload.
type FileRecord struct {
	// Path is the file's path relative to the upload directory, in
	// slash form. Unique key within a run.
	Path string

	// AbsPath is the absolute filesystem path, used for the byte transfer.
	AbsPath string

	Size        int64
	ContentHash string
	Meta        FileMetadata
}

// RemoteFileDescriptor is one entry in the remote repository's current
// file listing. Sourced entirely from the transport; never mutated here.
type RemoteFileDescriptor struct {
	ContentHash string
	RemoteID    int64
}

// UploadAck confirms a completed remote upload.
type UploadAck struct {
	RemoteID    int64
	ContentHash string
}

// Transport is the remote repository collaborator. Implementations wrap
// one dataset: the dataset reference is bound at construction.
type Transport interface {
	// ListFiles returns the dataset's current file listing.
	ListFiles(ctx context.Context) ([]RemoteFileDescriptor, error)

	// LockStatus reports whether the dataset is currently locked by a writer.
	LockStatus(ctx context.Context) (bool, error)

	// BreakLocks forcibly removes all dataset locks. Breaking another
	// writer's lock can corrupt concurrent state; only the explicit
	// force-unlock path calls this.
	BreakLocks(ctx context.Context) error

	// UploadFile transfers one file and registers its metadata.
	UploadFile(ctx context.Context, rec FileRecord) (UploadAck, error)
}

// MetadataResolver supplies upload metadata for a path. Pure lookup; the
// engine expects no side effects.
type MetadataResolver interface {
	Resolve(absPath string) FileMetadata
}
