package tokenstore

import "context"

// Store reads and writes the credential record to persistent storage.
type Store interface {
	// Load returns the stored record and true, or false if no usable record exists.
	// Unreadable or malformed data is reported as absent, never as an error.
	Load(ctx context.Context) (Record, bool)

	// Save replaces the stored record. Readers observe either the previous or the
	// new record, never a partial write.
	Save(ctx context.Context, record Record) error
}
