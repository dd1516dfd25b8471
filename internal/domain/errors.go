package domain

import "errors"

// Error taxonomy shared by every layer. Wrap with fmt.Errorf("...: %w", err)
// and test with errors.Is.
var (
	// ErrNotFound is returned when an account is absent from the feature set
	// or the graph datastore.
	ErrNotFound = errors.New("not found")

	// ErrArtifactMissing is returned when a required persisted artifact is
	// absent, unreadable or fails its checksum.
	ErrArtifactMissing = errors.New("artifact missing")

	// ErrInconsistentIndexing is returned when feature table, node index and
	// model weights disagree on dimensions or node set.
	ErrInconsistentIndexing = errors.New("inconsistent indexing")

	// ErrDatastore wraps any failure reaching the graph datastore.
	ErrDatastore = errors.New("datastore error")

	// ErrInvalidInput is returned for malformed caller input.
	ErrInvalidInput = errors.New("invalid input")
)
