package ingest

import "fmt"

// InputError rejects an upload before any work happens: unsupported
// extension, empty file, or a file over the size cap.
type InputError struct {
	Path   string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input %s: %s", e.Path, e.Reason)
}
