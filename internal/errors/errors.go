// internal/errors/errors.go
package errors

import "fmt"

// ErrNoCredential is returned when neither an installation token nor a
// legacy user token could be resolved. Fatal to the invoking step; the
// orchestrator must not retry it with the same arguments.
type ErrNoCredential struct {
	InstallationID int64
}

func (e *ErrNoCredential) Error() string {
	return fmt.Sprintf("no usable credential for installation %d", e.InstallationID)
}

// ErrInvalidRepoFormat is returned when a repository string is not in
// 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}
