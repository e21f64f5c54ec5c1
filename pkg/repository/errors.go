// Package repository defines the persistence contract for the engine:
// definition storage plus the versioned execution state store whose
// commit is the single serialization point between competing engines.
package repository

// RepositoryError is a coded persistence error. Sentinels below are
// matched by code, so errors.Is works on both the bare sentinel and a
// copy carrying a cause.
type RepositoryError struct {
	Code    string
	Message string
	Cause   error
}

func NewRepositoryError(code, message string) *RepositoryError {
	return &RepositoryError{Code: code, Message: message}
}

func (e *RepositoryError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RepositoryError) Unwrap() error { return e.Cause }

func (e *RepositoryError) Is(target error) bool {
	other, ok := target.(*RepositoryError)
	return ok && other.Code == e.Code
}

// WithCause returns a copy of the error carrying the underlying cause.
func (e *RepositoryError) WithCause(cause error) *RepositoryError {
	return &RepositoryError{Code: e.Code, Message: e.Message, Cause: cause}
}

var (
	ErrNotFound       = NewRepositoryError("NOT_FOUND", "entity not found")
	ErrAlreadyExists  = NewRepositoryError("ALREADY_EXISTS", "entity already exists")
	ErrOptimisticLock = NewRepositoryError("OPTIMISTIC_LOCK", "version mismatch")
	ErrInvalidInput   = NewRepositoryError("INVALID_INPUT", "invalid input parameters")
)
