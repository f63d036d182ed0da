package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConflict reports that the state an event was validated against changed
// before it could be committed. Callers re-run validation and retry.
var ErrConflict = errors.New("conservation state changed before commit")

// ValidationError is returned when an event violates one or more rules.
// Nothing is written when it is returned.
type ValidationError struct {
	Result ValidationResult
}

func (e ValidationError) Error() string {
	if len(e.Result.Errors) == 0 {
		return "event rejected"
	}
	return "event rejected: " + strings.Join(e.Result.Errors, "; ")
}

// IntegrityError reports a ledger entry or product code whose recomputed hash
// or signature does not match the stored value. Subject names what failed
// when it is not a ledger entry.
type IntegrityError struct {
	Height  uint64
	Subject string
	Reason  string
}

func (e IntegrityError) Error() string {
	if e.Subject != "" {
		return fmt.Sprintf("integrity violation in %s: %s", e.Subject, e.Reason)
	}
	return fmt.Sprintf("integrity violation at height %d: %s", e.Height, e.Reason)
}

// NotFoundError reports an unknown batch, product code or rule.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// StorageFault wraps a persistence failure that survived retries. The atomic
// step it interrupted was not applied.
type StorageFault struct {
	Op  string
	Err error
}

func (e StorageFault) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

func (e StorageFault) Unwrap() error { return e.Err }

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}
