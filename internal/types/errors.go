package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the store primitives. Callers classify failures with
// errors.Is; payloads ride on the wrapping error types below.
var (
	// ErrNotFound indicates a missing row by id or key.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a reservation overlap, duplicate link,
	// dependency cycle, or held lock.
	ErrConflict = errors.New("conflict")

	// ErrInvalid indicates rejected input: bad schema, refused SQL,
	// negative offset, malformed time range.
	ErrInvalid = errors.New("invalid")

	// ErrAmbiguous indicates a partial id matched more than one cell.
	ErrAmbiguous = errors.New("ambiguous")

	// ErrUnavailable indicates an external service refused or timed out.
	// Callers route down the fallback path.
	ErrUnavailable = errors.New("unavailable")

	// ErrAlreadyResolved indicates a deferred was resolved twice.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrExpired indicates a TTL elapsed on a cursor, lock, or reservation.
	ErrExpired = errors.New("expired")

	// ErrCycle indicates a dependency cycle would be created.
	ErrCycle = fmt.Errorf("dependency cycle detected: %w", ErrConflict)

	// ErrInternal indicates a store invariant was violated. Never caught
	// silently.
	ErrInternal = errors.New("internal")
)

// ConflictError carries the conflicting partner for reservation overlaps.
type ConflictError struct {
	WithAgent string
	WithPath  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicts with reservation by %s on %s", e.WithAgent, e.WithPath)
}

// Unwrap makes errors.Is(err, ErrConflict) true for conflict errors.
func (e *ConflictError) Unwrap() error { return ErrConflict }

// AmbiguousError carries the candidate ids for a partial-id match.
type AmbiguousError struct {
	Fragment string
	Matches  []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("id fragment %q matches %d cells", e.Fragment, len(e.Matches))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }
