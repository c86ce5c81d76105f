package services

import "errors"

// Error kinds surfaced by the engine. Wrap with fmt.Errorf("...: %w") and match with errors.Is.
var (
	// ErrValidation marks a missing or malformed caller input; nothing was applied.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks a user or record absent from the requested view.
	ErrNotFound = errors.New("not found")
	// ErrStore marks a failure of the record store.
	ErrStore = errors.New("record store failure")
	// ErrComputation marks accumulated state the score calculator cannot trust.
	ErrComputation = errors.New("score computation failed")
	// ErrConflict marks a lost compare-and-swap on a record version.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrOverrideDisabled marks a score override attempted while the policy forbids it.
	ErrOverrideDisabled = errors.New("score override disabled")
	// ErrEmptyLeaderboard marks a percentile requested over zero users.
	ErrEmptyLeaderboard = errors.New("leaderboard is empty")
)
