package rule

import "errors"

// Sentinel errors for rule table operations.
var (
	// ErrRuleNotFound is returned when no rule accepts a request.
	ErrRuleNotFound = errors.New("no matching rule")

	// ErrDuplicateName is returned when two rules share a name.
	ErrDuplicateName = errors.New("duplicate rule name")

	// ErrKeyConflict is returned when two service rules claim the same key.
	ErrKeyConflict = errors.New("service rules claim the same key")

	// ErrUnknownRule is returned when a named rule does not exist.
	ErrUnknownRule = errors.New("unknown rule")
)
