package plan

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrMalformedLine is returned for a line that is not a pragma, change, tag or comment.
	ErrMalformedLine = errors.New("malformed plan line")

	// ErrInvalidPragma is returned for a pragma with an empty key or an invalid value.
	ErrInvalidPragma = errors.New("invalid pragma")

	// ErrDuplicateChange is returned when a change name appears twice in a plan.
	ErrDuplicateChange = errors.New("duplicate change")

	// ErrDuplicateTag is returned when a tag name appears twice in a plan.
	ErrDuplicateTag = errors.New("duplicate tag")

	// ErrOrphanTag is returned for a tag line that precedes every change.
	ErrOrphanTag = errors.New("tag has no preceding change")
)

// ParseError wraps errors with the plan line that failed to parse.
type ParseError struct {
	Line    int    // 1-based line number, 0 when not tied to a line
	Text    string // raw line text
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("plan line %d: %s", e.Line, e.Message)
	}
	return "plan: " + e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(line int, text, message string, err error) *ParseError {
	return &ParseError{
		Line:    line,
		Text:    text,
		Message: message,
		Err:     err,
	}
}
