package join

import (
	"errors"
	"fmt"
)

// ValidationError reports a join that cannot be planned, such as a key
// whose type cannot be coerced to the type of the indexed property.
type ValidationError struct {
	Stream  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid join on stream %d: %s", e.Stream, e.Message)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
