package convert

import (
	"fmt"

	"github.com/ebookbot/ebookbot/internal/models"
)

// Error is a classified conversion failure. Kind decides whether the job
// is retried; Detail is safe to show to the user.
type Error struct {
	Kind   models.ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("conversion failed (%s): %s", e.Kind, e.Detail)
}

func transientErr(format string, args ...any) *Error {
	return &Error{Kind: models.ErrorKindTransient, Detail: fmt.Sprintf(format, args...)}
}

func invalidInputErr(format string, args ...any) *Error {
	return &Error{Kind: models.ErrorKindInvalidInput, Detail: fmt.Sprintf(format, args...)}
}
