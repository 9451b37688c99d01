package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/ebookbot/ebookbot/common"
)

var validate = validator.New()

// BindQuery binds query-string parameters into dest and validates them.
// On failure it records a 400 on the context and returns false; the
// handler just returns.
func BindQuery[T any](c *gin.Context, dest *T) bool {
	if err := c.ShouldBindQuery(dest); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "invalid query: %v", err.Error()))
		return false
	}
	if err := validate.Struct(dest); err != nil {
		c.Error(common.Errf(http.StatusBadRequest, "validation failed").
			WithFields(FormatValidationErrors(err)))
		return false
	}
	return true
}

// FormatValidationErrors flattens validator errors into a field-to-reason
// map for the response body.
func FormatValidationErrors(err error) map[string]any {
	fields := map[string]any{}
	for _, e := range err.(validator.ValidationErrors) {
		fields[e.Field()] = "failed " + e.Tag()
	}
	return fields
}
