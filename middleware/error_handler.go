package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ebookbot/ebookbot/common"
)

// ErrorHandler renders errors collected on the gin context as JSON. A
// typed APIError keeps its status and optional field detail; anything
// else becomes a plain 500.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var apiErr common.APIError
		if errors.As(err, &apiErr) {
			body := gin.H{"error": apiErr.Message}
			if apiErr.Fields != nil {
				body["fields"] = apiErr.Fields
			}
			c.JSON(apiErr.Status, body)
			return
		}

		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
