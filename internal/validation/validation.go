// Package validation provides request-shape middleware for the API.
package validation

import (
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// idPattern matches generated record IDs ("ctr_..." and UUIDs) and the
// client-chosen job IDs.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is acceptable as a record ID.
func IsValidID(s string) bool {
	return idPattern.MatchString(s)
}

// IDParamMiddleware rejects requests whose named path parameters are present
// but not valid IDs.
func IDParamMiddleware(names ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range names {
			v := c.Param(name)
			if v != "" && !IsValidID(v) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "validation_error",
					"message": "invalid " + name,
				})
				return
			}
		}
		c.Next()
	}
}
