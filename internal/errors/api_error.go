// Package errors holds the wire error shape and the gin helpers that
// emit it.
package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// APIError is the JSON body every non-2xx response carries.
type APIError struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func abort(c *gin.Context, status int, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(status, &APIError{Error: message, Details: details})
}

// AbortWithBadRequest sends a 400 and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusBadRequest, message, details)
}

// AbortWithNotFound sends a 404 and aborts the request.
func AbortWithNotFound(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusNotFound, message, details)
}

// AbortWithConflict sends a 409 and aborts the request.
func AbortWithConflict(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusConflict, message, details)
}

// AbortWithInternal sends a 500 and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	abort(c, http.StatusInternalServerError, message, details)
}
