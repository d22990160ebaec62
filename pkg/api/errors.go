package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/codeready-toolchain/pulse/pkg/store"
	"github.com/gin-gonic/gin"
)

// writeServiceError maps store-layer errors to an HTTP response, grounded
// on the teacher's pkg/api/errors.go mapServiceError dispatch.
func writeServiceError(c *gin.Context, err error) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validErr.Error()})
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	if errors.Is(err, store.ErrAlreadyInState) {
		c.JSON(http.StatusConflict, gin.H{"error": "resource already in a terminal or equivalent state"})
		return
	}
	if errors.Is(err, store.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	slog.Error("api: unexpected service error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
