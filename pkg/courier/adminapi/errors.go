package adminapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/randalmurphal/courier/pkg/courier"
)

// statusFor maps an error category onto an HTTP status.
func statusFor(cat courier.Category) int {
	switch cat {
	case courier.CategoryInvalid:
		return http.StatusBadRequest
	case courier.CategoryNotFound:
		return http.StatusNotFound
	case courier.CategoryConflict:
		return http.StatusConflict
	case courier.CategoryUnavailable, courier.CategoryTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	cat := courier.Categorize(err)
	code := statusFor(cat)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(code, ErrorResponse{Error: err.Error(), Category: cat.String()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Category: courier.CategoryInvalid.String()})
}
