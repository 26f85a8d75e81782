package projection

import (
	"errors"
	"net/http"
	"strings"

	httperr "github.com/aevon-lab/geosummary/internal/core/errors"
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all projection API routes on the given router.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	// Summary ids contain slashes, so the id is a catch-all parameter.
	r.GET("/v1/summaries/*id", s.HandleGetSummary)
}

// HandleGetSummary handles GET /v1/summaries/*id
func (s *Service) HandleGetSummary(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")

	resp, err := s.GetSummary(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidQuery):
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpValidationError,
				Message:   "Invalid summary id",
				Details:   err.Error(),
			})
		case errors.Is(err, ErrSummaryNotFound):
			c.JSON(http.StatusNotFound, httperr.ErrorResponse{
				ErrorType: httperr.HttpNotFoundError,
				Message:   "Summary not found",
				Details:   map[string]string{"id": id},
			})
		default:
			c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
				ErrorType: httperr.HttpInternalError,
				Message:   "Failed to read summary",
				Details:   err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}
