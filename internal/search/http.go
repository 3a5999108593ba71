package search

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
)

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func (h *Handler) RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/search", auth, h.SearchPosts)
	}
}

// SearchPosts godoc
// @Summary      Search posts
// @Description  Full-text search over indexed posts; without a query the newest posts are returned
// @Tags         search
// @Produce      json
// @Param        query  query  string  false  "Search terms"
// @Success      200  {array}   IndexedPost
// @Failure      503  {object}  map[string]interface{}
// @Router       /search [get]
func (h *Handler) SearchPosts(c *gin.Context) {
	posts, err := h.Service.Search(c.Request.Context(), c.Query("query"))
	if err != nil {
		h.Logger.ErrorwCtx(c.Request.Context(), "Search failed", "error", err)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, posts)
}
