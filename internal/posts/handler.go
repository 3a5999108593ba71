package posts

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/middleware"
)

type BaseHandler struct {
	Service Service
	Logger  logger.Logger
}

func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	} else {
		h.Logger.WarnwCtx(c.Request.Context(), "Request rejected", "error", err, "path", c.Request.URL.Path)
	}

	c.JSON(status, errors.ToErrorResponse(err))
}

type Handler struct {
	BaseHandler
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		BaseHandler: BaseHandler{
			Service: service,
			Logger:  log,
		},
	}
}

// RegisterRoutes mounts the post API. auth guards every route; limit only
// guards post creation.
func (h *Handler) RegisterRoutes(router gin.IRouter, auth, limit gin.HandlerFunc) {
	v1 := router.Group("/api/v1")
	{
		posts := v1.Group("/posts", auth)
		{
			posts.POST("", limit, h.CreatePost)
			posts.GET("", h.ListPosts)
			posts.GET("/:id", h.GetPost)
			posts.DELETE("/:id", h.DeletePost)
		}
	}
}

// CreatePost godoc
// @Summary      Create a post
// @Description  Stores the post, announces post.created and invalidates cached listings
// @Tags         posts
// @Accept       json
// @Produce      json
// @Param        X-User-ID  header  string             true  "Authenticated user"
// @Param        post       body    CreatePostRequest  true  "Post"
// @Success      201  {object}  Post
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /posts [post]
func (h *Handler) CreatePost(c *gin.Context) {
	var req CreatePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.HandleError(c, errors.ErrValidation.WithCause(err))
		return
	}

	post, err := h.Service.Create(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, post)
}

// ListPosts godoc
// @Summary      List posts
// @Description  Newest first, served from cache when possible
// @Tags         posts
// @Produce      json
// @Param        page   query  int  false  "Page (default 1)"
// @Param        limit  query  int  false  "Page size (default 10)"
// @Success      200  {object}  ListResponse
// @Failure      503  {object}  map[string]interface{}
// @Router       /posts [get]
func (h *Handler) ListPosts(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	resp, err := h.Service.List(c.Request.Context(), page, limit)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetPost godoc
// @Summary      Get a post
// @Tags         posts
// @Produce      json
// @Param        id   path  string  true  "Post ID"
// @Success      200  {object}  Post
// @Failure      404  {object}  map[string]interface{}
// @Router       /posts/{id} [get]
func (h *Handler) GetPost(c *gin.Context) {
	post, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, post)
}

// DeletePost godoc
// @Summary      Delete a post
// @Description  Only the owner may delete; announces post.deleted
// @Tags         posts
// @Produce      json
// @Param        id  path  string  true  "Post ID"
// @Success      200  {object}  DeleteResponse
// @Failure      404  {object}  map[string]interface{}
// @Router       /posts/{id} [delete]
func (h *Handler) DeletePost(c *gin.Context) {
	if err := h.Service.Delete(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusOK, DeleteResponse{Message: "Post deleted successfully"})
}
