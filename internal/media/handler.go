package media

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"postmesh/internal/logger"
	"postmesh/pkg/errors"
	"postmesh/pkg/middleware"
)

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{Service: service, Logger: log}
}

func (h *Handler) HandleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) RegisterRoutes(router gin.IRouter, auth, limit gin.HandlerFunc) {
	v1 := router.Group("/api/v1/media")
	{
		v1.POST("/upload", auth, limit, h.UploadMedia)
		v1.GET("", auth, h.ListMedia)
		v1.GET("/files/:objectId", h.DownloadMedia)
	}
}

// UploadMedia godoc
// @Summary      Upload a media file
// @Tags         media
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "Media file"
// @Success      201  {object}  Media
// @Failure      400  {object}  map[string]interface{}
// @Failure      503  {object}  map[string]interface{}
// @Router       /media/upload [post]
func (h *Handler) UploadMedia(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		h.HandleError(c, errors.ErrValidation.WithDetail("message", "file is required").WithCause(err))
		return
	}

	f, err := fh.Open()
	if err != nil {
		h.HandleError(c, errors.ErrValidation.WithCause(err))
		return
	}
	defer f.Close()

	upload := Upload{
		FileName: fh.Filename,
		MimeType: fh.Header.Get("Content-Type"),
		Size:     fh.Size,
	}

	m, err := h.Service.Upload(c.Request.Context(), middleware.UserID(c), upload, f)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, m)
}

// ListMedia godoc
// @Summary      List the caller's media
// @Tags         media
// @Produce      json
// @Success      200  {array}   Media
// @Failure      404  {object}  map[string]interface{}
// @Router       /media [get]
func (h *Handler) ListMedia(c *gin.Context) {
	items, err := h.Service.ListByUser(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *Handler) DownloadMedia(c *gin.Context) {
	rc, err := h.Service.Open(c.Request.Context(), c.Param("objectId"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	defer rc.Close()

	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.Logger.WarnwCtx(c.Request.Context(), "Media download interrupted", "error", err)
	}
}
