// Package files implements the /api/v1/files handlers. Every handler resolves
// the caller and adapter, then hands the request to the gateway orchestrator,
// which records the operation.
package files

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/api/apierr"
	"github.com/datashelf/gateway/internal/config"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

// multipartOverhead allows for form boundaries and the path field on top of
// the file itself.
const multipartOverhead = 1 << 20

// Service is the slice of *gateway.Gateway these handlers use.
type Service interface {
	ListFiles(ctx context.Context, c gateway.Caller, path string) (*adapter.Listing, error)
	UploadFile(ctx context.Context, c gateway.Caller, req gateway.UploadRequest) (*adapter.UploadReceipt, error)
	DownloadFile(ctx context.Context, c gateway.Caller, path string) (*adapter.Download, error)
	DeleteFile(ctx context.Context, c gateway.Caller, path string) error
	CreateFolder(ctx context.Context, c gateway.Caller, path string) error
	GetFileInfo(ctx context.Context, c gateway.Caller, path string) (*adapter.FileInfo, error)
	CopyFile(ctx context.Context, c gateway.Caller, src, dst string) error
	MoveFile(ctx context.Context, c gateway.Caller, src, dst string) error
	Operations(ctx context.Context, ownerID uuid.UUID, q gateway.HistoryQuery) ([]*models.FileOperation, gateway.Pagination, error)
}

// Handlers serves file operation endpoints
type Handlers struct {
	svc     Service
	uploads config.UploadsConfig
}

// NewHandlers creates file handlers. uploads bounds multipart uploads before
// they reach the gateway.
func NewHandlers(svc Service, uploads config.UploadsConfig) *Handlers {
	return &Handlers{svc: svc, uploads: uploads}
}

// RegisterRoutes mounts the handlers on rg (normally /api/v1/files). upload
// runs in front of the upload handler only; pass nil for none.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup, upload gin.HandlerFunc) {
	rg.GET("/list/:adapterId", h.ListFiles)
	if upload != nil {
		rg.POST("/upload/:adapterId", upload, h.UploadFile)
	} else {
		rg.POST("/upload/:adapterId", h.UploadFile)
	}
	rg.GET("/download/:adapterId", h.DownloadFile)
	rg.DELETE("/delete/:adapterId", h.DeleteFile)
	rg.POST("/folder/:adapterId", h.CreateFolder)
	rg.GET("/info/:adapterId", h.GetFileInfo)
	rg.POST("/copy/:adapterId", h.CopyFile)
	rg.POST("/move/:adapterId", h.MoveFile)
	rg.GET("/operations", h.ListOperations)
}

// caller builds the gateway caller for the :adapterId route parameter.
func caller(c *gin.Context) (gateway.Caller, bool) {
	owner, ok := apierr.Owner(c)
	if !ok {
		return gateway.Caller{}, false
	}
	id, ok := apierr.ParamUUID(c, "adapterId")
	if !ok {
		return gateway.Caller{}, false
	}
	return gateway.Caller{
		OwnerID:   owner,
		AdapterID: id,
		RequestID: middleware.GetRequestID(c),
	}, true
}

type pathBody struct {
	Path string `json:"path" form:"path"`
}

// pathParam reads "path" from the query string, falling back to a JSON or
// form body.
func pathParam(c *gin.Context) string {
	if p, ok := c.GetQuery("path"); ok {
		return p
	}
	var body pathBody
	if c.Request.ContentLength != 0 {
		_ = c.ShouldBind(&body)
	}
	return body.Path
}

type transferBody struct {
	SourcePath      string `json:"sourcePath" binding:"required"`
	DestinationPath string `json:"destinationPath" binding:"required"`
}

// @Summary      List files
// @Description  Lists folders and files directly under path.
// @Tags         Files
// @Security     Bearer
// @Produce      json
// @Param        adapterId  path   string  true   "Adapter ID (UUID)"
// @Param        path       query  string  false  "Folder to list; empty for the root"
// @Success      200  {object}  adapter.Listing
// @Failure      404  {object}  map[string]interface{}  "Adapter not found"
// @Failure      502  {object}  map[string]interface{}  "Backend failure"
// @Router       /api/v1/files/list/{adapterId} [get]
func (h *Handlers) ListFiles(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	listing, err := h.svc.ListFiles(c.Request.Context(), call, c.Query("path"))
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// @Summary      Upload a file
// @Description  Stores a multipart file under path. The upload counts against the caller's storage quota.
// @Tags         Files
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        adapterId  path      string  true   "Adapter ID (UUID)"
// @Param        path       formData  string  false  "Destination folder"
// @Param        file       formData  file    true   "File content"
// @Success      201  {object}  map[string]interface{}  "message, file: UploadReceipt"
// @Failure      400  {object}  map[string]interface{}  "Validation failed"
// @Failure      413  {object}  map[string]interface{}  "Storage quota exceeded"
// @Failure      502  {object}  map[string]interface{}  "Backend failure"
// @Router       /api/v1/files/upload/{adapterId} [post]
func (h *Handlers) UploadFile(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}

	if h.uploads.MaxSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploads.MaxSize+multipartOverhead)
	}
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierr.Invalid(c, "file", "exceeds the maximum upload size of "+strconv.FormatInt(h.uploads.MaxSize, 10)+" bytes")
			return
		}
		apierr.Invalid(c, "file", "no file uploaded")
		return
	}
	if h.uploads.MaxSize > 0 && header.Size > h.uploads.MaxSize {
		apierr.Invalid(c, "file", "exceeds the maximum upload size of "+strconv.FormatInt(h.uploads.MaxSize, 10)+" bytes")
		return
	}
	if !h.extensionAllowed(header.Filename) {
		apierr.Invalid(c, "file", "file type is not allowed; allowed types: "+strings.Join(h.uploads.AllowedExtensions, ", "))
		return
	}

	f, err := header.Open()
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	defer f.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := mime.TypeByExtension(path.Ext(header.Filename)); byExt != "" {
			contentType = byExt
		}
	}

	receipt, err := h.svc.UploadFile(c.Request.Context(), call, gateway.UploadRequest{
		Path:        c.PostForm("path"),
		FileName:    header.Filename,
		Size:        header.Size,
		ContentType: contentType,
		Content:     f,
	})
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"message": "File uploaded successfully",
		"file":    receipt,
	})
}

func (h *Handlers) extensionAllowed(name string) bool {
	if len(h.uploads.AllowedExtensions) == 0 {
		return true
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	return ext != "" && slices.Contains(h.uploads.AllowedExtensions, ext)
}

// @Summary      Download a file
// @Description  Streams the object with its stored content type.
// @Tags         Files
// @Security     Bearer
// @Produce      octet-stream
// @Param        adapterId  path   string  true  "Adapter ID (UUID)"
// @Param        path       query  string  true  "Object path"
// @Success      200  {file}    binary
// @Failure      404  {object}  map[string]interface{}  "File not found"
// @Router       /api/v1/files/download/{adapterId} [get]
func (h *Handlers) DownloadFile(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	p := c.Query("path")
	if p == "" {
		apierr.Invalid(c, "path", "file path is required")
		return
	}

	dl, err := h.svc.DownloadFile(c.Request.Context(), call, p)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	defer dl.Body.Close()

	contentType := dl.Info.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := dl.Info.Name
	if name == "" {
		name = path.Base(p)
	}
	extra := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": name}),
	}
	if dl.Info.ETag != "" {
		extra["ETag"] = dl.Info.ETag
	}
	size := dl.Info.Size
	if size <= 0 {
		size = -1
	}
	c.DataFromReader(http.StatusOK, size, contentType, dl.Body, extra)
}

// DeleteFile removes one object. path comes from the query string or body.
// DELETE /api/v1/files/delete/:adapterId
func (h *Handlers) DeleteFile(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	p := pathParam(c)
	if p == "" {
		apierr.Invalid(c, "path", "file path is required")
		return
	}
	if err := h.svc.DeleteFile(c.Request.Context(), call, p); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted successfully"})
}

// CreateFolder creates a folder marker
// POST /api/v1/files/folder/:adapterId
func (h *Handlers) CreateFolder(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	p := pathParam(c)
	if p == "" {
		apierr.Invalid(c, "path", "folder path is required")
		return
	}
	if err := h.svc.CreateFolder(c.Request.Context(), call, p); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Folder created successfully", "path": p})
}

// GetFileInfo returns metadata without content
// GET /api/v1/files/info/:adapterId
func (h *Handlers) GetFileInfo(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	p := c.Query("path")
	if p == "" {
		apierr.Invalid(c, "path", "file path is required")
		return
	}
	info, err := h.svc.GetFileInfo(c.Request.Context(), call, p)
	if err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": info})
}

func bindTransfer(c *gin.Context) (transferBody, bool) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apierr.Invalid(c, "body", "sourcePath and destinationPath are required")
		return body, false
	}
	if body.SourcePath == body.DestinationPath {
		apierr.Invalid(c, "destinationPath", "destination must differ from source")
		return body, false
	}
	return body, true
}

// CopyFile duplicates an object within one adapter
// POST /api/v1/files/copy/:adapterId
func (h *Handlers) CopyFile(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	body, ok := bindTransfer(c)
	if !ok {
		return
	}
	if err := h.svc.CopyFile(c.Request.Context(), call, body.SourcePath, body.DestinationPath); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File copied successfully"})
}

// MoveFile copies then deletes the source. A failed delete reports
// partial_move and leaves both objects in place.
// POST /api/v1/files/move/:adapterId
func (h *Handlers) MoveFile(c *gin.Context) {
	call, ok := caller(c)
	if !ok {
		return
	}
	body, ok := bindTransfer(c)
	if !ok {
		return
	}
	if err := h.svc.MoveFile(c.Request.Context(), call, body.SourcePath, body.DestinationPath); err != nil {
		apierr.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File moved successfully"})
}
