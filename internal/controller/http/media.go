package http

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vadim/neo-inbox/internal/httpx/response"
	"github.com/vadim/neo-inbox/internal/storage"
)

// MaxUploadSize is the maximum allowed upload size (50MB)
const MaxUploadSize = 50 << 20

// MediaUploader defines the interface for uploading chat attachments
type MediaUploader interface {
	Upload(ctx context.Context, in storage.UploadInput) (*storage.UploadOutput, error)
}

// MediaHandler handles media upload HTTP requests
type MediaHandler struct {
	uploader MediaUploader
	logger   *zap.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(uploader MediaUploader, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{uploader: uploader, logger: logger.Named("media")}
}

// RegisterRoutes registers media routes
func (h *MediaHandler) RegisterRoutes(r chi.Router) {
	r.Post("/media/upload", h.Upload())
}

// UploadResponse represents the response from upload endpoint
type UploadResponse struct {
	URL        string    `json:"url"`
	Key        string    `json:"key"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type"`
	FileName   string    `json:"file_name"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Upload handles POST /media/upload
func (h *MediaHandler) Upload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)

		if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
			response.BadRequest(w, "file too large or invalid multipart form")
			return
		}

		workspaceID := r.FormValue("workspace_id")
		if workspaceID == "" {
			response.BadRequest(w, "workspace_id is required")
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			response.BadRequest(w, "missing file in request")
			return
		}
		defer file.Close()

		contentType := mediaType(header.Header.Get("Content-Type"))
		if !isAllowedMediaType(contentType) {
			response.BadRequest(w, fmt.Sprintf("unsupported media type: %s", contentType))
			return
		}

		result, err := h.uploader.Upload(r.Context(), storage.UploadInput{
			Reader:      file,
			ContentType: contentType,
			Size:        header.Size,
			Filename:    header.Filename,
			WorkspaceID: workspaceID,
		})
		if err != nil {
			h.logger.Error("uploading media",
				zap.String("workspace_id", workspaceID),
				zap.String("file_name", header.Filename),
				zap.Error(err),
			)
			response.InternalError(w, "failed to upload file")
			return
		}

		response.Created(w, UploadResponse{
			URL:        result.URL,
			Key:        result.Key,
			Size:       result.Size,
			MimeType:   contentType,
			FileName:   header.Filename,
			UploadedAt: result.UploadedAt,
		})
	}
}

// mediaType strips parameters such as codecs from a content type
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// isAllowedMediaType checks if the content type can be sent as a chat attachment
func isAllowedMediaType(contentType string) bool {
	switch {
	case strings.HasPrefix(contentType, "image/"),
		strings.HasPrefix(contentType, "video/"),
		strings.HasPrefix(contentType, "audio/"):
		return true
	}

	allowed := []string{
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/zip",
		"text/plain",
		"text/csv",
	}
	for _, a := range allowed {
		if strings.EqualFold(contentType, a) {
			return true
		}
	}
	return false
}
