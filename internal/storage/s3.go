package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ErrInvalidDataURL is returned for inline media that is not a base64 data URL
var ErrInvalidDataURL = errors.New("invalid data url")

// S3Config holds S3/MinIO configuration
type S3Config struct {
	Endpoint        string // e.g., "http://localhost:9000" for MinIO
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Region          string
	PublicURL       string // Public URL for accessing files (e.g., "http://localhost:9000/media")
	Prefix          string // Key prefix for outgoing chat media
}

// S3Storage provides S3-compatible storage operations
type S3Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string
	prefix    string
	now       func() time.Time
}

// NewS3Storage creates a new S3 storage client
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	client := s3.New(s3.Options{
		Region:       cfg.Region,
		BaseEndpoint: aws.String(cfg.Endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		),
		UsePathStyle: true, // Required for MinIO
	})

	return &S3Storage{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		prefix:    strings.Trim(cfg.Prefix, "/"),
		now:       time.Now,
	}, nil
}

// UploadInput represents input for uploading a file
type UploadInput struct {
	Reader      io.Reader
	ContentType string
	Size        int64
	Filename    string // Optional: original filename for extension extraction
	WorkspaceID string // Optional: groups objects per workspace
}

// UploadOutput represents output from uploading a file
type UploadOutput struct {
	Key        string // Object key in S3
	URL        string // Public URL to access the file
	Size       int64
	UploadedAt time.Time
}

// Upload uploads a file to S3 and returns the public URL
func (s *S3Storage) Upload(ctx context.Context, in UploadInput) (*UploadOutput, error) {
	key := s.objectKey(in.WorkspaceID, in.Filename, in.ContentType)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          in.Reader,
		ContentType:   aws.String(in.ContentType),
		ContentLength: aws.Int64(in.Size),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading to s3: %w", err)
	}

	return &UploadOutput{
		Key:        key,
		URL:        fmt.Sprintf("%s/%s", s.publicURL, key),
		Size:       in.Size,
		UploadedAt: s.now(),
	}, nil
}

// UploadDataURL stores an inline data:<mime>;base64,<payload> media and returns its public URL
func (s *S3Storage) UploadDataURL(ctx context.Context, workspaceID, dataURL, filename string) (*UploadOutput, error) {
	contentType, data, err := DecodeDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	return s.Upload(ctx, UploadInput{
		Reader:      bytes.NewReader(data),
		ContentType: contentType,
		Size:        int64(len(data)),
		Filename:    filename,
		WorkspaceID: workspaceID,
	})
}

// Delete removes a file from S3
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting from s3: %w", err)
	}
	return nil
}

func (s *S3Storage) objectKey(workspaceID, filename, contentType string) string {
	ext := path.Ext(filename)
	if ext == "" {
		ext = getExtensionFromContentType(contentType)
	}

	parts := make([]string, 0, 4)
	if s.prefix != "" {
		parts = append(parts, s.prefix)
	}
	if workspaceID != "" {
		parts = append(parts, workspaceID)
	}
	parts = append(parts, s.now().Format("2006/01/02"), uuid.New().String()+ext)
	return strings.Join(parts, "/")
}

// IsDataURL reports whether u carries inline base64 media
func IsDataURL(u string) bool {
	return strings.HasPrefix(u, "data:")
}

// DecodeDataURL splits a base64 data URL into its content type and payload
func DecodeDataURL(u string) (string, []byte, error) {
	if !IsDataURL(u) {
		return "", nil, ErrInvalidDataURL
	}
	meta, payload, ok := strings.Cut(strings.TrimPrefix(u, "data:"), ",")
	if !ok {
		return "", nil, ErrInvalidDataURL
	}
	contentType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, ErrInvalidDataURL
	}
	// drop parameters such as codecs=opus
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURL, err)
	}
	return contentType, data, nil
}

// getExtensionFromContentType returns file extension based on content type
func getExtensionFromContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/quicktime":
		return ".mov"
	case "audio/ogg":
		return ".ogg"
	case "audio/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "application/pdf":
		return ".pdf"
	default:
		return ""
	}
}
