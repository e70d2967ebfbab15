package session

import (
	"context"
	"errors"
	"io"
	"time"
)

// State is the two-state capture/result toggle of a scanning session.
type State string

const (
	// StateCapture waits for a new plant photo.
	StateCapture State = "capture"
	// StateResult holds a captured photo that can be diagnosed.
	StateResult State = "result"
)

// ErrNotFound is returned by stores for unknown or expired sessions.
var ErrNotFound = errors.New("session not found")

// ImageInfo describes a validated upload.
type ImageInfo struct {
	Format      string
	ContentType string
	Width       int
	Height      int
}

// ImageRef points at the captured photo in object storage.
type ImageRef struct {
	Key         string    `json:"key"`
	ContentType string    `json:"contentType"`
	Format      string    `json:"format"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag,omitempty"`
	CapturedAt  time.Time `json:"capturedAt"`
}

// Session is the per-user "currently captured image" state.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Image     *ImageRef `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CapturedImage is the stored photo plus its metadata.
type CapturedImage struct {
	Ref  ImageRef
	Data []byte
}

// Config wires runtime knobs for sessions.
type Config struct {
	TTL time.Duration
}

// Store persists sessions.
type Store interface {
	Save(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	// Sweep drops sessions expired at now and returns their ids.
	Sweep(ctx context.Context, now time.Time) ([]string, error)
}

// ObjectStorage abstracts blob storage (memory or S3-compatible).
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// StoredObject captures persisted blob metadata.
type StoredObject struct {
	Key      string
	Size     int64
	MimeType string
	ETag     string
}

// Inspector validates an upload and reports its format and dimensions.
type Inspector interface {
	Inspect(data []byte) (ImageInfo, error)
}

// BlobKey is the object key of a session's captured photo.
func BlobKey(id string) string {
	return "sessions/" + id + "/capture"
}
