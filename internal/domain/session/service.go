package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/yanqian/agrivision/pkg/errors"
	"github.com/yanqian/agrivision/pkg/util"
)

const defaultTTL = 30 * time.Minute

// Service drives the capture/result toggle for scanning sessions.
type Service interface {
	Start(ctx context.Context) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	Capture(ctx context.Context, id string, data []byte) (Session, error)
	Reset(ctx context.Context, id string) (Session, error)
	Image(ctx context.Context, id string) (CapturedImage, error)
	Sweep(ctx context.Context) (int, error)
}

type service struct {
	cfg       Config
	store     Store
	blobs     ObjectStorage
	inspector Inspector
	logger    *slog.Logger
	now       util.Clock
	newID     func() string
}

// NewService wires the session domain.
func NewService(cfg Config, store Store, blobs ObjectStorage, inspector Inspector, logger *slog.Logger) Service {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &service{
		cfg:       cfg,
		store:     store,
		blobs:     blobs,
		inspector: inspector,
		logger:    logger.With("component", "session.service"),
		now:       util.NowUTC,
		newID:     uuid.NewString,
	}
}

func (s *service) Start(ctx context.Context) (Session, error) {
	now := s.now()
	sess := Session{
		ID:        s.newID(),
		State:     StateCapture,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cfg.TTL),
	}
	if err := s.store.Save(ctx, sess); err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStorage, "save session", err)
	}
	s.logger.Info("session started", "session_id", sess.ID)
	return sess, nil
}

func (s *service) Get(ctx context.Context, id string) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, apperrors.Wrap(apperrors.CodeSessionNotFound, "session id is required", nil)
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, apperrors.Wrap(apperrors.CodeSessionNotFound, "session not found", err)
		}
		return Session{}, apperrors.Wrap(apperrors.CodeStorage, "load session", err)
	}
	return sess, nil
}

// Capture stores the photo and flips the session to the result state. Capturing
// again while in the result state replaces the photo.
func (s *service) Capture(ctx context.Context, id string, data []byte) (Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	info, err := s.inspector.Inspect(data)
	if err != nil {
		return Session{}, err
	}

	key := BlobKey(sess.ID)
	obj, err := s.blobs.Put(ctx, key, data, info.ContentType)
	if err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStorage, "store captured image", err)
	}

	now := s.now()
	sess.State = StateResult
	sess.Image = &ImageRef{
		Key:         obj.Key,
		ContentType: info.ContentType,
		Format:      info.Format,
		Width:       info.Width,
		Height:      info.Height,
		Size:        obj.Size,
		ETag:        obj.ETag,
		CapturedAt:  now,
	}
	s.touch(&sess, now)
	if err := s.store.Save(ctx, sess); err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStorage, "save session", err)
	}
	s.logger.Info("session image captured",
		"session_id", sess.ID,
		"format", info.Format,
		"width", info.Width,
		"height", info.Height,
		"bytes", obj.Size,
	)
	return sess, nil
}

// Reset discards the captured photo ("scan new plant").
func (s *service) Reset(ctx context.Context, id string) (Session, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if sess.Image != nil {
		if err := s.blobs.Delete(ctx, sess.Image.Key); err != nil {
			return Session{}, apperrors.Wrap(apperrors.CodeStorage, "delete captured image", err)
		}
	}
	sess.State = StateCapture
	sess.Image = nil
	s.touch(&sess, s.now())
	if err := s.store.Save(ctx, sess); err != nil {
		return Session{}, apperrors.Wrap(apperrors.CodeStorage, "save session", err)
	}
	s.logger.Info("session reset", "session_id", sess.ID)
	return sess, nil
}

func (s *service) Image(ctx context.Context, id string) (CapturedImage, error) {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return CapturedImage{}, err
	}
	if sess.State != StateResult || sess.Image == nil {
		return CapturedImage{}, apperrors.Wrap(apperrors.CodeNoImage, "no image captured for session", nil)
	}
	rc, err := s.blobs.Get(ctx, sess.Image.Key)
	if err != nil {
		return CapturedImage{}, apperrors.Wrap(apperrors.CodeStorage, "load captured image", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return CapturedImage{}, apperrors.Wrap(apperrors.CodeStorage, "read captured image", err)
	}
	return CapturedImage{Ref: *sess.Image, Data: data}, nil
}

// Sweep removes expired sessions and their photos.
func (s *service) Sweep(ctx context.Context) (int, error) {
	ids, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "sweep sessions", err)
	}
	for _, id := range ids {
		if err := s.blobs.Delete(ctx, BlobKey(id)); err != nil {
			s.logger.Warn("delete expired session image failed", "session_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("expired sessions swept", "count", len(ids))
	}
	return len(ids), nil
}

func (s *service) touch(sess *Session, now time.Time) {
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(s.cfg.TTL)
}
