// Package media keeps uploaded chat attachments on local disk and hands out
// short-lived signed download URLs for them.
package media

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/pawcare/portal/internal/auth"
	"github.com/pawcare/portal/internal/common"
	"github.com/pawcare/portal/internal/events"
)

var (
	ErrNotFound    = errors.New("media not found")
	ErrTooLarge    = errors.New("media exceeds upload limit")
	ErrUnsupported = errors.New("unsupported media type")
	ErrEmpty       = errors.New("media is empty")
)

type Media struct {
	ID        string             `gorm:"primaryKey;size:26"`
	UserID    uint64             `gorm:"index;not null"`
	SessionID string             `gorm:"size:24;index;not null"`
	Kind      events.VariantType `gorm:"type:varchar(16);not null"`
	MimeType  string             `gorm:"type:varchar(128);not null"`
	Size      int64              `gorm:"not null"`
	Filename  string             `gorm:"type:varchar(255)"`
	CreatedAt time.Time
}

func (Media) TableName() string { return "media_blobs" }

type Store struct {
	db       *gorm.DB
	dir      string
	secret   string
	urlTTL   time.Duration
	maxBytes int64
}

func NewStore(db *gorm.DB, dir, secret string, urlTTL time.Duration, maxBytes int64) *Store {
	if urlTTL <= 0 {
		urlTTL = 15 * time.Minute
	}
	return &Store{db: db, dir: dir, secret: secret, urlTTL: urlTTL, maxBytes: maxBytes}
}

// KindOf maps a MIME type to the message variant that carries it.
func KindOf(mimeType string) (events.VariantType, bool) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case strings.HasPrefix(mt, "audio/"), mt == "application/ogg":
		return events.VariantAudio, true
	case strings.HasPrefix(mt, "video/"):
		return events.VariantVideo, true
	case strings.HasPrefix(mt, "image/"):
		return events.VariantImage, true
	}
	return "", false
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id[:2], id)
}

// Save streams r to disk and records the blob. Uploads over the size limit
// are rejected without leaving a file behind.
func (s *Store) Save(ctx context.Context, userID uint64, sessionID, filename, mimeType string, r io.Reader) (*Media, error) {
	kind, ok := KindOf(mimeType)
	if !ok {
		return nil, ErrUnsupported
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	dst := s.path(id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, errors.Wrap(err, "media dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), id+".*.part")
	if err != nil {
		return nil, errors.Wrap(err, "create blob")
	}
	defer os.Remove(tmp.Name())

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "write blob")
	}
	if s.maxBytes > 0 && n > s.maxBytes {
		return nil, ErrTooLarge
	}
	if n == 0 {
		return nil, ErrEmpty
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, errors.Wrap(err, "store blob")
	}

	m := &Media{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Kind:      kind,
		MimeType:  mimeType,
		Size:      n,
		Filename:  filepath.Base(filename),
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		_ = os.Remove(dst)
		return nil, errors.Wrap(err, "record blob")
	}
	return m, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Media, error) {
	var m Media
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetOwned hides other users' blobs as not found.
func (s *Store) GetOwned(ctx context.Context, userID uint64, id string) (*Media, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.UserID != userID {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *Store) Open(ctx context.Context, id string) (*os.File, *Media, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.path(m.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return f, m, nil
}

// PresignURL returns a download URL for m that expires after the store's TTL.
func (s *Store) PresignURL(baseURL string, m *Media) (string, time.Time, error) {
	expires := time.Now().Add(s.urlTTL)
	tok, err := auth.SignMediaToken(m.ID, m.UserID, s.secret, s.urlTTL)
	if err != nil {
		return "", time.Time{}, err
	}
	u := strings.TrimRight(baseURL, "/") + "/media/" + url.PathEscape(m.ID) + "?token=" + url.QueryEscape(tok)
	return u, expires, nil
}

// Verify checks a presigned token for id.
func (s *Store) Verify(id, token string) error {
	_, err := auth.ParseMediaToken(token, id, s.secret)
	return err
}

// Probe sniffs a stored blob and reports its verified payload. It rejects
// blobs whose content does not look like audio, video or an image.
func (s *Store) Probe(ctx context.Context, mediaID string) (events.VariantPayload, error) {
	f, m, err := s.Open(ctx, mediaID)
	if err != nil {
		return events.VariantPayload{}, err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return events.VariantPayload{}, errors.Wrap(err, "read blob")
	}
	sniffed := http.DetectContentType(head[:n])
	if _, ok := KindOf(sniffed); !ok && !strings.HasPrefix(sniffed, "application/octet-stream") {
		return events.VariantPayload{}, errors.Errorf("content looks like %s, not %s", sniffed, m.Kind)
	}

	return events.VariantPayload{
		MediaID:  m.ID,
		MimeType: m.MimeType,
		Size:     m.Size,
	}, nil
}
