package media

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pawcare/portal/internal/events"
)

const sess = "0123456789abcdef01234567"

func newTestStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Media{}))
	return NewStore(db, t.TempDir(), "s3cret", time.Minute, maxBytes)
}

// wavHeader is enough of a RIFF/WAVE header for content sniffing.
func wavHeader() []byte {
	b := []byte("RIFF\x24\x08\x00\x00WAVEfmt ")
	return append(b, bytes.Repeat([]byte{0}, 64)...)
}

func TestKindOf(t *testing.T) {
	for mt, want := range map[string]events.VariantType{
		"audio/webm;codecs=opus": events.VariantAudio,
		"application/ogg":        events.VariantAudio,
		"video/mp4":              events.VariantVideo,
		"IMAGE/PNG":              events.VariantImage,
	} {
		got, ok := KindOf(mt)
		assert.True(t, ok, mt)
		assert.Equal(t, want, got, mt)
	}
	_, ok := KindOf("application/pdf")
	assert.False(t, ok)
}

func TestSaveOpenAndProbe(t *testing.T) {
	s := newTestStore(t, 1<<20)
	ctx := context.Background()

	m, err := s.Save(ctx, 1, sess, "../../bark.wav", "audio/wav", bytes.NewReader(wavHeader()))
	require.NoError(t, err)
	assert.Equal(t, events.VariantAudio, m.Kind)
	assert.Equal(t, "bark.wav", m.Filename)
	assert.EqualValues(t, len(wavHeader()), m.Size)

	f, got, err := s.Open(ctx, m.ID)
	require.NoError(t, err)
	body, err := io.ReadAll(f)
	require.NoError(t, f.Close())
	require.NoError(t, err)
	assert.Equal(t, wavHeader(), body)
	assert.Equal(t, m.ID, got.ID)

	payload, err := s.Probe(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, payload.MediaID)
	assert.Equal(t, "audio/wav", payload.MimeType)
	assert.Equal(t, m.Size, payload.Size)
}

func TestProbeRejectsNonMedia(t *testing.T) {
	s := newTestStore(t, 0)
	m, err := s.Save(context.Background(), 1, sess, "notes.ogg", "audio/ogg", strings.NewReader("just some text pretending to be audio"))
	require.NoError(t, err)

	_, err = s.Probe(context.Background(), m.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text/plain")
}

func TestSaveLimits(t *testing.T) {
	s := newTestStore(t, 8)
	ctx := context.Background()

	_, err := s.Save(ctx, 1, sess, "big.wav", "audio/wav", bytes.NewReader(wavHeader()))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = s.Save(ctx, 1, sess, "empty.wav", "audio/wav", bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrEmpty)

	_, err = s.Save(ctx, 1, sess, "doc.pdf", "application/pdf", strings.NewReader("%PDF"))
	require.ErrorIs(t, err, ErrUnsupported)

	var count int64
	require.NoError(t, s.db.Model(&Media{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPresignURL(t *testing.T) {
	s := newTestStore(t, 0)
	ctx := context.Background()
	m, err := s.Save(ctx, 3, sess, "cat.png", "image/png", strings.NewReader("\x89PNG\r\n\x1a\n0000"))
	require.NoError(t, err)

	raw, expires, err := s.PresignURL("https://portal.test/", m)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/media/"+m.ID, u.Path)
	require.NoError(t, s.Verify(m.ID, u.Query().Get("token")))
	require.Error(t, s.Verify("OTHER", u.Query().Get("token")))

	_, err = s.GetOwned(ctx, 4, m.ID)
	require.ErrorIs(t, err, ErrNotFound)
}
