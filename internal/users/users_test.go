package users

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pawcare/portal/internal/store/redisstore"
)

type memOTP struct {
	mu    sync.Mutex
	codes map[string]string
}

func (m *memOTP) SetOTP(_ context.Context, email, code string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	return nil
}

func (m *memOTP) GetOTP(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[email]
	if !ok {
		return "", redisstore.ErrOTPNotFound
	}
	return c, nil
}

func (m *memOTP) DeleteOTP(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, email)
	return nil
}

type sentMail struct{ to, subject, body string }

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
}

func (r *recordingMailer) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMail{to, subject, body})
	return nil
}

func (r *recordingMailer) first() sentMail {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[0]
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

func newTestService(t *testing.T) (*Service, *memOTP, *recordingMailer) {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&User{}))
	otp := &memOTP{codes: map[string]string{}}
	mailer := &recordingMailer{}
	return NewService(db, otp, mailer, time.Minute), otp, mailer
}

func TestSignupAndLogin(t *testing.T) {
	svc, otp, mailer := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendCode(ctx, " Owner@Example.com "))
	mail := mailer.first()
	assert.Equal(t, "owner@example.com", mail.to)
	m := codePattern.FindStringSubmatch(mail.body)
	require.Len(t, m, 2)

	_, err := svc.Register(ctx, "owner@example.com", "000000x", "longpassword")
	require.ErrorIs(t, err, ErrCodeMismatch)

	user, err := svc.Register(ctx, "owner@example.com", m[1], "longpassword")
	require.NoError(t, err)
	assert.Len(t, user.Username, 11)
	assert.NotEqual(t, "longpassword", user.PasswordHash)

	// the code is single use
	_, err = otp.GetOTP(ctx, "owner@example.com")
	require.ErrorIs(t, err, redisstore.ErrOTPNotFound)

	got, err := svc.Login(ctx, "OWNER@example.com", "longpassword")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	got, err = svc.Login(ctx, user.Username, "longpassword")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = svc.Login(ctx, "owner@example.com", "wrong-password")
	require.ErrorIs(t, err, ErrBadCredentials)

	me, err := svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", me.Email)
}

func TestRegisterValidation(t *testing.T) {
	svc, otp, _ := newTestService(t)
	ctx := context.Background()

	require.ErrorIs(t, svc.SendCode(ctx, "not-an-email"), ErrInvalidEmail)

	_, err := svc.Register(ctx, "owner@example.com", "123456", "short")
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.Register(ctx, "owner@example.com", "123456", "longpassword")
	require.ErrorIs(t, err, ErrCodeExpired)

	require.NoError(t, otp.SetOTP(ctx, "owner@example.com", "123456", time.Minute))
	_, err = svc.Register(ctx, "owner@example.com", "123456", "longpassword")
	require.NoError(t, err)

	require.NoError(t, otp.SetOTP(ctx, "owner@example.com", "654321", time.Minute))
	_, err = svc.Register(ctx, "owner@example.com", "654321", "longpassword")
	require.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.Get(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}
