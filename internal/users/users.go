// Package users handles pet-owner accounts: email one-time codes, signup
// and password login.
package users

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/pawcare/portal/internal/auth"
	"github.com/pawcare/portal/internal/store/redisstore"
)

var (
	ErrInvalidEmail    = errors.New("invalid email")
	ErrWeakPassword    = errors.New("password must be at least 8 characters")
	ErrCodeExpired     = errors.New("code expired or not found")
	ErrCodeMismatch    = errors.New("invalid code")
	ErrEmailTaken      = errors.New("email already registered")
	ErrBadCredentials  = errors.New("invalid email or password")
	ErrNotFound        = errors.New("user not found")
	errNoUsernameSlots = errors.New("failed to allocate username")
)

type User struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Email        string    `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	Username     string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"type:varchar(255);not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (User) TableName() string { return "users" }

type OTPStore interface {
	SetOTP(ctx context.Context, email, code string, ttl time.Duration) error
	GetOTP(ctx context.Context, email string) (string, error)
	DeleteOTP(ctx context.Context, email string) error
}

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer writes outgoing mail to the log instead of delivering it.
type LogMailer struct {
	Log zerolog.Logger
}

func (m LogMailer) Send(_ context.Context, to, subject, body string) error {
	m.Log.Info().Str("to", to).Str("subject", subject).Str("body", body).Msg("mail")
	return nil
}

type Service struct {
	db     *gorm.DB
	otp    OTPStore
	mailer Mailer
	otpTTL time.Duration
	log    zerolog.Logger
}

func NewService(db *gorm.DB, otp OTPStore, mailer Mailer, otpTTL time.Duration) *Service {
	if otpTTL <= 0 {
		otpTTL = 5 * time.Minute
	}
	return &Service{
		db:     db,
		otp:    otp,
		mailer: mailer,
		otpTTL: otpTTL,
		log:    log.With().Str("component", "users").Logger(),
	}
}

var validate = validator.New()

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validate.Var(email, "required,email,max=255"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func randomString(alphabet string, n int) (string, error) {
	out := make([]byte, n)
	for i := range out {
		k, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		out[i] = alphabet[k.Int64()]
	}
	return string(out), nil
}

// SendCode emails a six digit signup code.
func (s *Service) SendCode(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	code, err := randomString("0123456789", 6)
	if err != nil {
		return err
	}
	if err := s.otp.SetOTP(ctx, email, code, s.otpTTL); err != nil {
		return errors.Wrap(err, "store code")
	}

	body := fmt.Sprintf("Your PawCare verification code is %s.\nIt expires in %d minutes.\n",
		code, int(s.otpTTL.Minutes()))
	if err := s.mailer.Send(ctx, email, "Your PawCare verification code", body); err != nil {
		return errors.Wrap(err, "send code")
	}
	return nil
}

// Register creates an account after checking the emailed code.
func (s *Service) Register(ctx context.Context, email, code, password string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, ErrWeakPassword
	}

	want, err := s.otp.GetOTP(ctx, email)
	if err != nil {
		if errors.Is(err, redisstore.ErrOTPNotFound) {
			return nil, ErrCodeExpired
		}
		return nil, errors.Wrap(err, "load code")
	}
	if want != strings.TrimSpace(code) {
		return nil, ErrCodeMismatch
	}

	var cnt int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&cnt).Error; err != nil {
		return nil, err
	}
	if cnt > 0 {
		return nil, ErrEmailTaken
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	username, err := s.allocateUsername(ctx)
	if err != nil {
		return nil, err
	}

	user := &User{Email: email, Username: username, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, errors.Wrap(ErrEmailTaken, err.Error())
	}
	_ = s.otp.DeleteOTP(ctx, email)

	go func(to, uname string) {
		body := "Hello,\n\nWelcome to PawCare. Your account is ready.\n\n" +
			"Username: " + uname + "\n\nPawCare\n"
		if err := s.mailer.Send(context.Background(), to, "Welcome to PawCare", body); err != nil {
			s.log.Warn().Err(err).Str("to", to).Msg("welcome mail")
		}
	}(user.Email, user.Username)

	return user, nil
}

// allocateUsername picks a random 11 char handle, retrying on collisions.
func (s *Service) allocateUsername(ctx context.Context) (string, error) {
	for i := 0; i < 5; i++ {
		u, err := randomString("abcdefghijklmnopqrstuvwxyz0123456789", 11)
		if err != nil {
			return "", err
		}
		var cnt int64
		if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", u).Count(&cnt).Error; err != nil {
			return "", err
		}
		if cnt == 0 {
			return u, nil
		}
	}
	return "", errNoUsernameSlots
}

// Login accepts an email or username.
func (s *Service) Login(ctx context.Context, login, password string) (*User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	var user User
	err := s.db.WithContext(ctx).Where("email = ? OR username = ?", login, login).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return nil, ErrBadCredentials
	}
	return &user, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}
