package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrOTPNotFound = errors.New("otp expired or not found")

type Store struct {
	Client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.Client.Close()
}

func otpKey(email string) string {
	return "otp:" + strings.ToLower(strings.TrimSpace(email))
}

func (s *Store) SetOTP(ctx context.Context, email, code string, ttl time.Duration) error {
	return s.Client.Set(ctx, otpKey(email), code, ttl).Err()
}

func (s *Store) GetOTP(ctx context.Context, email string) (string, error) {
	code, err := s.Client.Get(ctx, otpKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrOTPNotFound
	}
	return code, err
}

func (s *Store) DeleteOTP(ctx context.Context, email string) error {
	return s.Client.Del(ctx, otpKey(email)).Err()
}
