package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid token")

const (
	issuer = "pawcare"

	audienceAPI   = "api"
	audienceMedia = "media"
)

type Claims struct {
	UserID uint64 `json:"uid"`
	jwt.RegisteredClaims
}

// MediaClaims authorize one download of a stored blob.
type MediaClaims struct {
	MediaID string `json:"mid"`
	UserID  uint64 `json:"uid"`
	jwt.RegisteredClaims
}

func registered(subject, audience string, ttl time.Duration) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func SignJWT(userID uint64, secret string, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID:           userID,
		RegisteredClaims: registered(strconv.FormatUint(userID, 10), audienceAPI, ttl),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func ParseJWT(token, secret string) (uint64, error) {
	var claims Claims
	if err := parse(token, secret, audienceAPI, &claims); err != nil {
		return 0, err
	}
	if claims.UserID == 0 {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

func SignMediaToken(mediaID string, userID uint64, secret string, ttl time.Duration) (string, error) {
	claims := MediaClaims{
		MediaID:          mediaID,
		UserID:           userID,
		RegisteredClaims: registered(mediaID, audienceMedia, ttl),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseMediaToken checks that token grants access to mediaID.
func ParseMediaToken(token, mediaID, secret string) (*MediaClaims, error) {
	var claims MediaClaims
	if err := parse(token, secret, audienceMedia, &claims); err != nil {
		return nil, err
	}
	if claims.MediaID != mediaID {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func parse(token, secret, audience string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return errors.Wrap(ErrInvalidToken, err.Error())
	}
	return nil
}
