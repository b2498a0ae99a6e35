package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJWTRoundTrip(t *testing.T) {
	tok, err := SignJWT(42, "s3cret", time.Hour)
	require.NoError(t, err)

	uid, err := ParseJWT(tok, "s3cret")
	require.NoError(t, err)
	require.EqualValues(t, 42, uid)

	_, err = ParseJWT(tok, "other")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTExpired(t *testing.T) {
	tok, err := SignJWT(1, "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(tok, "s3cret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestMediaTokenIsScoped(t *testing.T) {
	tok, err := SignMediaToken("MEDIA1", 7, "s3cret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseMediaToken(tok, "MEDIA1", "s3cret")
	require.NoError(t, err)
	require.EqualValues(t, 7, claims.UserID)

	_, err = ParseMediaToken(tok, "MEDIA2", "s3cret")
	require.ErrorIs(t, err, ErrInvalidToken)

	// media tokens are not API tokens and the other way round
	_, err = ParseJWT(tok, "s3cret")
	require.ErrorIs(t, err, ErrInvalidToken)
	apiTok, err := SignJWT(7, "s3cret", time.Minute)
	require.NoError(t, err)
	_, err = ParseMediaToken(apiTok, "MEDIA1", "s3cret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPassword(t *testing.T) {
	h, err := HashPassword("hunter22")
	require.NoError(t, err)
	require.True(t, CheckPassword(h, "hunter22"))
	require.False(t, CheckPassword(h, "hunter23"))
}
