package common

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexicographically sortable id. Ids created by one process
// are strictly increasing, which keeps message cursors stable within a millisecond.
func NewULID() (string, error) {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{24}$`)

// NewSessionID returns a 24 char lowercase hex id: 4 bytes of unix seconds
// followed by 8 random bytes.
func NewSessionID() (string, error) {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))
	if _, err := rand.Read(b[4:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// IsSessionID reports whether id is a server-assigned session id.
// Client placeholders such as "temp-123" are rejected.
func IsSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}
