package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// PasswordHasher derives salted one-way digests. Verify never errors:
// a mismatch is an expected outcome.
type PasswordHasher interface {
	Hash(password string) (digest string, salt []byte, err error)
	Verify(password, digest string, salt []byte) bool
}

// Argon2Params is the argon2id work factor.
type Argon2Params struct {
	Time      uint32
	MemoryKiB uint32
	Threads   uint8
	KeyLen    uint32
	SaltLen   int
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
var DefaultArgon2Params = Argon2Params{
	Time:      3,
	MemoryKiB: 64 * 1024,
	Threads:   2,
	KeyLen:    32,
	SaltLen:   16,
}

const maxArgon2MemoryKiB = 1 << 20

// Argon2idHasher stores the work factor inside the digest
// ($argon2id$v=19$m=...,t=...,p=...$<key>) and keeps the salt in its own column.
type Argon2idHasher struct {
	params Argon2Params
}

var _ PasswordHasher = (*Argon2idHasher)(nil)

// NewArgon2idHasher fills zero fields of p from DefaultArgon2Params.
func NewArgon2idHasher(p Argon2Params) *Argon2idHasher {
	if p.Time == 0 {
		p.Time = DefaultArgon2Params.Time
	}
	if p.MemoryKiB == 0 {
		p.MemoryKiB = DefaultArgon2Params.MemoryKiB
	}
	if p.Threads == 0 {
		p.Threads = DefaultArgon2Params.Threads
	}
	if p.KeyLen == 0 {
		p.KeyLen = DefaultArgon2Params.KeyLen
	}
	if p.SaltLen <= 0 {
		p.SaltLen = DefaultArgon2Params.SaltLen
	}
	return &Argon2idHasher{params: p}
}

func (h *Argon2idHasher) Hash(password string) (string, []byte, error) {
	if password == "" {
		return "", nil, fmt.Errorf("%w: password is empty", ErrValidation)
	}
	salt := make([]byte, h.params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, fmt.Errorf("auth: read salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, h.params.Time, h.params.MemoryKiB, h.params.Threads, h.params.KeyLen)
	return encodeDigest(h.params, key), salt, nil
}

func (h *Argon2idHasher) Verify(password, digest string, salt []byte) bool {
	if digest == "" || len(salt) == 0 {
		return false
	}
	p, key, err := decodeDigest(digest)
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, uint32(len(key)))
	return subtle.ConstantTimeCompare(got, key) == 1
}

// NeedsRehash reports whether digest was produced under a different work factor.
func (h *Argon2idHasher) NeedsRehash(digest string) bool {
	p, key, err := decodeDigest(digest)
	if err != nil {
		return true
	}
	return p.Time != h.params.Time || p.MemoryKiB != h.params.MemoryKiB ||
		p.Threads != h.params.Threads || uint32(len(key)) != h.params.KeyLen
}

func encodeDigest(p Argon2Params, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, p.MemoryKiB, p.Time, p.Threads, base64.RawStdEncoding.EncodeToString(key))
}

var errBadDigest = errors.New("auth: malformed password digest")

func decodeDigest(digest string) (Argon2Params, []byte, error) {
	parts := strings.Split(digest, "$")
	if len(parts) != 5 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2Params{}, nil, errBadDigest
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2Params{}, nil, errBadDigest
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Threads); err != nil {
		return Argon2Params{}, nil, errBadDigest
	}
	if p.Time < 1 || p.Threads < 1 || p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxArgon2MemoryKiB {
		return Argon2Params{}, nil, errBadDigest
	}
	key, err := base64.RawStdEncoding.Strict().DecodeString(parts[4])
	if err != nil || len(key) == 0 {
		return Argon2Params{}, nil, errBadDigest
	}
	return p, key, nil
}
