package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer    = "nbihak"
	defaultAccessTTL = 15 * time.Minute

	refreshTokenBytes = 32
	minHMACSecretLen  = 32
)

// Claims is the verified content of an access token.
type Claims struct {
	Roles     []string `json:"roles,omitempty"`
	SessionID string   `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// SigningKey is one entry of the codec keyring, addressed by its key id.
type SigningKey struct {
	ID        string
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// NewHS256Key builds a shared-secret key. Secrets shorter than 32 bytes are rejected.
func NewHS256Key(kid string, secret []byte) (SigningKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return SigningKey{}, errors.New("auth: key id is required")
	}
	if len(secret) < minHMACSecretLen {
		return SigningKey{}, fmt.Errorf("auth: hmac secret must be at least %d bytes", minHMACSecretLen)
	}
	return SigningKey{ID: kid, method: jwt.SigningMethodHS256, signKey: secret, verifyKey: secret}, nil
}

// NewRS256Key builds an RSA key from PEM encoded halves. privatePEM may be empty
// for verification-only keys.
func NewRS256Key(kid, privatePEM, publicPEM string) (SigningKey, error) {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return SigningKey{}, errors.New("auth: key id is required")
	}
	pub, err := parseRSAPublicKey(strings.TrimSpace(publicPEM))
	if err != nil {
		return SigningKey{}, fmt.Errorf("auth: parse public key: %w", err)
	}
	key := SigningKey{ID: kid, method: jwt.SigningMethodRS256, verifyKey: pub}
	if strings.TrimSpace(privatePEM) != "" {
		priv, err := parseRSAPrivateKey(strings.TrimSpace(privatePEM))
		if err != nil {
			return SigningKey{}, fmt.Errorf("auth: parse private key: %w", err)
		}
		if priv.PublicKey.N.Cmp(pub.N) != 0 || priv.PublicKey.E != pub.E {
			return SigningKey{}, errors.New("auth: private and public keys do not match")
		}
		key.signKey = priv
	}
	return key, nil
}

// CanSign reports whether the key holds private material.
func (k SigningKey) CanSign() bool { return k.signKey != nil }

// TokenCodec signs and verifies access tokens with a rotation-capable keyring
// and mints opaque refresh values.
type TokenCodec struct {
	active    SigningKey
	keys      map[string]SigningKey
	issuer    string
	accessTTL time.Duration
}

// CodecOption configures TokenCodec.
type CodecOption func(*TokenCodec) error

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *TokenCodec) error {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *TokenCodec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithVerificationKeys adds retired keys that still verify tokens issued before a rotation.
func WithVerificationKeys(keys ...SigningKey) CodecOption {
	return func(c *TokenCodec) error {
		for _, k := range keys {
			if _, dup := c.keys[k.ID]; dup {
				return fmt.Errorf("auth: duplicate key id %q", k.ID)
			}
			c.keys[k.ID] = k
		}
		return nil
	}
}

// NewTokenCodec constructs a codec signing with active.
func NewTokenCodec(active SigningKey, opts ...CodecOption) (*TokenCodec, error) {
	if !active.CanSign() {
		return nil, errors.New("auth: active key cannot sign")
	}
	c := &TokenCodec{
		active:    active,
		keys:      map[string]SigningKey{active.ID: active},
		issuer:    defaultIssuer,
		accessTTL: defaultAccessTTL,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *TokenCodec) AccessTTL() time.Duration { return c.accessTTL }

// KeyIDs lists every key id the codec accepts, sorted.
func (c *TokenCodec) KeyIDs() []string {
	out := make([]string, 0, len(c.keys))
	for id := range c.keys {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IssueAccessToken signs a token for userID expiring accessTTL after now.
// sessionID binds the token to the refresh chain that produced it.
func (c *TokenCodec) IssueAccessToken(userID string, roles []string, sessionID string, now time.Time) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	now = now.UTC().Truncate(time.Second)
	exp := now.Add(c.accessTTL)
	claims := Claims{
		Roles:     normalizeRoles(roles),
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(c.active.method, claims)
	token.Header["kid"] = c.active.ID
	signed, err := token.SignedString(c.active.signKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// VerifyAccessToken checks signature, issuer and expiry at now.
// It returns ErrTokenExpired when now >= exp and ErrTokenInvalid for anything else.
func (c *TokenCodec) VerifyAccessToken(raw string, now time.Time) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg(), jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(raw, claims, c.keyFunc); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrTokenInvalid
	}
	claims.Roles = normalizeRoles(claims.Roles)
	return claims, nil
}

func (c *TokenCodec) keyFunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	if t.Method.Alg() != key.method.Alg() {
		return nil, fmt.Errorf("algorithm %s does not match key %q", t.Method.Alg(), kid)
	}
	return key.verifyKey, nil
}

// GenerateRefreshTokenValue returns 256 bits of randomness, base64url encoded.
func GenerateRefreshTokenValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the storage key of a refresh value.
func HashRefreshToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM private key")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		if rsaKey, ok := key.(*rsa.PrivateKey); ok {
			return rsaKey, nil
		}
		return nil, errors.New("unsupported private key type")
	default:
		return nil, fmt.Errorf("unsupported private key type %s", block.Type)
	}
}

func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("invalid PEM public key")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported public key type %s", block.Type)
	}
}
