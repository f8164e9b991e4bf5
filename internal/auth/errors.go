package auth

import "errors"

var (
	// ErrValidation marks malformed caller input; the message after the colon names the field.
	ErrValidation = errors.New("auth: validation failed")
	// ErrInvalidCredentials covers both unknown usernames and wrong passwords.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrInvalidSession     = errors.New("auth: invalid session")
	// ErrSessionCompromised is returned after a consumed refresh token was presented again.
	// The whole chain has been revoked by the time callers see it.
	ErrSessionCompromised = errors.New("auth: session compromised")
	ErrConcurrentRotation = errors.New("auth: concurrent rotation")
	ErrDuplicateIdentity  = errors.New("auth: duplicate identity")
	ErrStorageUnavailable = errors.New("auth: storage unavailable")

	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")

	ErrNotFound = errors.New("auth: not found")
	// ErrTokenCollision is raised by stores when a generated refresh value already exists.
	ErrTokenCollision = errors.New("auth: refresh token collision")
)

// IsTransient reports whether err is an infrastructure fault that is safe to retry with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
