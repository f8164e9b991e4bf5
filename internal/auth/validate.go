package auth

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	maxEmailLen    = 254
	minPasswordLen = 8
	maxPasswordLen = 128
)

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func validateRegistration(in RegisterInput) (username, email string, err error) {
	username = normalizeUsername(in.Username)
	if n := utf8.RuneCountInString(username); n < minUsernameLen || n > maxUsernameLen {
		return "", "", fmt.Errorf("%w: username must be %d-%d characters", ErrValidation, minUsernameLen, maxUsernameLen)
	}
	for _, r := range username {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-') {
			return "", "", fmt.Errorf("%w: username may only contain a-z, 0-9, '.', '_' and '-'", ErrValidation)
		}
	}

	email = strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || len(email) > maxEmailLen {
		return "", "", fmt.Errorf("%w: email is required", ErrValidation)
	}
	addr, perr := mail.ParseAddress(email)
	if perr != nil || addr.Address != email {
		return "", "", fmt.Errorf("%w: email is malformed", ErrValidation)
	}

	if err := validatePassword(in.Password); err != nil {
		return "", "", err
	}
	return username, email, nil
}

func validatePassword(password string) error {
	n := utf8.RuneCountInString(password)
	if n < minPasswordLen || n > maxPasswordLen {
		return fmt.Errorf("%w: password must be %d-%d characters", ErrValidation, minPasswordLen, maxPasswordLen)
	}
	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return fmt.Errorf("%w: password must contain a letter and a digit", ErrValidation)
	}
	return nil
}
