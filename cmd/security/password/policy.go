package password

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// commonPasswords are refused outright when RejectVeryWeak is set.
var commonPasswords = map[string]struct{}{
	"password":    {},
	"password123": {},
	"1234567890":  {},
	"123456789":   {},
	"qwertyuiop":  {},
	"qwerty123":   {},
	"11111111":    {},
	"dentist123":  {},
	"clinic1234":  {},
	"welcome123":  {},
}

// Validate checks password against the policy. Length is counted in runes.
func (c Config) Validate(password string) error {
	n := utf8.RuneCountInString(password)
	if n < c.Policy.MinLength {
		return ErrPasswordTooShort
	}
	if n > c.Policy.MaxLength {
		return ErrPasswordTooLong
	}
	if c.Policy.RejectVeryWeak && veryWeak(password) {
		return ErrWeakPassword
	}
	return nil
}

func veryWeak(pw string) bool {
	s := strings.TrimSpace(pw)
	if s == "" {
		return true
	}
	if _, ok := commonPasswords[strings.ToLower(s)]; ok {
		return true
	}

	first, _ := utf8.DecodeRuneInString(s)
	repeated := strings.IndexFunc(s, func(r rune) bool { return r != first }) < 0
	if repeated {
		return true
	}

	digitsOnly := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) < 0
	return digitsOnly && utf8.RuneCountInString(s) < 12
}
