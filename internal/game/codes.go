package game

import (
	"errors"
	"math/rand"
	"regexp"
	"strings"
)

const (
	// CodeAlphabet leaves out characters that are easy to confuse.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// CodeLength is the length of generated session codes.
	CodeLength = 6
)

var customCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{4,12}$`)

// ErrInvalidCode is returned for custom codes outside the allowed format.
var ErrInvalidCode = errors.New("session code must be 4 to 12 letters or digits")

// GenerateCode returns a random session code.
func GenerateCode(rng *rand.Rand) string {
	code := make([]byte, CodeLength)
	for i := range code {
		code[i] = CodeAlphabet[rng.Intn(len(CodeAlphabet))]
	}
	return string(code)
}

// NormalizeCustomCode validates a host-supplied code and upper-cases it.
func NormalizeCustomCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if !customCodePattern.MatchString(code) {
		return "", ErrInvalidCode
	}
	return strings.ToUpper(code), nil
}

// NormalizeCode upper-cases a code typed by a player.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
