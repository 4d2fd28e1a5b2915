// Package security screens free text that reaches storage and reminder
// messages.
package security

import (
	"errors"
	"unicode"
	"unicode/utf8"
)

var (
	ErrInputTooLarge     = errors.New("input exceeds maximum size")
	ErrNullByteDetected  = errors.New("null byte detected in input")
	ErrControlCharacter  = errors.New("control character in input")
	ErrInvalidEncoding   = errors.New("input is not valid UTF-8")
	ErrRepetitiveContent = errors.New("excessive repetition detected")
)

// InputValidator rejects text that should never end up in a reminder
type InputValidator struct {
	MaxSize       int
	MaxRepetition int
	AllowNewlines bool
}

// NewInputValidator returns the limits used for short labels such as a
// medication name
func NewInputValidator() *InputValidator {
	return &InputValidator{
		MaxSize:       200,
		MaxRepetition: 50,
	}
}

// NewNotesValidator returns the limits used for longer notes
func NewNotesValidator() *InputValidator {
	return &InputValidator{
		MaxSize:       4 * 1024,
		MaxRepetition: 100,
		AllowNewlines: true,
	}
}

func (v *InputValidator) Validate(input string) error {
	if v.MaxSize > 0 && len(input) > v.MaxSize {
		return ErrInputTooLarge
	}
	if !utf8.ValidString(input) {
		return ErrInvalidEncoding
	}

	for _, r := range input {
		if r == 0 {
			return ErrNullByteDetected
		}
		if r == '\n' || r == '\t' || r == '\r' {
			if !v.AllowNewlines && r != '\t' {
				return ErrControlCharacter
			}
			continue
		}
		if unicode.IsControl(r) {
			return ErrControlCharacter
		}
	}

	if v.MaxRepetition > 0 && hasExcessiveRepetition(input, v.MaxRepetition) {
		return ErrRepetitiveContent
	}
	return nil
}

func hasExcessiveRepetition(input string, maxLen int) bool {
	if len(input) <= maxLen {
		return false
	}

	runes := []rune(input)
	consecutiveCount := 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			consecutiveCount++
			if consecutiveCount > maxLen {
				return true
			}
		} else {
			consecutiveCount = 1
		}
	}
	return false
}

// ValidateLabel checks a short single line value
func ValidateLabel(input string) error {
	return NewInputValidator().Validate(input)
}

// ValidateNotes checks a multi line free text value
func ValidateNotes(input string) error {
	return NewNotesValidator().Validate(input)
}
