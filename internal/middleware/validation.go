package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidateThreadID validates a conversation or group ID.
func ValidateThreadID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid thread ID format")
	}
	return nil
}

// ValidateAccountID validates an account ID.
func ValidateAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("account ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("account ID exceeds maximum length")
	}
	return nil
}

// ValidateAccountIDs validates a list of account IDs.
func ValidateAccountIDs(ids []string, max int) error {
	if len(ids) > max {
		return errors.New("too many account IDs")
	}
	for _, id := range ids {
		if err := ValidateAccountID(id); err != nil {
			return err
		}
	}
	return nil
}

// ValidateText validates free text such as a topic, context or reason.
func ValidateText(field, text string, max int) error {
	if len(text) > max {
		return errors.New(field + " exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New(field + " must be valid UTF-8")
	}
	return nil
}
