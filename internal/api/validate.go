package api

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Request field limits. Identifier fields hold token subjects and user ids;
// name and reason fields are free text shown in dashboards and audit views.
const (
	maxUserIDLen      = 128
	maxNameLen        = 200
	maxReasonLen      = 200
	maxChannelNameLen = 40
)

// Validators return a human-readable problem for the field, or "" when the
// value passes. Handlers send the first problem back as a 400.

func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return fmt.Sprintf("%s exceeds %d characters", field, maxLen)
	}
	return ""
}

func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

func validateIntRange(field string, value, min, max int) string {
	if value < min || value > max {
		return fmt.Sprintf("%s must be between %d and %d", field, min, max)
	}
	return ""
}

// validateFutureTime rejects timestamps at or before now. A nil value means
// the field was omitted, which is fine.
func validateFutureTime(field string, value *time.Time, now time.Time) string {
	if value == nil || value.After(now) {
		return ""
	}
	return field + " must be in the future"
}

// validateNoControlChars rejects values carrying control characters. Tab,
// newline, and carriage return pass; everything else unicode.IsControl
// matches (including DEL and the C1 range) is refused, since these fields
// end up in audit views.
func validateNoControlChars(field, value string) string {
	bad := strings.IndexFunc(value, func(r rune) bool {
		switch r {
		case '\n', '\r', '\t':
			return false
		}
		return unicode.IsControl(r)
	})
	if bad >= 0 {
		return field + " contains invalid characters"
	}
	return ""
}
