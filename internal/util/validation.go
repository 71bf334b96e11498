package util

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

var (
	// ErrInvalidUUID is returned when a value is not a UUID v4.
	ErrInvalidUUID = errors.New("invalid uuid v4")
	// ErrInvalidEmail is returned when an email address cannot be parsed.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidPhone is returned when a phone number is not E.164 compliant.
	ErrInvalidPhone = errors.New("invalid e164 phone number")
	// ErrInvalidURL indicates that a URL failed validation.
	ErrInvalidURL = errors.New("invalid url")
	// ErrUnsupportedScheme is returned for local or inline URL schemes.
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
)

var (
	e164Pattern      = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	phoneSeparators  = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	jidServerPattern = regexp.MustCompile(`@[a-z.]+$`)
)

// ParseUUIDv4 parses and validates a UUID string, ensuring it is version 4.
func ParseUUIDv4(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.UUID{}, fmt.Errorf("%w: value is empty", ErrInvalidUUID)
	}

	id, err := uuid.Parse(trimmed)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %v", ErrInvalidUUID, err)
	}

	if id.Version() != 4 {
		return uuid.UUID{}, fmt.Errorf("%w: expected version 4", ErrInvalidUUID)
	}

	return id, nil
}

// NormalizeEmail validates and lowercases a bare email address.
func NormalizeEmail(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidEmail)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	if addr.Name != "" {
		return "", fmt.Errorf("%w: must not include display name", ErrInvalidEmail)
	}

	return strings.ToLower(addr.Address), nil
}

// NormalizeEmails validates each address and enforces count bounds.
func NormalizeEmails(values []string, min, max int) ([]string, error) {
	count := len(values)
	if min > 0 && count < min {
		return nil, fmt.Errorf("expected at least %d email(s); got %d", min, count)
	}
	if max > 0 && count > max {
		return nil, fmt.Errorf("expected at most %d email(s); got %d", max, count)
	}

	result := make([]string, 0, count)
	for idx, value := range values {
		normalized, err := NormalizeEmail(value)
		if err != nil {
			return nil, fmt.Errorf("email[%d]: %w", idx, err)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// NormalizePhone accepts a phone number with or without the leading '+',
// optional separators, or a chat address such as "5491122@s.whatsapp.net",
// and returns its E.164 form.
func NormalizePhone(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidPhone)
	}

	trimmed = jidServerPattern.ReplaceAllString(trimmed, "")
	trimmed = phoneSeparators.Replace(trimmed)
	if !strings.HasPrefix(trimmed, "+") {
		trimmed = "+" + trimmed
	}

	if !e164Pattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, value)
	}

	return trimmed, nil
}

// ValidateMetadata enforces constraints on metadata maps and returns a copy
// containing trimmed keys and values.
func ValidateMetadata(meta map[string]string, maxEntries, maxKeyLen, maxValueLen int) (map[string]string, error) {
	if len(meta) == 0 {
		return nil, nil
	}

	if maxEntries > 0 && len(meta) > maxEntries {
		return nil, fmt.Errorf("metadata entries exceeded: got %d, max %d", len(meta), maxEntries)
	}

	out := make(map[string]string, len(meta))
	for rawKey, rawValue := range meta {
		key := strings.TrimSpace(rawKey)
		value := strings.TrimSpace(rawValue)

		if key == "" {
			return nil, errors.New("metadata key cannot be empty")
		}

		if maxKeyLen > 0 && utf8.RuneCountInString(key) > maxKeyLen {
			return nil, fmt.Errorf("metadata key %q exceeds max length %d", key, maxKeyLen)
		}

		if maxValueLen > 0 && utf8.RuneCountInString(value) > maxValueLen {
			return nil, fmt.Errorf("metadata value for %q exceeds max length %d", key, maxValueLen)
		}

		out[key] = value
	}

	return out, nil
}

// EnsureMaxBytes checks that a byte slice does not exceed the specified size.
func EnsureMaxBytes(field string, b []byte, max int) error {
	if max <= 0 {
		return nil
	}
	if len(b) > max {
		return fmt.Errorf("%s exceeds maximum size of %d bytes", field, max)
	}
	return nil
}

// EnsureMaxRunes ensures a string is not longer than the provided rune count.
func EnsureMaxRunes(field, value string, max int) error {
	if max <= 0 {
		return nil
	}
	length := utf8.RuneCountInString(value)
	if length > max {
		return fmt.Errorf("%s exceeds maximum length of %d characters", field, max)
	}
	return nil
}

// ValidateMediaURL ensures the value is a public HTTP or HTTPS URL. Local and
// inline schemes (file:, data:) are rejected with ErrUnsupportedScheme.
func ValidateMediaURL(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidURL)
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "file", "data":
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", ErrInvalidURL)
	}

	return trimmed, nil
}
