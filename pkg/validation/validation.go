package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/pion/ice/v2"
)

var (
	// FormatRegex validates container/image format names used as file extensions
	FormatRegex = regexp.MustCompile(`^[a-z0-9]+$`)

	// NicknameRegex validates room nicknames
	NicknameRegex = regexp.MustCompile(`^[\p{L}\p{N} _.-]+$`)
)

// ValidateEntityID validates an entity identifier. Owned entities carry
// UUIDs but mirrors keep whatever id the front-end chose.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("entity ID is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("entity ID must be at most 128 bytes")
	}
	if strings.ContainsAny(id, "/\\ \t\r\n") {
		return fmt.Errorf("invalid entity ID format: %q", id)
	}
	return nil
}

// ValidateNonNegative validates that a numeric value is not negative
func ValidateNonNegative(n int64) error {
	if n < 0 {
		return fmt.Errorf("must be non-negative, got %d", n)
	}
	return nil
}

// ValidateURL validates URL format against a set of permitted schemes
func ValidateURL(urlStr string, schemes ...string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if len(schemes) > 0 {
		allowed := false
		for _, s := range schemes {
			if u.Scheme == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("invalid URL scheme %q (must be one of %s)", u.Scheme, strings.Join(schemes, ", "))
		}
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEServerURL validates a STUN or TURN server URL
func ValidateICEServerURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("ICE server URL is required")
	}
	if _, err := ice.ParseURL(raw); err != nil {
		return fmt.Errorf("invalid ICE server URL %q: %w", raw, err)
	}
	return nil
}

// ValidateFormat validates a media format name (e.g. webm, png)
func ValidateFormat(format string) error {
	if format == "" {
		return fmt.Errorf("format is required")
	}
	if len(format) > 16 {
		return fmt.Errorf("format is too long (max 16 characters)")
	}
	if !FormatRegex.MatchString(format) {
		return fmt.Errorf("invalid format %q (lowercase letters and digits only)", format)
	}
	return nil
}

// ValidateFilename validates a bare filename used for saving payloads
func ValidateFilename(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("filename is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("filename is too long (max 255 characters)")
	}
	if name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("filename must not contain path separators")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("filename contains invalid characters")
	}
	return nil
}

// ValidateNickname validates a room nickname
func ValidateNickname(nickname string) error {
	if err := ValidateStringLength(nickname, 1, 64, "nickname"); err != nil {
		return err
	}
	if !NicknameRegex.MatchString(nickname) {
		return fmt.Errorf("nickname contains invalid characters")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
