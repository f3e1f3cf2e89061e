// Package validation provides centralized input validation for enginedash.
package validation

import (
	"fmt"
	"math"
	"net/mail"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/xtxerr/enginedash/config"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identifier-like names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// SlugRules returns the rules for organization slugs and usernames.
func SlugRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// MetricTypeRules returns rules for metric type names such as "cpu.usage".
func MetricTypeRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateSlug validates an organization slug or username.
func ValidateSlug(s string) error {
	return ValidateName(s, SlugRules())
}

// ValidateMetricType validates a metric type name.
func ValidateMetricType(s string) error {
	return ValidateName(s, MetricTypeRules())
}

// =============================================================================
// Free Text
// =============================================================================

// ValidateText checks a human-entered string such as an agent name or a task
// title: trimmed length within [min, max] runes and no control characters
// other than newlines and tabs.
func ValidateText(s string, minLen, maxLen int) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("must be valid UTF-8")
	}
	n := utf8.RuneCountInString(strings.TrimSpace(s))
	if n < minLen {
		if minLen == 1 {
			return fmt.Errorf("must not be empty")
		}
		return fmt.Errorf("must be at least %d characters", minLen)
	}
	if maxLen > 0 && n > maxLen {
		return fmt.Errorf("must be at most %d characters", maxLen)
	}
	for i, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
	}
	return nil
}

// =============================================================================
// Accounts
// =============================================================================

// ValidateEmail validates a bare email address.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("invalid email address: %s", email)
	}
	return nil
}

// MinPasswordLength is the shortest accepted password.
const MinPasswordLength = 8

// ValidatePassword checks password length. bcrypt ignores input past 72 bytes.
func ValidatePassword(pw string) error {
	if len(pw) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(pw) > 72 {
		return fmt.Errorf("password must be at most 72 bytes")
	}
	return nil
}

// =============================================================================
// Identifiers
// =============================================================================

// ValidateID checks that id is a UUID.
func ValidateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid id %q", id)
	}
	return nil
}

// =============================================================================
// Pagination
// =============================================================================

// Page normalizes and validates list paging. Zero values select the
// defaults; out-of-range values are errors.
func Page(page, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = config.DefaultPageLimit
	}
	if page < 1 {
		return 0, 0, fmt.Errorf("page must be >= 1")
	}
	if limit < 1 || limit > config.MaxPageLimit {
		return 0, 0, fmt.Errorf("limit must be between 1 and %d", config.MaxPageLimit)
	}
	return page, limit, nil
}

// TotalPages returns ceil(total/limit).
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

// =============================================================================
// Metric Values
// =============================================================================

// ValidateMetricValue rejects NaN and infinities.
func ValidateMetricValue(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("value must be a finite number")
	}
	return nil
}

// MaxTags is the largest accepted tag map.
const MaxTags = 32

// ValidateTags checks tag keys and value lengths.
func ValidateTags(tags map[string]string) error {
	if len(tags) > MaxTags {
		return fmt.Errorf("at most %d tags allowed", MaxTags)
	}
	for k, v := range tags {
		if err := ValidateName(k, MetricTypeRules()); err != nil {
			return fmt.Errorf("tag key %q: %w", k, err)
		}
		if len(v) > 255 {
			return fmt.Errorf("tag %q value too long", k)
		}
	}
	return nil
}

// =============================================================================
// LIKE Patterns
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\[\]\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern.
// Queries using the result must declare ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

// SafeLikeContains creates a safe LIKE contains pattern.
func SafeLikeContains(pattern string) string {
	return "%" + EscapeLikePattern(pattern) + "%"
}
