// Package redaction masks sender phone numbers, emails and connector secrets
// before they reach log output.
package redaction

import (
	"regexp"
	"strings"
)

// Config holds redaction configuration.
type Config struct {
	// Enabled controls whether redaction is active.
	Enabled bool `json:"enabled"`

	// RedactPhoneNumbers masks peer addresses, keeping the trailing KeepDigits.
	RedactPhoneNumbers bool `json:"redact_phone_numbers"`

	// KeepDigits is how many trailing digits of a phone number stay visible.
	KeepDigits int `json:"keep_digits"`

	// RedactSecrets replaces tokens and keys found in key=value or bearer form.
	RedactSecrets bool `json:"redact_secrets"`

	// RedactEmails masks the local part of email addresses.
	RedactEmails bool `json:"redact_emails"`

	// CustomPatterns allows additional regex patterns to redact.
	CustomPatterns []string `json:"custom_patterns"`

	// Replacement is the string used to replace sensitive data.
	Replacement string `json:"replacement"`
}

// DefaultConfig returns the default redaction configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		RedactPhoneNumbers: true,
		KeepDigits:         3,
		RedactSecrets:      true,
		RedactEmails:       true,
		Replacement:        "[REDACTED]",
	}
}

var (
	phonePattern  = regexp.MustCompile(`\+?\d[\d\- ]{6,}\d`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	secretPattern = regexp.MustCompile(`(?i)(token|secret|api[_-]?key|password)\s*[=:]\s*['"]?([^'"\s,}]{4,})['"]?`)
	bearerPattern = regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9_\-\.]{8,})`)
)

// Redactor provides sensitive data redaction capabilities. It is immutable
// after NewRedactor and safe for concurrent use.
type Redactor struct {
	config Config
	custom []*regexp.Regexp
}

// NewRedactor creates a new Redactor with the given configuration.
// Custom patterns that fail to compile are skipped.
func NewRedactor(config Config) *Redactor {
	if config.Replacement == "" {
		config.Replacement = "[REDACTED]"
	}
	r := &Redactor{config: config}
	for _, pattern := range config.CustomPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			r.custom = append(r.custom, re)
		}
	}
	return r
}

// Redact applies all configured redaction rules to the input string.
func (r *Redactor) Redact(input string) string {
	if !r.config.Enabled || input == "" {
		return input
	}

	result := input
	if r.config.RedactSecrets {
		result = bearerPattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := bearerPattern.FindStringSubmatch(match)
			return strings.Replace(match, sub[1], r.config.Replacement, 1)
		})
		result = secretPattern.ReplaceAllStringFunc(result, func(match string) string {
			sub := secretPattern.FindStringSubmatch(match)
			return strings.Replace(match, sub[2], r.config.Replacement, 1)
		})
	}
	if r.config.RedactEmails {
		result = emailPattern.ReplaceAllStringFunc(result, maskEmail)
	}
	if r.config.RedactPhoneNumbers {
		result = phonePattern.ReplaceAllStringFunc(result, func(match string) string {
			return MaskPhone(match, r.config.KeepDigits)
		})
	}
	for _, re := range r.custom {
		result = re.ReplaceAllString(result, r.config.Replacement)
	}
	return result
}

// MaskPhone replaces every digit of number except the last keep with '*'.
// A leading '+' is preserved.
func MaskPhone(number string, keep int) string {
	digits := 0
	for _, c := range number {
		if c >= '0' && c <= '9' {
			digits++
		}
	}

	var b strings.Builder
	b.Grow(len(number))
	seen := 0
	for _, c := range number {
		switch {
		case c >= '0' && c <= '9':
			seen++
			if seen > digits-keep {
				b.WriteRune(c)
			} else {
				b.WriteByte('*')
			}
		case c == '+':
			b.WriteRune(c)
		}
	}
	return b.String()
}

func maskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return email
	}
	return email[:1] + "***" + email[at:]
}

// RedactFields redacts sensitive values in a map. Keys that name a sensitive
// value are replaced outright.
func (r *Redactor) RedactFields(fields map[string]any) map[string]any {
	if !r.config.Enabled {
		return fields
	}

	result := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSensitiveKey(strings.ToLower(k)) {
			result[k] = r.config.Replacement
			continue
		}
		switch val := v.(type) {
		case string:
			result[k] = r.Redact(val)
		case map[string]any:
			result[k] = r.RedactFields(val)
		default:
			result[k] = v
		}
	}
	return result
}

func isSensitiveKey(key string) bool {
	for _, sk := range []string{"password", "secret", "token", "api_key", "credential"} {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

var globalRedactor = NewRedactor(DefaultConfig())

// Redact applies redaction using the global redactor.
func Redact(input string) string {
	return globalRedactor.Redact(input)
}

// RedactFields redacts fields using the global redactor.
func RedactFields(fields map[string]any) map[string]any {
	return globalRedactor.RedactFields(fields)
}
