package content

import (
	"bytes"
	"errors"
	"html/template"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

var (
	policy      = bluemonday.UGCPolicy()
	handleRegex = regexp.MustCompile(`^@[a-z0-9_]{3,20}$`)
	markdown    = goldmark.New()
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for user-supplied text like display names and bios.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// NormalizeHandle lowercases a handle and ensures the leading @.
func NormalizeHandle(handle string) string {
	handle = strings.ToLower(strings.TrimSpace(handle))
	if handle != "" && !strings.HasPrefix(handle, "@") {
		handle = "@" + handle
	}
	return handle
}

// ValidateHandle checks that a normalized handle is @ followed by 3-20
// lowercase alphanumeric or underscore characters.
func ValidateHandle(handle string) error {
	if handle == "" {
		return errors.New("handle cannot be empty")
	}
	if !handleRegex.MatchString(handle) {
		return errors.New("handle must be @ followed by 3-20 characters (lowercase alphanumeric, underscore)")
	}
	return nil
}

// RenderMessage renders a plaintext message body as sanitized HTML. Message
// bodies support markdown; anything the policy rejects is stripped. If
// rendering fails the body is returned escaped instead.
func RenderMessage(body string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return template.HTMLEscapeString(body)
	}
	return policy.Sanitize(buf.String())
}
