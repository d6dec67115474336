package content

import (
	"strings"
	"testing"
)

func TestNormalizeHandle(t *testing.T) {
	cases := map[string]string{
		"alice":    "@alice",
		"@alice":   "@alice",
		" Alice ":  "@alice",
		"@BOB_99":  "@bob_99",
		"":         "",
	}
	for input, want := range cases {
		if got := NormalizeHandle(input); got != want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestValidateHandle(t *testing.T) {
	valid := []string{"@alice", "@bob_99", "@abc"}
	for _, h := range valid {
		if err := ValidateHandle(h); err != nil {
			t.Errorf("ValidateHandle(%q) unexpectedly failed: %v", h, err)
		}
	}

	invalid := []string{"", "alice", "@ab", "@" + strings.Repeat("a", 21), "@has space", "@UPPER"}
	for _, h := range invalid {
		if err := ValidateHandle(h); err == nil {
			t.Errorf("ValidateHandle(%q) unexpectedly passed", h)
		}
	}
}

func TestSanitize(t *testing.T) {
	if got := Sanitize(`<script>alert(1)</script>bob`); strings.Contains(got, "script") {
		t.Errorf("script tag survived sanitization: %q", got)
	}
}

func TestRenderMessage(t *testing.T) {
	got := RenderMessage("hello *world*")
	if !strings.Contains(got, "<em>world</em>") {
		t.Errorf("expected rendered emphasis, got %q", got)
	}

	got = RenderMessage(`<script>alert(1)</script>`)
	if strings.Contains(got, "<script>") {
		t.Errorf("script tag survived rendering: %q", got)
	}
}
