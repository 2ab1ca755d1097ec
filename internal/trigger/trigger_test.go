package trigger

import (
	"strings"
	"testing"
)

func TestNew_DefaultPattern(t *testing.T) {
	tr, err := New("Andy", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := map[string]bool{
		"@Andy hello":    true,
		"@andy hello":    true,
		"  @Andy":        true,
		"@Andyman hello": false,
		"hello @Andy":    false,
		"":               false,
	}
	for text, want := range cases {
		if got := tr.Matches(text); got != want {
			t.Errorf("Matches(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := New("Andy", "(["); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestNew_QuotesName(t *testing.T) {
	tr, err := New("A.I", "")
	if err != nil {
		t.Fatal(err)
	}
	if tr.Matches("@AxI hi") {
		t.Error("dot in name must be literal")
	}
	if !tr.Matches("@A.I hi") {
		t.Error("expected match on literal name")
	}
}

func TestRewrite_ExactlyOnce(t *testing.T) {
	tr, _ := New("Andy", "")

	got := tr.Rewrite("@andy_bot what's up")
	if got != "@Andy @andy_bot what's up" {
		t.Errorf("unexpected rewrite: %q", got)
	}

	again := tr.Rewrite(got)
	if again != got {
		t.Errorf("rewrite must be idempotent, got %q", again)
	}
	if strings.Count(again, tr.Token()) != 1 {
		t.Errorf("token should appear once in %q", again)
	}
}

func TestCustomPattern(t *testing.T) {
	tr, err := New("Andy", `(?i)^(hey )?andy\b`)
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Matches("hey Andy, ping") {
		t.Error("custom pattern should match")
	}
	if tr.Token() != "@Andy " {
		t.Errorf("unexpected token %q", tr.Token())
	}
}
