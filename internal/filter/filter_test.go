package filter

import (
	"strings"
	"testing"
)

func TestValidateAllowsNormalContent(t *testing.T) {
	f := New()
	res := f.Validate("Alice started following you", ContentBody)
	if !res.Allowed {
		t.Errorf("expected allowed, got reasons %v", res.Reasons)
	}
}

func TestValidateBlocksProhibitedTerms(t *testing.T) {
	f := New()
	res := f.Validate("This content contains violence and harassment", ContentBody)
	if res.Allowed {
		t.Fatal("expected content to be blocked")
	}
	if len(res.Reasons) != 2 {
		t.Errorf("expected 2 reasons, got %v", res.Reasons)
	}
}

func TestValidateCaseInsensitive(t *testing.T) {
	f := New()
	res := f.Validate("VIOLENCE in caps", ContentBody)
	if res.Allowed {
		t.Error("expected blocked regardless of case")
	}
}

func TestValidateMalformedInputFailsClosed(t *testing.T) {
	f := New()

	tests := []struct {
		name        string
		content     string
		contentType ContentType
	}{
		{"unknown content type", "hello", ContentType("attachment")},
		{"invalid utf8", string([]byte{0xff, 0xfe, 0xfd}), ContentBody},
		{"oversized body", strings.Repeat("a", 5001), ContentBody},
		{"oversized title", strings.Repeat("a", 201), ContentTitle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Validate(tt.content, tt.contentType)
			if res.Allowed {
				t.Error("expected not allowed")
			}
			if len(res.Reasons) == 0 {
				t.Error("expected at least one reason")
			}
		})
	}
}

func TestNewWithRules(t *testing.T) {
	f := NewWithRules([]string{"spoilers"})
	if res := f.Validate("no spoilers here", ContentBody); res.Allowed {
		t.Error("custom term should block")
	}
	if res := f.Validate("violence", ContentBody); !res.Allowed {
		t.Error("default terms should not apply with custom rules")
	}
}
