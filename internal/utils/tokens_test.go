package utils

import (
	"strings"
	"testing"
)

func TestNewLoginTokenIsURLSafeAndUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		tok, err := NewLoginToken(32)
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		if len(tok) != 43 {
			t.Fatalf("expected 43 chars for 32 bytes, got %d (%q)", len(tok), tok)
		}
		if !ValidLoginToken(tok) {
			t.Fatalf("generated token rejected: %q", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = struct{}{}
	}
}

func TestNewLoginTokenClampsSize(t *testing.T) {
	small, err := NewLoginToken(4)
	if err != nil {
		t.Fatalf("small: %v", err)
	}
	if len(small) != 22 {
		t.Fatalf("expected clamp to 16 bytes (22 chars), got %d", len(small))
	}
	big, err := NewLoginToken(1024)
	if err != nil {
		t.Fatalf("big: %v", err)
	}
	if len(big) != 64 {
		t.Fatalf("expected clamp to 48 bytes (64 chars), got %d", len(big))
	}
}

func TestValidLoginTokenRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "short", "has space in it and is long enough", strings.Repeat("a", 65), "abc/def+ghi=jklmnopqrstuvwxyz"} {
		if ValidLoginToken(s) {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestShortToken(t *testing.T) {
	if got := ShortToken("abcdefghij"); got != "abcdef…" {
		t.Fatalf("unexpected short token %q", got)
	}
	if got := ShortToken("abc"); got != "abc" {
		t.Fatalf("unexpected short token %q", got)
	}
}
