package security

import (
	"errors"
	"regexp"
	"strings"
	"testing"
)

func TestTokenManager_Generate(t *testing.T) {
	tm := NewTokenManager("secret")

	token, err := tm.Generate()
	if err != nil {
		t.Fatalf("Generate() error = %v, want nil", err)
	}

	pattern := regexp.MustCompile(`^[a-f0-9]{64}\.[a-f0-9]{64}$`)
	if !pattern.MatchString(token) {
		t.Errorf("token = %s, want <nonce>.<mac> hex pair", token)
	}
	if err := tm.Verify(token); err != nil {
		t.Errorf("Verify() error = %v, want nil", err)
	}
}

func TestTokenManager_Generate_Uniqueness(t *testing.T) {
	tm := NewTokenManager("secret")
	tokens := make(map[string]bool)

	for i := 0; i < 100; i++ {
		token, err := tm.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v, want nil", err)
		}
		if tokens[token] {
			t.Fatalf("Generate() produced duplicate token on iteration %d", i)
		}
		tokens[token] = true
	}
}

func TestTokenManager_Verify(t *testing.T) {
	tm := NewTokenManager("secret")
	valid, err := tm.Generate()
	if err != nil {
		t.Fatal(err)
	}
	nonce, _, _ := strings.Cut(valid, ".")

	foreign, err := NewTokenManager("other-secret").Generate()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"no_separator", nonce},
		{"short_nonce", "abc." + tm.sign("abc")},
		{"tampered_mac", nonce + "." + strings.Repeat("0", 64)},
		{"signed_with_other_secret", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tm.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify(%q) = %v, want ErrInvalidToken", tt.token, err)
			}
		})
	}
}
