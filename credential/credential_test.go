package credential

import (
	"strings"
	"testing"
)

func assertFromAlphabet(t *testing.T, s, alphabet string) {
	t.Helper()
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			t.Fatalf("character %q of %q is not in the alphabet", r, s)
		}
	}
}

func TestGenerateClientID(t *testing.T) {
	id, err := GenerateClientID()
	if err != nil {
		t.Fatalf("GenerateClientID() error = %v", err)
	}
	if len(id) != ClientIDLength {
		t.Errorf("len = %d, want %d", len(id), ClientIDLength)
	}
	assertFromAlphabet(t, id, ClientIDAlphabet)
}

func TestGenerateClientSecret(t *testing.T) {
	secret, err := GenerateClientSecret()
	if err != nil {
		t.Fatalf("GenerateClientSecret() error = %v", err)
	}
	if len(secret) != ClientSecretLength {
		t.Errorf("len = %d, want %d", len(secret), ClientSecretLength)
	}
	assertFromAlphabet(t, secret, ClientSecretAlphabet)
}

func TestGenerate_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for range 200 {
		id, err := GenerateClientID()
		if err != nil {
			t.Fatalf("GenerateClientID() error = %v", err)
		}
		tok := GenerateToken()
		if seen[id] || seen[tok] {
			t.Fatal("duplicate credential generated")
		}
		seen[id], seen[tok] = true, true
	}
}

func TestGenerateToken_URLSafe(t *testing.T) {
	tok := GenerateToken()
	if len(tok) < 43 {
		t.Errorf("token too short: %d", len(tok))
	}
	assertFromAlphabet(t, tok, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_")
}

func TestRandomString_Errors(t *testing.T) {
	if _, err := RandomString("", 4); err == nil {
		t.Error("empty alphabet should fail")
	}
	if _, err := RandomString("ab", -1); err == nil {
		t.Error("negative length should fail")
	}
	if s, err := RandomString("ab", 0); err != nil || s != "" {
		t.Errorf("RandomString(ab, 0) = %q, %v", s, err)
	}
}
