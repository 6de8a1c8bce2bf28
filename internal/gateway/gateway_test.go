package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHashKey(t *testing.T) {
	// sha256("test")
	if got := HashKey("test"); got != "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08" {
		t.Errorf("HashKey = %s", got)
	}
}

func TestClientForKey(t *testing.T) {
	keys := map[string]string{HashKey("ci-secret"): "ci"}
	keys[strings.ToUpper(HashKey("lab-secret"))] = "lab"
	tests := []struct {
		key    string
		client string
		ok     bool
	}{
		{"ci-secret", "ci", true},
		{"lab-secret", "lab", true},
		{"wrong", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		client, ok := ClientForKey(keys, tt.key)
		if client != tt.client || ok != tt.ok {
			t.Errorf("ClientForKey(%q) = %q, %v; want %q, %v", tt.key, client, ok, tt.client, tt.ok)
		}
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	if got := BearerToken(r); got != "" {
		t.Errorf("no header: %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(r); got != "" {
		t.Errorf("basic auth: %q", got)
	}
	r.Header.Set("Authorization", "Bearer abc")
	if got := BearerToken(r); got != "abc" {
		t.Errorf("bearer: %q", got)
	}
}
