package conn

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		base    string
		want    string
		wantErr bool
	}{
		{"username", Credential{Username: "alice"}, "ws://localhost:8080/ws", "ws://localhost:8080/ws?username=alice", false},
		{"token wins", Credential{Username: "alice", Token: "abc"}, "wss://chat.example/ws", "wss://chat.example/ws?token=abc", false},
		{"keeps query", Credential{Username: "bob"}, "ws://h/ws?room=general", "ws://h/ws?room=general&username=bob", false},
		{"empty", Credential{}, "ws://h/ws", "", true},
		{"http scheme", Credential{Username: "a"}, "http://h/ws", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cred.Endpoint(tt.base)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Endpoint() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Endpoint() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name    string
		cred    Credential
		want    string
		wantErr bool
	}{
		{"username", Credential{Username: "alice"}, "alice", false},
		{"username claim", Credential{Token: signed(t, jwt.MapClaims{"username": "carol", "sub": "42"})}, "carol", false},
		{"sub claim", Credential{Token: signed(t, jwt.MapClaims{"sub": "dave"})}, "dave", false},
		{"no claims falls back", Credential{Username: "erin", Token: signed(t, jwt.MapClaims{})}, "erin", false},
		{"garbage token", Credential{Token: "not-a-jwt"}, "", true},
		{"empty", Credential{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cred.Identity()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Identity() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Identity() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	if got := redact("ws://h/ws?token=secret"); got != "ws://h/ws" {
		t.Errorf("redact() = %q", got)
	}
}
