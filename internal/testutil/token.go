package testutil

import (
	"testing"

	"github.com/sessionforge/arena/internal/arena"
	"github.com/sessionforge/arena/internal/token"
)

// TestSecret — общий HMAC ключ тестовых кодеков.
var TestSecret = []byte("test-secret")

// NewCodec создаёт HS256 кодек с тестовым секретом. Issuer используется
// и для подписи, и для проверки: кодек принимает собственные токены.
func NewCodec(t testing.TB, issuer string) *token.Codec {
	t.Helper()

	c, err := token.New(token.Config{
		Algorithm:    "HS256",
		Secret:       TestSecret,
		Issuer:       issuer,
		AcceptIssuer: issuer,
	})
	if err != nil {
		t.Fatalf("failed to create token codec: %v", err)
	}
	return c
}

// MintToken подписывает токен с данными claims. Падает при ошибке подписи.
func MintToken(t testing.TB, c arena.Codec, pid arena.PlayerID, sid arena.SessionID, data string) string {
	t.Helper()

	raw, err := c.Sign(arena.Claims{Player: pid, Session: sid, Data: []byte(data)})
	if err != nil {
		t.Fatalf("failed to sign token for %s/%s: %v", pid, sid, err)
	}
	return raw
}
