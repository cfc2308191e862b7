package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

func newTestEndpoint(t *testing.T, url string) models.Endpoint {
	t.Helper()

	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate client key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("failed to generate auth secret: %v", err)
	}

	return models.Endpoint{
		Endpoint: url,
		Keys: models.EndpointKeys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func newTestTransport(t *testing.T) *WebPushTransport {
	t.Helper()

	pub, priv, err := GenerateKeys()
	if err != nil {
		t.Fatalf("GenerateKeys() failed: %v", err)
	}

	tr, err := NewWebPushTransport(Config{
		PublicKey:  pub,
		PrivateKey: priv,
		Subscriber: "mailto:you@example.com",
		TTL:        24 * time.Hour,
		Urgency:    "normal",
	})
	if err != nil {
		t.Fatalf("NewWebPushTransport() failed: %v", err)
	}
	return tr
}

func TestNewWebPushTransport_MissingKeys(t *testing.T) {
	tests := []Config{
		{},
		{PublicKey: "pub"},
		{PrivateKey: "priv"},
	}
	for _, cfg := range tests {
		if _, err := NewWebPushTransport(cfg); !errors.Is(err, ErrMissingVAPIDKeys) {
			t.Errorf("NewWebPushTransport(%+v) error = %v, want ErrMissingVAPIDKeys", cfg, err)
		}
	}
}

func TestWebPushTransport_Send(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	code, err := tr.Send(context.Background(), newTestEndpoint(t, srv.URL+"/push/abc"), []byte(`{"title":"Reminder"}`))
	if err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
	if code != http.StatusCreated {
		t.Errorf("Send() status = %d, want %d", code, http.StatusCreated)
	}

	if gotHeaders.Get("Content-Encoding") != "aes128gcm" {
		t.Errorf("Content-Encoding = %q, want aes128gcm", gotHeaders.Get("Content-Encoding"))
	}
	if gotHeaders.Get("TTL") != "86400" {
		t.Errorf("TTL = %q, want 86400", gotHeaders.Get("TTL"))
	}
	if gotHeaders.Get("Urgency") != "normal" {
		t.Errorf("Urgency = %q, want normal", gotHeaders.Get("Urgency"))
	}

	auth := gotHeaders.Get("Authorization")
	if !strings.HasPrefix(auth, "vapid t=") {
		t.Fatalf("Authorization = %q, want vapid scheme", auth)
	}

	token := strings.TrimPrefix(strings.SplitN(auth, ",", 2)[0], "vapid t=")
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("VAPID token has %d parts, want 3", len(parts))
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("failed to decode claims: %v", err)
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		t.Fatalf("failed to parse claims: %v", err)
	}
	if claims["sub"] != "mailto:you@example.com" {
		t.Errorf("sub claim = %v, want mailto:you@example.com", claims["sub"])
	}
}

func TestWebPushTransport_SendReportsGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
		w.Write([]byte("push subscription has unsubscribed or expired"))
	}))
	defer srv.Close()

	tr := newTestTransport(t)
	code, err := tr.Send(context.Background(), newTestEndpoint(t, srv.URL), []byte(`{}`))
	if err != nil {
		t.Fatalf("Send() error = %v, want nil for an HTTP-level failure", err)
	}
	if code != http.StatusGone {
		t.Errorf("Send() status = %d, want %d", code, http.StatusGone)
	}
}

func TestWebPushTransport_SendInvalidKeys(t *testing.T) {
	tr := newTestTransport(t)

	_, err := tr.Send(context.Background(), models.Endpoint{
		Endpoint: "https://push.example/x",
		Keys:     models.EndpointKeys{P256dh: "bm90LWEta2V5", Auth: "c2VjcmV0"},
	}, []byte(`{}`))
	if err == nil {
		t.Error("Send() with a malformed p256dh key should fail")
	}
}

func TestWebPushTransport_SendHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	tr := newTestTransport(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Send(ctx, newTestEndpoint(t, srv.URL), []byte(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Send() returned after %v, want shortly after the deadline", elapsed)
	}
}
