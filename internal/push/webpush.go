package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

var ErrMissingVAPIDKeys = errors.New("VAPID public and private keys are required")

type Config struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is the contact put in the VAPID JWT, either an e-mail
	// (with or without "mailto:") or an https URL.
	Subscriber string
	TTL        time.Duration
	Urgency    string
	HTTPClient *http.Client
}

// WebPushTransport delivers encrypted Web Push messages signed with the
// process-wide VAPID key pair.
type WebPushTransport struct {
	options webpush.Options
}

func NewWebPushTransport(cfg Config) (*WebPushTransport, error) {
	if cfg.PublicKey == "" || cfg.PrivateKey == "" {
		return nil, ErrMissingVAPIDKeys
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	// webpush-go adds the mailto: scheme itself.
	subscriber := strings.TrimPrefix(cfg.Subscriber, "mailto:")

	return &WebPushTransport{
		options: webpush.Options{
			HTTPClient:      httpClient,
			Subscriber:      subscriber,
			TTL:             int(cfg.TTL / time.Second),
			Urgency:         webpush.Urgency(cfg.Urgency),
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
		},
	}, nil
}

func (t *WebPushTransport) PublicKey() string {
	return t.options.VAPIDPublicKey
}

func (t *WebPushTransport) Send(ctx context.Context, endpoint models.Endpoint, payload []byte) (int, error) {
	sub := &webpush.Subscription{
		Endpoint: endpoint.Endpoint,
		Keys: webpush.Keys{
			Auth:   endpoint.Keys.Auth,
			P256dh: endpoint.Keys.P256dh,
		},
	}

	opts := t.options
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, &opts)
	if err != nil {
		return 0, fmt.Errorf("failed to send push: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// GenerateKeys returns a new VAPID key pair, base64url encoded.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate VAPID keys: %w", err)
	}
	return publicKey, privateKey, nil
}
