package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

// MockTransport implements Transport for testing
type MockTransport struct {
	SendFunc func(ctx context.Context, endpoint models.Endpoint, payload []byte) (int, error)

	mu    sync.Mutex
	calls map[string]int
}

func (m *MockTransport) Send(ctx context.Context, endpoint models.Endpoint, payload []byte) (int, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[endpoint.Endpoint]++
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(ctx, endpoint, payload)
	}
	return http.StatusCreated, nil
}

func (m *MockTransport) Calls(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[endpoint]
}

type countingObserver struct {
	mu        sync.Mutex
	delivered int
	failed    int
	gone      int
}

func (o *countingObserver) DeliveryOutcome(status models.DeliveryStatus, gone bool, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if status == models.StatusDelivered {
		o.delivered++
	} else {
		o.failed++
	}
	if gone {
		o.gone++
	}
}

func endpoints(urls ...string) []models.Endpoint {
	out := make([]models.Endpoint, len(urls))
	for i, u := range urls {
		out[i] = models.Endpoint{Endpoint: u}
	}
	return out
}

func TestDispatcher_DeliverAllIsolatesFailure(t *testing.T) {
	transport := &MockTransport{
		SendFunc: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
			if e.Endpoint == "https://push.example/2" {
				return 0, errors.New("connection refused")
			}
			return http.StatusCreated, nil
		},
	}
	obs := &countingObserver{}
	d := NewDispatcher(transport, obs, zerolog.Nop(), time.Second)

	eps := endpoints("https://push.example/1", "https://push.example/2", "https://push.example/3")
	outcomes := d.DeliverAll(context.Background(), eps, models.Content{}.WithDefaults())

	if len(outcomes) != 3 {
		t.Fatalf("len(outcomes) = %d, want 3", len(outcomes))
	}
	if !outcomes[0].Delivered() || !outcomes[2].Delivered() {
		t.Errorf("endpoints #1 and #3 should be delivered, got %+v / %+v", outcomes[0], outcomes[2])
	}
	if outcomes[1].Delivered() || outcomes[1].Reason != "connection refused" {
		t.Errorf("endpoint #2 outcome = %+v, want failed with reason", outcomes[1])
	}
	for _, e := range eps {
		if got := transport.Calls(e.Endpoint); got != 1 {
			t.Errorf("Send() called %d times for %s, want exactly 1", got, e.Endpoint)
		}
	}
	if obs.delivered != 2 || obs.failed != 1 {
		t.Errorf("observer saw delivered=%d failed=%d, want 2/1", obs.delivered, obs.failed)
	}
}

func TestDispatcher_DeliverAllRecoversPanic(t *testing.T) {
	transport := &MockTransport{
		SendFunc: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
			if e.Endpoint == "https://push.example/boom" {
				panic("malformed key")
			}
			return http.StatusOK, nil
		},
	}
	d := NewDispatcher(transport, nil, zerolog.Nop(), time.Second)

	outcomes := d.DeliverAll(context.Background(), endpoints("https://push.example/boom", "https://push.example/ok"), models.Content{})

	if outcomes[0].Delivered() {
		t.Errorf("panicking attempt reported as delivered")
	}
	if !outcomes[1].Delivered() {
		t.Errorf("sibling of panicking attempt = %+v, want delivered", outcomes[1])
	}
}

func TestDispatcher_AttemptTimeout(t *testing.T) {
	transport := &MockTransport{
		SendFunc: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
			if e.Endpoint == "https://push.example/slow" {
				<-ctx.Done()
				return 0, ctx.Err()
			}
			return http.StatusCreated, nil
		},
	}
	d := NewDispatcher(transport, nil, zerolog.Nop(), 50*time.Millisecond)

	start := time.Now()
	outcomes := d.DeliverAll(context.Background(), endpoints("https://push.example/slow", "https://push.example/fast"), models.Content{})

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("DeliverAll() took %v, slow endpoint was not bounded", elapsed)
	}
	if outcomes[0].Delivered() {
		t.Errorf("slow endpoint should fail on timeout")
	}
	if !outcomes[1].Delivered() {
		t.Errorf("fast endpoint = %+v, want delivered", outcomes[1])
	}
}

func TestDispatcher_Deliver(t *testing.T) {
	tests := []struct {
		name          string
		send          func(ctx context.Context, e models.Endpoint, payload []byte) (int, error)
		wantDelivered bool
		wantGone      bool
		wantReason    string
		wantObserved  [3]int // delivered, failed, gone
	}{
		{
			name: "delivered",
			send: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
				return http.StatusCreated, nil
			},
			wantDelivered: true,
			wantObserved:  [3]int{1, 0, 0},
		},
		{
			name: "transport error",
			send: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
				return 0, errors.New("connection reset")
			},
			wantReason:   "connection reset",
			wantObserved: [3]int{0, 1, 0},
		},
		{
			name: "gone",
			send: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
				return http.StatusGone, nil
			},
			wantGone:     true,
			wantReason:   "subscription expired",
			wantObserved: [3]int{0, 1, 1},
		},
		{
			name: "panic",
			send: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
				panic("bad key")
			},
			wantReason:   "panic: bad key",
			wantObserved: [3]int{0, 1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &MockTransport{SendFunc: tt.send}
			obs := &countingObserver{}
			d := NewDispatcher(transport, obs, zerolog.Nop(), time.Second)

			ep := models.Endpoint{Endpoint: "https://push.example/x", Keys: models.EndpointKeys{Auth: "a"}}
			o := d.Deliver(context.Background(), ep, models.Content{}.WithDefaults())

			if o.Delivered() != tt.wantDelivered {
				t.Errorf("Delivered() = %v, want %v (outcome %+v)", o.Delivered(), tt.wantDelivered, o)
			}
			if o.Gone != tt.wantGone {
				t.Errorf("Gone = %v, want %v", o.Gone, tt.wantGone)
			}
			if o.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", o.Reason, tt.wantReason)
			}
			if o.Endpoint != ep.Key() || o.Index != 0 {
				t.Errorf("outcome identity = %q/%d, want %q/0", o.Endpoint, o.Index, ep.Key())
			}
			if got := transport.Calls(ep.Endpoint); got != 1 {
				t.Errorf("Send() called %d times, want exactly 1", got)
			}
			if got := [3]int{obs.delivered, obs.failed, obs.gone}; got != tt.wantObserved {
				t.Errorf("observer saw delivered/failed/gone = %v, want %v", got, tt.wantObserved)
			}
		})
	}
}

func TestDispatcher_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		delivered bool
		gone      bool
	}{
		{"created", http.StatusCreated, true, false},
		{"ok", http.StatusOK, true, false},
		{"gone", http.StatusGone, false, true},
		{"not found", http.StatusNotFound, false, true},
		{"too many requests", http.StatusTooManyRequests, false, false},
		{"server error", http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := &MockTransport{
				SendFunc: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
					return tt.code, nil
				},
			}
			d := NewDispatcher(transport, nil, zerolog.Nop(), time.Second)

			o := d.Deliver(context.Background(), models.Endpoint{Endpoint: "https://push.example/x"}, models.Content{})
			if o.Delivered() != tt.delivered {
				t.Errorf("Delivered() = %v, want %v", o.Delivered(), tt.delivered)
			}
			if o.Gone != tt.gone {
				t.Errorf("Gone = %v, want %v", o.Gone, tt.gone)
			}
			if o.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", o.StatusCode, tt.code)
			}
		})
	}
}

func TestDispatcher_PayloadShape(t *testing.T) {
	var got map[string]interface{}
	transport := &MockTransport{
		SendFunc: func(ctx context.Context, e models.Endpoint, payload []byte) (int, error) {
			if err := json.Unmarshal(payload, &got); err != nil {
				t.Errorf("payload is not JSON: %v", err)
			}
			return http.StatusCreated, nil
		},
	}
	d := NewDispatcher(transport, nil, zerolog.Nop(), time.Second)

	d.Deliver(context.Background(), models.Endpoint{Endpoint: "https://push.example/x"}, models.Content{}.WithDefaults())

	if got["title"] != "Reminder" {
		t.Errorf("title = %v, want Reminder", got["title"])
	}
	if got["body"] != "" {
		t.Errorf("body = %v, want empty", got["body"])
	}
	pattern, ok := got["vibrationPattern"].([]interface{})
	if !ok || len(pattern) != 3 || pattern[0] != float64(200) || pattern[1] != float64(100) || pattern[2] != float64(200) {
		t.Errorf("vibrationPattern = %v, want [200 100 200]", got["vibrationPattern"])
	}
}

func TestDispatcher_DeliverAllEmpty(t *testing.T) {
	transport := &MockTransport{}
	d := NewDispatcher(transport, nil, zerolog.Nop(), time.Second)

	if outcomes := d.DeliverAll(context.Background(), nil, models.Content{}); len(outcomes) != 0 {
		t.Errorf("DeliverAll(nil) = %v, want no outcomes", outcomes)
	}
}
