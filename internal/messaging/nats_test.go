package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestClient connects to a local NATS server under the given instance
// name. Tests that call this helper require NATS on localhost:4222 and are
// skipped otherwise.
func newTestClient(t *testing.T, name string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.MaxReconnects = 0
	c, err := NewClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestOriginMatchesConfiguredName(t *testing.T) {
	c := newTestClient(t, "gateway-test-a")
	if got := c.Origin(); got != "gateway-test-a" {
		t.Fatalf("Origin() = %q, want %q", got, "gateway-test-a")
	}
}

func TestDeliverSkipsOwnOrigin(t *testing.T) {
	a := newTestClient(t, "gateway-test-a")
	b := newTestClient(t, "gateway-test-b")
	userID := "test_" + uuid.New().String()

	selfEcho := make(chan []byte, 1)
	if err := a.SubscribeDeliver(userID, func(data []byte) {
		selfEcho <- data
	}); err != nil {
		t.Fatalf("subscribe on a: %v", err)
	}

	remote := make(chan []byte, 1)
	if err := b.SubscribeDeliver(userID, func(data []byte) {
		remote <- data
	}); err != nil {
		t.Fatalf("subscribe on b: %v", err)
	}

	payload := []byte(`{"type":"message","messageId":"m1"}`)
	if err := a.PublishDeliver(userID, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// The other instance sees the delivery; the publisher filters its echo.
	select {
	case data := <-remote:
		if string(data) != string(payload) {
			t.Fatalf("delivered payload = %s, want %s", data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("other instance never received the delivery")
	}

	select {
	case <-selfEcho:
		t.Fatal("publishing instance received its own delivery back")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKickNoticeRoundTrip(t *testing.T) {
	a := newTestClient(t, "gateway-test-a")
	b := newTestClient(t, "gateway-test-b")
	userID := "test_" + uuid.New().String()

	got := make(chan KickNotice, 1)
	if err := b.SubscribeKick(userID, func(notice KickNotice) {
		got <- notice
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sent := KickNotice{
		ConnIDs:   []string{"conn-1", "conn-2"},
		Reason:    "new_session",
		Message:   "Your account was logged in from another device",
		Timestamp: time.Now().Unix(),
	}
	if err := a.PublishKick(userID, sent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case notice := <-got:
		want, _ := json.Marshal(sent)
		have, _ := json.Marshal(notice)
		if string(have) != string(want) {
			t.Fatalf("notice = %s, want %s", have, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kick notice never arrived")
	}
}
