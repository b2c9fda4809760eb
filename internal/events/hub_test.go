package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSubscriptionMatches(t *testing.T) {
	event := &Event{Topic: "transaction.completed", TransactionID: "txn_1"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"all topics", Subscription{AllTopics: true}, true},
		{"exact topic", Subscription{Topics: []string{"transaction.completed"}}, true},
		{"wildcard topic", Subscription{Topics: []string{"transaction.*"}}, true},
		{"other topic", Subscription{Topics: []string{"dispute.opened"}}, false},
		{"other wildcard", Subscription{Topics: []string{"dispute.*"}}, false},
		{"matching transaction", Subscription{Topics: []string{"transaction.*"}, TransactionIDs: []string{"txn_1"}}, true},
		{"other transaction", Subscription{Topics: []string{"transaction.*"}, TransactionIDs: []string{"txn_2"}}, false},
		{"transaction only", Subscription{TransactionIDs: []string{"txn_1"}}, true},
		{"empty subscription", Subscription{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.matches(event); got != tt.want {
				t.Errorf("matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWildcardDoesNotMatchBarePrefix(t *testing.T) {
	sub := Subscription{Topics: []string{"transaction.*"}}
	if sub.matches(&Event{Topic: "transaction"}) {
		t.Error("bare entity topic should not match the wildcard")
	}
	if sub.matches(&Event{Topic: "transactions.completed"}) {
		t.Error("different entity kind should not match")
	}
}

func TestBroadcastNeverBlocks(t *testing.T) {
	hub := NewHub(nil)
	// The hub loop is not running; filling the buffer must drop, not hang.
	for i := 0; i < 300; i++ {
		hub.Broadcast("transaction.initiated", "txn_1", nil)
	}
}

func TestHubRoundTrip(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.After(2 * time.Second)
	for {
		if hub.Stats()["connectedClients"].(int) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	hub.Broadcast("dispute.OPENED", "txn_42", map[string]string{"disputeId": "dsp_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Topic != "dispute.OPENED" || got.TransactionID != "txn_42" {
		t.Errorf("event = %+v", got)
	}
}
