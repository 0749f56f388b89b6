package websocket

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"docsync-server/internal/domain"
)

func queueTestConfig(sendSize, presenceSize int) Config {
	return Config{
		WriteWait:         time.Second,
		PongWait:          time.Second,
		PingPeriod:        time.Second,
		MaxMessageSize:    1024,
		SendQueueSize:     sendSize,
		PresenceQueueSize: presenceSize,
	}
}

func presenceMessage(t *testing.T, displayName string) *Message {
	t.Helper()
	msg, err := NewMessage(TypePresence, &PresencePayload{
		ConnectionID: "conn-1",
		Presence:     domain.Presence{DisplayName: displayName, Color: "#00aa55"},
	})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	return msg
}

func queuedDisplayName(t *testing.T, data []byte) string {
	t.Helper()
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("queued frame undecodable: %v", err)
	}
	var payload PresencePayload
	if err := msg.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("queued payload undecodable: %v", err)
	}
	return payload.Presence.DisplayName
}

func TestSendDropsOldestPresenceUnderPressure(t *testing.T) {
	c := NewClient("client-1", nil, nil, queueTestConfig(4, 1))

	if err := c.Send(presenceMessage(t, "stale")); err != nil {
		t.Fatalf("Send(stale) error = %v", err)
	}
	if err := c.Send(presenceMessage(t, "fresh")); err != nil {
		t.Fatalf("Send(fresh) error = %v", err)
	}

	select {
	case data := <-c.presence:
		if got := queuedDisplayName(t, data); got != "fresh" {
			t.Errorf("surviving presence frame = %q, want %q", got, "fresh")
		}
	default:
		t.Fatal("presence queue empty after two sends")
	}

	select {
	case <-c.presence:
		t.Error("presence queue held more frames than its capacity")
	default:
	}
}

func TestSendReportsUnreachableOnFullContentQueue(t *testing.T) {
	c := NewClient("client-1", nil, nil, queueTestConfig(1, 1))

	update, err := NewMessage(TypeUpdate, &UpdatePayload{ConnectionID: "conn-1"})
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	if err := c.Send(update); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	if err := c.Send(update); !errors.Is(err, ErrPeerUnreachable) {
		t.Errorf("second Send() error = %v, want ErrPeerUnreachable", err)
	}

	// Presence pressure never bleeds into the content verdict.
	if err := c.Send(presenceMessage(t, "anyone")); err != nil {
		t.Errorf("Send(presence) error = %v, want nil", err)
	}
}
