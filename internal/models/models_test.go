package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestServerEvent_PresenceJSON(t *testing.T) {
	// Offline transitions must still carry the online flag on the wire.
	raw, err := json.Marshal(ServerEvent{
		Type:     ServerEventPresenceChanged,
		UserID:   "u1",
		Online:   false,
		LastSeen: 123,
	})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for _, want := range []string{`"online":false`, `"lastSeen":123`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("expected %s in %s", want, raw)
		}
	}
}
