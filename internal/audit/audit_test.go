package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(zerolog.New(&buf)), &buf
}

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogAuthz(t *testing.T) {
	tests := []struct {
		name      string
		id        string
		result    string
		reason    string
		wantLevel string
	}{
		{name: "allowed", id: "7", result: Allowed, wantLevel: "info"},
		{name: "denied", result: Denied, reason: "no token", wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, buf := newTestLogger()
			l.LogAuthz("alice", "Read", "File", tt.id, tt.result, tt.reason)

			entry := decode(t, buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "authz", entry["event_type"])
			assert.Equal(t, "audit", entry["component"])
			assert.Equal(t, "alice", entry["caller"])
			assert.Equal(t, "Read", entry["op"])
			assert.Equal(t, "File", entry["resource"])
			assert.Equal(t, tt.result, entry["result"])

			_, hasID := entry["id"]
			assert.Equal(t, tt.id != "", hasID)
			_, hasReason := entry["reason"]
			assert.Equal(t, tt.reason != "", hasReason)
		})
	}
}

func TestLogToken(t *testing.T) {
	l, buf := newTestLogger()
	l.LogToken("bob", "Write", "Folder", errors.New("token expired"))

	entry := decode(t, buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "token", entry["event_type"])
	assert.Equal(t, Denied, entry["result"])
	assert.Equal(t, "token expired", entry["error"])
}

func TestLogAdmin(t *testing.T) {
	l, buf := newTestLogger()
	l.LogAdmin("ops", "admin_update_bucket", Allowed, "status=read-only")

	entry := decode(t, buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "admin", entry["event_type"])
	assert.Equal(t, "ops", entry["admin_id"])
	assert.Equal(t, "status=read-only", entry["details"])

	buf.Reset()
	l.LogAdmin("mallory", "admin_set_managers", Denied, "")
	entry = decode(t, buf)
	assert.Equal(t, "warn", entry["level"])
	assert.NotContains(t, entry, "details")
}

func TestLogRoleChange(t *testing.T) {
	l, buf := newTestLogger()
	l.LogRoleChange("ops", "admin_add_managers", []string{"bob"}, nil)

	entry := decode(t, buf)
	assert.Equal(t, "role_binding", entry["event_type"])
	assert.Equal(t, []any{"bob"}, entry["managers"])
	assert.Equal(t, []any{}, entry["auditors"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().LogAuthz("a", "Read", "File", "", Denied, "x")
	})
}
