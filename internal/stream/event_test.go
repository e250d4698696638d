package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name     string
		event    string
		data     string
		wantOK   bool
		wantType EventType
		wantData string
		wantErr  bool
	}{
		{"named create", "create", `{"path":"/a"}`, true, EventCreate, `{"path":"/a"}`, false},
		{"named update", "update", `{"path":"/a"}`, true, EventUpdate, `{"path":"/a"}`, false},
		{"named delete", "delete", `{"id":"1"}`, true, EventDelete, `{"id":"1"}`, false},
		{"named snapshot", "snapshot", `[]`, true, EventSnapshot, `[]`, false},
		{"named empty payload", "create", ``, false, "", "", true},
		{"envelope on message", "message", `{"type":"delete","data":{"id":"7"}}`, true, EventDelete, `{"id":"7"}`, false},
		{"envelope unnamed", "", `{"type":"create","data":{"path":"/x"}}`, true, EventCreate, `{"path":"/x"}`, false},
		{"connected handshake", "", `{"type":"connected","timestamp":1}`, false, "", "", false},
		{"unknown envelope type", "", `{"type":"purge","data":{}}`, false, "", "", true},
		{"envelope without data", "", `{"type":"create"}`, false, "", "", true},
		{"envelope null data", "", `{"type":"create","data":null}`, false, "", "", true},
		{"not json", "message", `hello`, false, "", "", true},
		{"heartbeat event ignored", "heartbeat", `{}`, false, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := decodeFrame(tt.event, []byte(tt.data), "42")
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errMalformed))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantType, ev.Type)
				assert.JSONEq(t, tt.wantData, string(ev.Data))
				assert.Equal(t, "42", ev.ID)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}
