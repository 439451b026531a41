package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageDefaults(t *testing.T) {
	msg := NewMessage(TypeRequest, "eve", "zen", map[string]interface{}{"action": "analyze"})

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeRequest, msg.Type)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, "eve", msg.SenderOffice)
	assert.Equal(t, "zen", msg.TargetOffice)
	assert.Equal(t, DefaultTTLSeconds, msg.TTLSeconds)
	assert.Equal(t, DefaultMaxRetries, msg.MaxRetries)
	assert.Zero(t, msg.RetryCount)

	// Distinct messages get distinct IDs
	other := NewMessage(TypeRequest, "eve", "zen", nil)
	assert.NotEqual(t, msg.ID, other.ID)
	assert.NotNil(t, other.Payload)
}

func TestMessageExpiry(t *testing.T) {
	msg := NewMessage(TypeNotification, "eve", "", nil)
	msg.TTLSeconds = 60

	assert.False(t, msg.Expired(time.Now()))
	assert.True(t, msg.Expired(time.Now().Add(61*time.Second)))

	// Non-positive TTL never expires
	msg.TTLSeconds = 0
	assert.False(t, msg.Expired(time.Now().Add(24*time.Hour)))
}

func TestUnmarshalAppliesDefaults(t *testing.T) {
	raw := []byte(`{"id":"m-1","type":"request","sender_office":"eve","payload":{}}`)
	msg, err := Unmarshal(raw)
	require.NoError(t, err)

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, TypeRequest, msg.Type)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, DefaultTTLSeconds, msg.TTLSeconds)
	assert.Equal(t, DefaultMaxRetries, msg.MaxRetries)
}

func TestUnmarshalRejectsIncompleteMessages(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"type":"request"}`))
	assert.Error(t, err)

	_, err = Unmarshal([]byte(`{"id":"m-1"}`))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	msg := NewMessage(TypeResponse, "zen", "eve", map[string]interface{}{"ok": true})
	msg.CorrelationID = "req-42"
	msg.Priority = PriorityHigh

	data, err := msg.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, "req-42", decoded.CorrelationID)
	assert.Equal(t, PriorityHigh, decoded.Priority)
	assert.Equal(t, true, decoded.Payload["ok"])
}
