package messaging

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	before := time.Now().UTC()
	msg := NewEnvelope(KindAction, "orders.create", map[string]any{"sku": "A-1"})

	_, err := uuid.Parse(msg.MessageID())
	require.NoError(t, err, "message ID should be a generated UUID")
	assert.Equal(t, "orders.create", msg.MessageType())
	assert.Equal(t, KindAction, msg.Kind())
	assert.Empty(t, msg.CorrelationID())
	assert.False(t, msg.Timestamp().Before(before))
	assert.Equal(t, time.UTC, msg.Timestamp().Location())
}

func TestNewEnvelopeOptions(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := NewEnvelope(KindQuery, "orders.get", nil,
		WithMessageID("m-1"),
		WithCorrelationID("c-1"),
		WithTimestamp(ts),
		WithHeader("Authorization", "Bearer abc"),
		WithFeature("compress", true),
		WithPriority(7),
		WithSignature("sig"),
	)

	assert.Equal(t, "m-1", msg.MessageID())
	assert.Equal(t, "c-1", msg.CorrelationID())
	assert.Equal(t, ts, msg.Timestamp())
	assert.Equal(t, 7, msg.Priority())
	assert.Equal(t, "sig", msg.Signature())

	v, ok := msg.Headers().Get("Authorization")
	require.True(t, ok)
	assert.Equal(t, "Bearer abc", v)

	feat, ok := msg.Features().Get("compress")
	require.True(t, ok)
	assert.Equal(t, true, feat)
}

func TestHeadersPreserveInsertionOrder(t *testing.T) {
	h := NewHeaders()
	h.Set("b", "2")
	h.Set("a", "1")
	h.Set("b", "3")
	h.Set("c", "4")

	assert.Equal(t, []string{"b", "a", "c"}, h.Names())
	v, _ := h.Get("b")
	assert.Equal(t, "3", v)
	assert.Equal(t, 3, h.Len())
}

func TestKindBitmask(t *testing.T) {
	tests := []struct {
		name string
		set  Kind
		ask  Kind
		want bool
	}{
		{"action in all", KindAll, KindAction, true},
		{"event in all", KindAll, KindEvent, true},
		{"query in all", KindAll, KindQuery, true},
		{"action in action|event", KindAction | KindEvent, KindAction, true},
		{"query not in action|event", KindAction | KindEvent, KindQuery, false},
		{"event not in query", KindQuery, KindEvent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.set.Has(tt.ask))
		})
	}
}

func TestMessageContextAccessors(t *testing.T) {
	msg := NewEnvelope(KindEvent, "audit.trail", nil, WithCorrelationID("c-9"))
	mc := NewMessageContext(msg)

	assert.Equal(t, msg.MessageID(), mc.MessageID)
	assert.Equal(t, "c-9", mc.CorrelationID)

	mc.SetItem(ItemTenantID, "acme")
	assert.Equal(t, "acme", mc.StringItem(ItemTenantID))
	assert.Empty(t, mc.StringItem("missing"))

	mc.SetItem("count", 3)
	assert.Empty(t, mc.StringItem("count"), "non-string items read as empty strings")

	mc.SetProperty(PropUserID, "u-1")
	assert.Equal(t, "u-1", mc.StringProperty(PropUserID))
	_, ok := mc.Property("missing")
	assert.False(t, ok)
}
