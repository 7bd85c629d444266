package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

func TestEnvelopeNormalizesForDelivery(t *testing.T) {
	t.Parallel()

	out := Envelope("alpha", state.Message{Role: "assistant", Content: "hi"})

	assert.Equal(t, "user", out.Role, "cross-agent messages always arrive as user input")
	assert.Equal(t, "alpha", out.Name)
	assert.Equal(t, "hi", out.Content)
	assert.NotEmpty(t, out.ID)
	assert.False(t, out.Timestamp.IsZero())
}

func TestEnvelopePreservesExistingIdentity(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	out := Envelope("alpha", state.Message{ID: "m-1", Role: "tool", Content: "hi", Timestamp: ts})

	assert.Equal(t, "m-1", out.ID)
	assert.Equal(t, ts, out.Timestamp)
	assert.Equal(t, "user", out.Role)
}
