package guard

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratchet-dev/ratchet/runtime/agent/state"
)

func TestAbortWrapsSentinel(t *testing.T) {
	t.Parallel()

	err := Abort("prompt injection detected")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAbort))
	assert.Equal(t, "guard: input rejected: prompt injection detected", err.Error())
}

func TestReason(t *testing.T) {
	t.Parallel()

	assert.Empty(t, Reason(nil))
	assert.Equal(t, "guard: input rejected: too long", Reason(Abort("too long")))
	assert.Equal(t, "broken config", Reason(errors.New("broken config")))
}

func TestFuncAdapter(t *testing.T) {
	t.Parallel()

	g := Func(func(_ context.Context, msg state.Message) error {
		if strings.Contains(msg.Content, "secret") {
			return Abort("sensitive content")
		}
		return nil
	})

	require.NoError(t, g.Check(context.Background(), state.Message{Content: "hello"}))

	err := g.Check(context.Background(), state.Message{Content: "the secret plans"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAbort))
}
