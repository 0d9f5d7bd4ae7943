package tasks_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/dues-engine/tasks"
)

func noop(context.Context, tasks.Payload) error { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := tasks.NewRegistry()
	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))

	_, ok := r.Lookup("a")
	assert.True(t, ok)
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestRegistry_RejectsDuplicatesAndBlanks(t *testing.T) {
	r := tasks.NewRegistry()
	require.NoError(t, r.Register("a", noop))

	require.ErrorIs(t, r.Register("a", noop), tasks.ErrDuplicateTask)
	require.Error(t, r.Register("", noop))
	require.Error(t, r.Register("c", nil))
}

func TestRegistry_Run(t *testing.T) {
	r := tasks.NewRegistry()
	var got tasks.Payload
	require.NoError(t, r.Register("echo", func(_ context.Context, p tasks.Payload) error {
		got = p
		return nil
	}))

	require.NoError(t, r.Run(context.Background(), "echo", tasks.Payload{"k": "v"}))
	assert.Equal(t, "v", got["k"])

	err := r.Run(context.Background(), "missing", nil)
	require.ErrorIs(t, err, tasks.ErrUnknownTask)
}
