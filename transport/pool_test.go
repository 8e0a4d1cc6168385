package transport

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeDialer(dials *atomic.Int32) DialFunc {
	return func(ctx context.Context, addr string) (*Mux, error) {
		if addr == "unreachable" {
			return nil, errors.New("connection refused")
		}
		dials.Add(1)
		c1, c2 := net.Pipe()
		NewMux(c2, false, WithHeartbeat(0))
		return NewMux(c1, true, WithHeartbeat(0)), nil
	}
}

func TestMuxPoolReusesUpToSize(t *testing.T) {
	var dials atomic.Int32
	pool := NewMuxPool(2, pipeDialer(&dials))
	defer pool.Close()
	ctx := context.Background()

	seen := map[*Mux]bool{}
	for i := 0; i < 6; i++ {
		m, err := pool.Get(ctx, "host:1")
		require.NoError(t, err)
		seen[m] = true
	}
	assert.Equal(t, int32(2), dials.Load())
	assert.Len(t, seen, 2)
	assert.Equal(t, 2, pool.Len("host:1"))
}

func TestMuxPoolEvictsDeadMux(t *testing.T) {
	var dials atomic.Int32
	pool := NewMuxPool(1, pipeDialer(&dials))
	defer pool.Close()
	ctx := context.Background()

	first, err := pool.Get(ctx, "host:1")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := pool.Get(ctx, "host:1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), dials.Load())
}

func TestMuxPoolDialError(t *testing.T) {
	var dials atomic.Int32
	pool := NewMuxPool(1, pipeDialer(&dials))
	_, err := pool.Get(context.Background(), "unreachable")
	assert.Error(t, err)

	require.NoError(t, pool.Close())
	_, err = pool.Get(context.Background(), "host:1")
	assert.Error(t, err)
}
