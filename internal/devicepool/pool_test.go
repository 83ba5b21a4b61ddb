package devicepool

import (
	"context"
	"testing"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"
)

func fullBitSet(t *testing.T) *bitset.BitSet {
	t.Helper()
	b := bitset.New(1)
	b.Set(0)
	return b
}

// Exercises the full allocate/release cycle against the real nbd module
// and /sys/block/nbdN nodes; requires the nbd module loaded (see Module).
func TestPool_GetAndReleaseDevice(t *testing.T) {
	pool, err := NewPool()
	require.NoError(t, err)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nbd0, err := pool.GetDevice(ctx)
	require.NoError(t, err)
	require.Equal(t, "/dev/nbd0", nbd0)

	nbd1, err := pool.GetDevice(ctx)
	require.NoError(t, err)
	require.Equal(t, "/dev/nbd1", nbd1)

	require.NoError(t, pool.ReleaseDevice(ctx, nbd0))
	require.NoError(t, pool.ReleaseDevice(ctx, nbd1))
}

func TestPool_GetDeviceBlocksUntilCancelled(t *testing.T) {
	pool := &Pool{slots: fullBitSet(t), watcher: newPollWatcher()}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pool.GetDevice(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSlotFromPath(t *testing.T) {
	p := &Pool{}

	slot, err := p.slotFromPath("/dev/nbd7")
	require.NoError(t, err)
	require.EqualValues(t, 7, slot)

	_, err = p.slotFromPath("/dev/sda")
	require.Error(t, err)
}
