package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
)

func testConfig(maxConcurrent, maxQueue int) config.ConcurrencyConfig {
	return config.ConcurrencyConfig{
		HardCap:               maxConcurrent,
		MaxQueueSize:          maxQueue,
		CPUFactor:             1000, // never the binding constraint in tests
		FallbackMaxConcurrent: 2,
	}
}

func TestComputeLimitsHardCapWins(t *testing.T) {
	limits := ComputeLimits(testConfig(3, 10), logger.Default())
	assert.Equal(t, 3, limits.MaxConcurrent)
	assert.Equal(t, "hard_cap", limits.LimitedBy)
}

func TestComputeLimitsFallback(t *testing.T) {
	limits := ComputeLimits(config.ConcurrencyConfig{
		FallbackMaxConcurrent: 2,
	}, logger.Default())
	assert.Equal(t, 2, limits.MaxConcurrent)
	assert.Equal(t, "fallback", limits.LimitedBy)
}

func TestAdmitOrRejectBoundsQueue(t *testing.T) {
	m := NewManager(testConfig(1, 2), logger.Default())

	assert.True(t, m.AdmitOrReject())
	assert.True(t, m.AdmitOrReject())
	assert.False(t, m.AdmitOrReject(), "queue of 2 is full")

	m.Abandon()
	assert.True(t, m.AdmitOrReject())
}

func TestAcquireReleaseSlot(t *testing.T) {
	m := NewManager(testConfig(1, 10), logger.Default())
	ctx := context.Background()

	require.True(t, m.AdmitOrReject())
	require.NoError(t, m.AcquireSlot(ctx))

	st := m.State()
	assert.Equal(t, 1, st.Running)
	assert.Equal(t, 0, st.Queued)

	// Second acquire blocks until the first slot is released.
	require.True(t, m.AdmitOrReject())
	acquired := make(chan error, 1)
	go func() { acquired <- m.AcquireSlot(ctx) }()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseSlot()
	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}

	st = m.State()
	assert.Equal(t, 1, st.Running)
	m.ReleaseSlot()
	assert.Equal(t, 0, m.State().Running)
}

func TestAcquireSlotHonorsContext(t *testing.T) {
	m := NewManager(testConfig(1, 10), logger.Default())

	require.True(t, m.AdmitOrReject())
	require.NoError(t, m.AcquireSlot(context.Background()))

	require.True(t, m.AdmitOrReject())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.AcquireSlot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, m.State().Queued)
}
