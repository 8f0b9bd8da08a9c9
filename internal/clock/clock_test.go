package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netham45/screamrouter/internal/commons"
)

func testLogger(t *testing.T) commons.Logger {
	t.Helper()
	l, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return l
}

func TestPeriodMatchesExpectedSixMillis(t *testing.T) {
	k := Key{Rate: 48000, Channels: 2, BitDepth: 16}
	assert.InDelta(t, 6*time.Millisecond, k.period(), float64(500*time.Microsecond))
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := New(testLogger(t))
	k := Key{Rate: 48000, Channels: 2, BitDepth: 16}
	c1 := m.Register(k)
	c2 := m.Register(k)
	assert.Same(t, c1, c2)
	m.Shutdown()
}

func TestWaitForTickAdvances(t *testing.T) {
	m := New(testLogger(t))
	k := Key{Rate: 48000, Channels: 2, BitDepth: 16}
	c := m.Register(k)
	defer m.Shutdown()

	seq, stopped := c.WaitForTick(0)
	assert.False(t, stopped)
	assert.GreaterOrEqual(t, seq, uint64(1))
}

func TestShutdownUnblocksWaiters(t *testing.T) {
	m := New(testLogger(t))
	k := Key{Rate: 48000, Channels: 2, BitDepth: 16}
	c := m.Register(k)

	done := make(chan struct{})
	go func() {
		c.WaitForTick(^uint64(0) - 1) // an effectively-unreachable sequence
		close(done)
	}()

	m.Shutdown()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not unblock after shutdown")
	}
}

func TestClaimSuspendsSoftwareTimer(t *testing.T) {
	m := New(testLogger(t))
	k := Key{Rate: 48000, Channels: 2, BitDepth: 16}
	c := m.Register(k)
	defer m.Shutdown()

	claimed, err := m.Claim(k)
	require.NoError(t, err)
	assert.Same(t, c, claimed)

	before := c.Sequence()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, c.Sequence(), "software timer should not tick while claimed")

	claimed.TickFromHardware()
	assert.Equal(t, before+1, c.Sequence())
}
