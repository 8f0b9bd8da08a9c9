// Package clock implements the Clock Manager: software mix-tick timers
// keyed by (rate, channels, bit depth), with support for handing a
// condition off to a hardware clock consumer (e.g. an ALSA write loop) so
// the software timer stands down while the hardware paces ticks itself.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/netham45/screamrouter/internal/audiotype"
	"github.com/netham45/screamrouter/internal/commons"
)

// Key identifies a clock condition.
type Key struct {
	Rate      int
	Channels  int
	BitDepth  int
}

func (k Key) period() time.Duration {
	bytesPerFrame := (k.BitDepth / 8) * k.Channels
	if bytesPerFrame <= 0 || k.Rate <= 0 {
		return time.Millisecond
	}
	seconds := float64(audiotype.ChunkSize) / float64(bytesPerFrame) / float64(k.Rate)
	return time.Duration(seconds * float64(time.Second))
}

// Condition is one (rate, channels, bit depth) mix-tick publisher.
type Condition struct {
	mu       sync.Mutex
	cond     *sync.Cond
	sequence uint64
	stopped  bool

	claimed bool
	timerStop chan struct{}
}

func newCondition() *Condition {
	c := &Condition{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// WaitForTick blocks until the sequence advances past lastSeen, or the
// condition is stopped, returning the new sequence number and whether the
// wait ended due to shutdown.
func (c *Condition) WaitForTick(lastSeen uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sequence <= lastSeen && !c.stopped {
		c.cond.Wait()
	}
	return c.sequence, c.stopped
}

// Sequence returns the current tick sequence number.
func (c *Condition) Sequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

func (c *Condition) tick() {
	c.mu.Lock()
	c.sequence++
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Condition) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Manager publishes and owns all active clock conditions.
type Manager struct {
	log commons.Logger

	mu         sync.Mutex
	conditions map[Key]*Condition
	refs       map[Key]int
}

// New constructs an empty Manager.
func New(log commons.Logger) *Manager {
	return &Manager{log: log, conditions: make(map[Key]*Condition), refs: make(map[Key]int)}
}

// Register returns the condition for key, starting its software timer if
// this is the first registration and the condition is not claimed by a
// hardware consumer. Idempotent. Multiple sinks sharing the same
// (rate, channels, bit_depth) share one condition, refcounted so one sink's
// Unregister does not stop ticks for the others still using it.
func (m *Manager) Register(key Key) *Condition {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs[key]++
	c, ok := m.conditions[key]
	if ok {
		return c
	}
	c = newCondition()
	m.conditions[key] = c
	m.startTimerLocked(key, c)
	return c
}

// Unregister drops one reference to key's condition, stopping and removing
// it only once no registrant remains. Idempotent.
func (m *Manager) Unregister(key Key) {
	m.mu.Lock()
	if _, ok := m.conditions[key]; !ok {
		m.mu.Unlock()
		return
	}
	m.refs[key]--
	if m.refs[key] > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.refs, key)
	c := m.conditions[key]
	delete(m.conditions, key)
	m.mu.Unlock()

	if c.timerStop != nil {
		close(c.timerStop)
	}
	c.stop()
}

func (m *Manager) startTimerLocked(key Key, c *Condition) {
	stop := make(chan struct{})
	c.timerStop = stop
	period := key.period()
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				claimed := c.claimed
				c.mu.Unlock()
				if !claimed {
					c.tick()
				}
			}
		}
	}()
}

// HardwareClockConsumer is implemented by senders (e.g. ALSA playback) that
// can pace a condition themselves by calling TickFromHardware after each
// successful period write.
type HardwareClockConsumer interface {
	TickFromHardware(c *Condition)
}

// Claim suspends the software timer for key's condition and returns it so a
// hardware consumer can call TickFromHardware itself. Returns an error if
// the key has not been registered.
func (m *Manager) Claim(key Key) (*Condition, error) {
	m.mu.Lock()
	c, ok := m.conditions[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("clock: condition %+v not registered", key)
	}
	c.mu.Lock()
	c.claimed = true
	c.mu.Unlock()
	return c, nil
}

// Release hands control of key's condition back to the software timer.
func (m *Manager) Release(key Key) {
	m.mu.Lock()
	c, ok := m.conditions[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.claimed = false
	c.mu.Unlock()
}

// TickFromHardware advances a claimed condition's sequence, called by the
// hardware consumer that claimed it after each successful period write.
func (c *Condition) TickFromHardware() {
	c.tick()
}

// Shutdown stops every registered condition, unblocking all waiters.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conds := make([]*Condition, 0, len(m.conditions))
	for _, c := range m.conditions {
		conds = append(conds, c)
	}
	m.conditions = make(map[Key]*Condition)
	m.mu.Unlock()

	for _, c := range conds {
		if c.timerStop != nil {
			close(c.timerStop)
		}
		c.stop()
	}
}
