package stratum

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vardiffSession builds a detached session for exercising the controller
// directly; the pipe ends are discarded by a drain goroutine.
func vardiffSession(t *testing.T, initial float64, targetSpan float64) *Session {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()

	p := newTestPool(t)
	s := newSession(server, ListenerConfig{
		Port:              3333,
		Algorithm:         0,
		InitialDifficulty: initial,
		VariableDiff:      true,
		SubmitSpanSec:     targetSpan,
	}, p.deps)
	s.state = stateSubscribed
	return s
}

// feedWorks seeds n samples spaced span seconds apart, ending at now.
func feedWorks(s *Session, n int, span time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeWorks = nil
	start := now.Add(-time.Duration(n-1) * span)
	for i := 0; i < n; i++ {
		s.timeWorks = append(s.timeWorks, TimeWork{
			Time:       start.Add(time.Duration(i) * span),
			Difficulty: s.diffHistory[len(s.diffHistory)-1],
		})
	}
}

func TestVardiffSkipsWithFewSamples(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	s.vardiffTick(&lastBias, time.Now())
	assert.Equal(t, 4.0, s.Difficulty(), "no samples, no change")

	feedWorks(s, 1, time.Second, time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.Equal(t, 4.0, s.Difficulty(), "one sample, no change")
}

func TestVardiffWarmupHalves(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	feedWorks(s, 5, 10*time.Second, time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.Equal(t, 2.0, s.Difficulty())
}

func TestVardiffSlowMinerDropsByClampedBias(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	// submissions arriving at twice the target span: bias = 0.5, clamped 0.7
	feedWorks(s, 12, 60*time.Second, time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.InDelta(t, 4.0*0.7, s.Difficulty(), 1e-9)

	// identical bias on the next tick is not applied again
	feedWorks(s, 12, 60*time.Second, time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.InDelta(t, 4.0*0.7, s.Difficulty(), 1e-9)
}

func TestVardiffFastMinerRaises(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	// submissions every 10s against a 30s target: bias = 3, clamped 1.3
	feedWorks(s, 12, 10*time.Second, time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.InDelta(t, 4.0*1.3, s.Difficulty(), 1e-9)
}

func TestVardiffDeadZoneHolds(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	// 5% off target sits inside the (0.90, 1.10) dead zone
	feedWorks(s, 12, time.Duration(31.5*float64(time.Second)), time.Now())
	s.vardiffTick(&lastBias, time.Now())
	assert.Equal(t, 4.0, s.Difficulty())
}

func TestVardiffStarvedWithoutRecentWork(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64

	// plenty of samples, all older than the 15-minute window
	feedWorks(s, 12, 10*time.Second, time.Now().Add(-time.Hour))
	s.vardiffTick(&lastBias, time.Now())
	assert.InDelta(t, 4.0*0.7, s.Difficulty(), 1e-9)
}

func TestVardiffNeverFallsBelowFloor(t *testing.T) {
	s := vardiffSession(t, 4.0, 30)
	var lastBias float64
	floor := 4.0 / 1000

	// warm-up halving repeated far past the floor
	now := time.Now()
	for i := 0; i < 40; i++ {
		feedWorks(s, 5, 10*time.Second, now)
		s.vardiffTick(&lastBias, now)
	}
	require.GreaterOrEqual(t, s.Difficulty(), floor)
	assert.InDelta(t, floor, s.Difficulty(), 1e-12)
}

func TestWeightedSpanWeightsLaterSamples(t *testing.T) {
	now := time.Now()
	works := []TimeWork{
		{Time: now.Add(-30 * time.Second)},
		{Time: now.Add(-20 * time.Second)}, // 10s gap, weight 1
		{Time: now.Add(-0 * time.Second)},  // 20s gap, weight 2
	}
	span, ok := weightedSpan(works, now.Add(-15*time.Minute))
	require.True(t, ok)
	assert.InDelta(t, (10.0*1+20.0*2)/3.0, span, 1e-9)
}
