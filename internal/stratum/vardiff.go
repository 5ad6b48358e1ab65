package stratum

import (
	"context"
	"time"
)

const (
	// vardiffSpan is the controller tick interval.
	vardiffSpan = 60 * time.Second
	// vardiffWindow is how far back work samples count.
	vardiffWindow = 15 * time.Minute

	biasFloor    = 0.7
	biasCeil     = 1.3
	deadZoneLow  = 0.90
	deadZoneHigh = 1.10

	// minDifficultyDivisor floors difficulty at initial/1000.
	minDifficultyDivisor = 1000
)

// vardiffLoop reshapes the session difficulty toward one share per
// submitSpan seconds. Runs until the session context is cancelled.
func (s *Session) vardiffLoop(ctx context.Context) {
	ticker := time.NewTicker(vardiffSpan)
	defer ticker.Stop()

	var lastBias float64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.vardiffTick(&lastBias, time.Now())
	}
}

// vardiffTick applies one adjustment step; split out for tests.
func (s *Session) vardiffTick(lastBias *float64, now time.Time) {
	s.mu.Lock()
	closed := s.state == stateClosed
	subscribed := s.state >= stateSubscribed
	works := append([]TimeWork(nil), s.timeWorks...)
	current := s.diffHistory[len(s.diffHistory)-1]
	s.mu.Unlock()

	if closed || !subscribed || len(works) < 2 {
		return
	}
	floor := s.initialDiff / minDifficultyDivisor

	// warm-up: too few samples to estimate a cadence, just drop fast
	if len(works) < 10 {
		s.applyDifficulty(maxFloat(current/2, floor))
		return
	}

	realSpan, ok := weightedSpan(works, now.Add(-vardiffWindow))
	if !ok {
		// starved: no recent submissions at all
		s.applyDifficulty(maxFloat(current*biasFloor, floor))
		return
	}

	bias := s.submitSpan / maxFloat(1, realSpan)
	if bias == *lastBias || (bias > deadZoneLow && bias < deadZoneHigh) {
		return
	}
	*lastBias = bias
	bias = clampFloat(bias, biasFloor, biasCeil)
	s.applyDifficulty(maxFloat(current*bias, floor))
}

// weightedSpan is the index-weighted mean of inter-arrival times among
// samples newer than cutoff.
func weightedSpan(works []TimeWork, cutoff time.Time) (float64, bool) {
	var sum, weight float64
	for i := 1; i < len(works); i++ {
		if works[i].Time.Before(cutoff) || works[i-1].Time.Before(cutoff) {
			continue
		}
		span := works[i].Time.Sub(works[i-1].Time).Seconds()
		sum += span * float64(i)
		weight += float64(i)
	}
	if weight == 0 {
		return 0, false
	}
	return sum / weight, true
}

func (s *Session) applyDifficulty(d float64) {
	s.setDifficulty(d)
	s.sendDifficulty()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
