package scheduler

import (
	"math"
	"time"
)

// Rand is the random source used for delay sampling. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
}

type Delays struct {
	MinDelay       time.Duration
	MaxDelay       time.Duration
	ThinkingChance float64
	ThinkingMin    time.Duration
	ThinkingMax    time.Duration
	BurstDelay     time.Duration
	BurstThreshold float64
	// Jitter scales the base delay by 1 + U(-Jitter, Jitter)
	Jitter float64
}

// Sampler draws human-like gaps between requests. It is not safe for
// concurrent use; the scheduler calls it under its lock.
type Sampler struct {
	d   Delays
	rnd Rand
}

func NewSampler(d Delays, rnd Rand) *Sampler {
	return &Sampler{d: d, rnd: rnd}
}

func (s *Sampler) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(s.rnd.Float64()*float64(hi-lo))
}

// Base draws Uniform(MinDelay, MaxDelay) with optional jitter
func (s *Sampler) Base() time.Duration {
	delay := s.uniform(s.d.MinDelay, s.d.MaxDelay)
	if s.d.Jitter > 0 {
		factor := 1 + (s.rnd.Float64()*2-1)*s.d.Jitter
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Thinking returns a reading pause with probability ThinkingChance, else zero
func (s *Sampler) Thinking() time.Duration {
	if s.d.ThinkingChance <= 0 {
		return 0
	}
	if s.rnd.Float64() >= s.d.ThinkingChance {
		return 0
	}
	return s.uniform(s.d.ThinkingMin, s.d.ThinkingMax)
}

// Next is the gap before the following request
func (s *Sampler) Next() time.Duration {
	return s.Base() + s.Thinking()
}

// BurstEvery is the number of session requests between burst pauses
func (s *Sampler) BurstEvery(requestsPerSession int) int {
	n := int(math.Ceil(float64(requestsPerSession) * s.d.BurstThreshold))
	if n < 1 {
		n = 1
	}
	return n
}
