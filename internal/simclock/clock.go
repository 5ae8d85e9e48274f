// Package simclock provides a scalable clock used for heartbeat periods,
// staleness sweeps, and deadlines. Production code runs it at scale 1.0
// (real time); tests run it faster to compress multi-minute staleness
// windows into milliseconds without touching business logic.
package simclock

import "time"

type Clock struct {
	scale     float64
	startReal time.Time
	startSim  time.Time
}

func New(scale float64) *Clock {
	if scale <= 0 {
		scale = 1
	}
	now := time.Now()
	return &Clock{
		scale:     scale,
		startReal: now,
		startSim:  now,
	}
}

func (c *Clock) Now() time.Time {
	elapsedReal := time.Since(c.startReal)
	scaledNs := float64(elapsedReal.Nanoseconds()) * c.scale
	return c.startSim.Add(time.Duration(scaledNs))
}

func (c *Clock) NowMs() int64 { return c.Now().UnixMilli() }

// Sleep blocks for a clock-domain duration d, converted to the equivalent
// real-time sleep under the current scale.
func (c *Clock) Sleep(d time.Duration) {
	if c.scale <= 0 {
		time.Sleep(d)
		return
	}
	realD := time.Duration(float64(d) / c.scale)
	if realD < time.Millisecond {
		realD = time.Millisecond
	}
	time.Sleep(realD)
}

// ToReal converts a clock-domain duration into the equivalent real duration.
func (c *Clock) ToReal(d time.Duration) time.Duration {
	if c.scale <= 0 {
		return d
	}
	realD := time.Duration(float64(d) / c.scale)
	if realD < time.Millisecond {
		return time.Millisecond
	}
	return realD
}

// Stamp formats the current clock-domain time for log lines.
func (c *Clock) Stamp() string {
	return c.Now().Format("15:04:05.000")
}
