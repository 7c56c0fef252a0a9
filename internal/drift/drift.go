/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package drift implements the asynchronous feedback loop that steers
// ktime's tick clock against a lower-resolution hardware real-time clock:
// boot alignment, a one-shot verification that the alignment math is sound,
// and an hourly steady-state re-measurement, exactly as laid out in the
// design's drift compensator component.
//
// The algorithm here is a direct, signed, computed adjustment rather than a
// PID/PI servo — there is no integral or proportional gain to tune, just the
// "10% of a tick, for as many ticks as it takes" rule from the design — but
// the shape of the package (a dedicated struct owning a rolling sample
// history, sampled under an injected clock so tests don't need to sleep for
// real hours) follows the same pattern facebook-time's PI servo uses for its
// own offset history.
package drift

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/corekit/kcore/internal/ktime"
)

// HWClock is the external hardware real-time clock the compensator steers
// against. Out of scope here (§1): a real implementation reads an RTC chip
// or a PHC device.
type HWClock interface {
	ReadSeconds() (int64, error)
}

// Sleeper abstracts suspension so tests can drive the compensator through
// hours of simulated time without actually waiting. The scheduler's real
// kernel_sleep is out of scope (§1); production code uses RealSleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Discipline is the optional HW-clock-steering half of the HWClock
// collaborator: beyond reading the RTC back, a real implementation can
// also trim its running frequency or step it outright, the same
// clock_adjtime(2) primitives facebook-time's clock package wraps. Left
// nil, the compensator still corrects its own ktime.State but never
// touches the real HW clock - the behavior tests rely on.
type Discipline interface {
	// TrimFreqPPB adjusts the clock's running frequency by freqPPB
	// parts-per-billion, for small steady-state corrections.
	TrimFreqPPB(freqPPB float64) error
	// StepBy jumps the clock by d outright, for corrections too large to
	// slew away within one steady-state period.
	StepBy(d time.Duration) error
	// MarkSynced records that the clock is currently aligned.
	MarkSynced() error
}

// stepThreshold is the drift magnitude above which steerHW steps the HW
// clock outright instead of trimming its frequency, the same step-vs-slew
// split ntpd/chronyd make for large offsets.
const stepThreshold = 10 * time.Second

// RealSleeper sleeps using the wall clock, honoring context cancellation.
type RealSleeper struct{}

// Sleep blocks for d or until ctx is done, whichever comes first.
func (RealSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DefaultLoopDelay is clock_drift_adj_loop_delay's default: one hour.
const DefaultLoopDelay = time.Hour

// verificationSleep is phase B's fixed 20-second wait.
const verificationSleep = 20 * time.Second

// Compensator runs the three-phase drift algorithm against a ktime.State.
type Compensator struct {
	State      *ktime.State
	HW         HWClock
	Sleep      Sleeper
	LoopDelay  time.Duration
	Discipline Discipline // optional; nil means the real HW clock is read-only

	history *History
	metrics *Metrics
}

// New creates a Compensator with production defaults (real sleeping, an
// hourly steady-state loop, and a bounded sample history).
func New(state *ktime.State, hw HWClock) *Compensator {
	return &Compensator{
		State:     state,
		HW:        hw,
		Sleep:     RealSleeper{},
		LoopDelay: DefaultLoopDelay,
		history:   NewHistory(24),
		metrics:   NewMetrics(),
	}
}

// History returns the rolling window of recent (timestamp, drift) samples.
func (c *Compensator) History() []Sample {
	return c.history.Snapshot()
}

// Metrics returns the compensator's Prometheus collectors, for registration
// by the embedding daemon's registry.
func (c *Compensator) Metrics() *Metrics {
	return c.metrics
}

// Start launches the compensator as a background goroutine. Mirrors the
// spec's kthread_create failure semantics (§4.2): if spawning fails, the
// caller runs with whatever drift accumulates and no compensator is
// present. A goroutine launch can't itself fail, so the only error
// returned is for a Compensator missing its State or HW.
func (c *Compensator) Start(ctx context.Context) error {
	if c.State == nil || c.HW == nil {
		return fmt.Errorf("drift: Compensator requires both State and HW")
	}
	if c.Sleep == nil {
		c.Sleep = RealSleeper{}
	}
	if c.LoopDelay <= 0 {
		c.LoopDelay = DefaultLoopDelay
	}
	if c.history == nil {
		c.history = NewHistory(24)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics()
	}
	go c.run(ctx)
	return nil
}

func (c *Compensator) run(ctx context.Context) {
	if err := c.phaseA(ctx); err != nil {
		log.Errorf("drift: phase A (boot alignment) failed: %v", err)
		return
	}
	if err := c.phaseB(ctx); err != nil {
		// Fatal assertion: the adjustment math itself is wrong (§7).
		log.Fatalf("drift: phase B (verification) failed: %v", err)
		return
	}
	c.phaseC(ctx)
}

// roundUpToMultiple rounds ns up to the next multiple of scale.
func roundUpToMultiple(ns, scale uint64) uint64 {
	if ns%scale == 0 {
		return ns
	}
	return (ns/scale + 1) * scale
}

// phaseA aligns the system clock to the next HW-RTC second boundary,
// installing a transient tick adjustment that completes the alignment
// within at most 10 seconds of wall time.
func (c *Compensator) phaseA(ctx context.Context) error {
	if err := c.Sleep.Sleep(ctx, time.Second/ktime.TimerHz); err != nil {
		return err
	}

	hwTS, err := c.HW.ReadSeconds()
	if err != nil {
		return fmt.Errorf("reading HW clock: %w", err)
	}
	for {
		cur, err := c.HW.ReadSeconds()
		if err != nil {
			return fmt.Errorf("reading HW clock: %w", err)
		}
		if cur != hwTS {
			break
		}
		if err := c.Sleep.Sleep(ctx, time.Second/ktime.TimerHz); err != nil {
			return err
		}
	}

	timeNS := c.State.GetSysTime()
	hwTimeNS := roundUpToMultiple(timeNS, ktime.TSScale)
	if hwTimeNS <= timeNS {
		return nil
	}

	adjVal := int32((ktime.TSScale / ktime.TimerHz) / 10)
	ticksRem := int32((hwTimeNS - timeNS) / uint64(adjVal))
	log.Infof("drift: boot alignment installing adjVal=%d ticksRem=%d", adjVal, ticksRem)
	return c.State.InstallAdjustment(adjVal, ticksRem)
}

// phaseB sleeps 20 seconds and asserts the alignment converged exactly.
func (c *Compensator) phaseB(ctx context.Context) error {
	if err := c.Sleep.Sleep(ctx, verificationSleep); err != nil {
		return err
	}
	drift, err := c.measure()
	if err != nil {
		return err
	}
	c.recordDrift(drift)
	if drift != 0 {
		return fmt.Errorf("residual drift of %d seconds after boot alignment", drift)
	}
	c.steerHW(drift)
	return nil
}

// phaseC is the steady-state loop: re-measure drift every LoopDelay and
// install an opposing tick adjustment when non-zero.
func (c *Compensator) phaseC(ctx context.Context) {
	for {
		if err := c.Sleep.Sleep(ctx, c.LoopDelay); err != nil {
			return
		}

		drift, err := c.measure()
		if err != nil {
			log.Errorf("drift: steady-state measurement failed: %v", err)
			continue
		}
		c.recordDrift(drift)
		if drift == 0 {
			c.steerHW(drift)
			continue
		}

		adjVal, ticksRem := adjustmentFor(drift)
		log.Infof("drift: steady-state drift=%ds installing adjVal=%d ticksRem=%d", drift, adjVal, ticksRem)
		if err := c.State.InstallAdjustment(adjVal, ticksRem); err != nil {
			log.Errorf("drift: failed to install adjustment: %v", err)
			continue
		}
		c.metrics.AdjustmentsTotal.Inc()
		c.steerHW(drift)
	}
}

// recordDrift appends drift to the rolling history and refreshes the
// exported mean/stddev/latest gauges from it.
func (c *Compensator) recordDrift(drift int64) {
	c.history.Record(drift)
	c.metrics.DriftSeconds.Set(float64(drift))
	c.metrics.DriftMeanSeconds.Set(c.history.MeanSeconds())
	c.metrics.DriftStddevSeconds.Set(c.history.StddevSeconds())
}

// steerHW applies a measured drift to the real HW clock, when a
// Discipline is wired: corrections at or above stepThreshold step the
// clock outright, smaller ones trim its running frequency, and zero
// drift just marks it synced. A nil Discipline is a no-op.
func (c *Compensator) steerHW(drift int64) {
	if c.Discipline == nil {
		return
	}

	switch d := time.Duration(drift) * time.Second; {
	case drift == 0:
		if err := c.Discipline.MarkSynced(); err != nil {
			log.Errorf("drift: marking HW clock synced: %v", err)
		}
	case d >= stepThreshold || d <= -stepThreshold:
		if err := c.Discipline.StepBy(-d); err != nil {
			log.Errorf("drift: stepping HW clock: %v", err)
		}
	default:
		freqPPB := -float64(drift) / c.LoopDelay.Seconds() * 1e9
		if err := c.Discipline.TrimFreqPPB(freqPPB); err != nil {
			log.Errorf("drift: trimming HW clock frequency: %v", err)
		}
	}
}

// AdjustmentFor is the exported form of adjustmentFor, for callers (such as
// kcorectl's "time adjust" diagnostic) that want to preview what the
// steady-state loop would install for a given drift without running it.
func AdjustmentFor(drift int64) (adjVal int32, ticksRem int32) {
	return adjustmentFor(drift)
}

// adjustmentFor computes the signed per-tick perturbation and the number of
// ticks to sustain it, per the sign convention in the design: positive
// drift (system ahead of HW) requires a negative adjVal.
func adjustmentFor(drift int64) (adjVal int32, ticksRem int32) {
	tenthTick := int32(ktime.TSScale / ktime.TimerHz / 10)
	if drift > 0 {
		adjVal = -tenthTick
	} else {
		adjVal = tenthTick
	}
	abs := drift
	if abs < 0 {
		abs = -abs
	}
	ticksRem = int32(abs * ktime.TimerHz * 10)
	return adjVal, ticksRem
}

// measure returns sys_ts - hw_ts.
func (c *Compensator) measure() (int64, error) {
	hw, err := c.HW.ReadSeconds()
	if err != nil {
		return 0, fmt.Errorf("reading HW clock: %w", err)
	}
	return c.State.GetTimestamp() - hw, nil
}
