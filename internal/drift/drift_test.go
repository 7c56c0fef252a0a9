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

package drift

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corekit/kcore/internal/ktime"
)

// fakeEnv plays both HWClock and Sleeper: each Sleep call advances the
// ktime.State by the equivalent number of ticks (applying whatever
// adjustment is currently installed, exactly as the real tick ISR would)
// and advances a synthetic HW-RTC second counter on a configurable cadence,
// so tests can replay the design's concrete scenarios without sleeping for
// real seconds or hours.
type fakeEnv struct {
	state        *ktime.State
	hwSeconds    int64
	nsPerHWTick  uint64 // real ns of elapsed time per HW-RTC second
	elapsedNS    uint64
}

func newFakeEnv(boot int64) *fakeEnv {
	return &fakeEnv{
		state:       ktime.NewState(boot),
		hwSeconds:   boot,
		nsPerHWTick: uint64(time.Second),
	}
}

func (f *fakeEnv) ReadSeconds() (int64, error) { return f.hwSeconds, nil }

func (f *fakeEnv) Sleep(_ context.Context, d time.Duration) error {
	ticks := int(d * ktime.TimerHz / time.Second)
	if ticks <= 0 {
		ticks = 1
	}
	for i := 0; i < ticks; i++ {
		f.state.Tick()
		f.elapsedNS += uint64(time.Second) / ktime.TimerHz
		for f.elapsedNS >= f.nsPerHWTick {
			f.elapsedNS -= f.nsPerHWTick
			f.hwSeconds++
		}
	}
	return nil
}

func newCompensator(env *fakeEnv) *Compensator {
	c := New(env.state, env)
	c.Sleep = env
	return c
}

func TestPhaseAAlignsToHWSecondBoundary(t *testing.T) {
	env := newFakeEnv(100)
	// HW advances to the next second after 0.4s of elapsed real time.
	env.nsPerHWTick = uint64(400 * time.Millisecond)

	c := newCompensator(env)
	require.NoError(t, c.phaseA(context.Background()))

	// InstallAdjustment never jumps time_ns itself, so reading it right
	// after phaseA returns gives the same value the alignment math used:
	// that value plus the full catch-up (adjVal*ticksRem) must land
	// exactly on the next TSScale boundary.
	timeNSAfter := env.state.GetSysTime()
	adjVal, ticksRem := env.state.Adjustment()
	require.Equal(t, int32(ktime.TSScale/ktime.TimerHz/10), adjVal)
	caughtUp := timeNSAfter + uint64(int64(adjVal)*int64(ticksRem))
	require.Zero(t, caughtUp%ktime.TSScale)
	require.LessOrEqual(t, ticksRem, int32(10*ktime.TimerHz)) // within 10s of wall time
}

func TestPhaseBFailsOnResidualDrift(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)

	// Force a one-second residual drift over the 20s verification sleep:
	// 20*TimerHz ticks elapse during that sleep, so an adjVal of
	// TSScale/(20*TimerHz) applied to all of them adds exactly one extra
	// second beyond the nominal 20s.
	adjVal := int32(ktime.TSScale / uint64(20*ktime.TimerHz))
	require.NoError(t, env.state.InstallAdjustment(adjVal, 20*ktime.TimerHz))

	err := phaseBNoFatal(c)
	require.Error(t, err)
}

// phaseBNoFatal runs phase B's body without the log.Fatalf wrapper in run(),
// so the test can observe the error instead of the process exiting.
func phaseBNoFatal(c *Compensator) error {
	return c.phaseB(context.Background())
}

func TestPhaseBPassesWhenAligned(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)
	require.NoError(t, phaseBNoFatal(c))
	require.Equal(t, int64(20), env.state.GetTimestamp())
}

func TestSteadyStateInstallsOpposingAdjustment(t *testing.T) {
	env := newFakeEnv(0)
	// Make the system clock run 5% fast: TIMER_HZ=1000, tick_duration 5% high.
	fast := uint32(float64(env.state.TickDuration()) * 1.05)
	env.state.SetTickDuration(fast)

	c := newCompensator(env)
	c.LoopDelay = 20 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Run one steady-state iteration manually (phaseC loops forever).
	require.NoError(t, c.Sleep.Sleep(ctx, c.LoopDelay))
	drift, err := c.measure()
	require.NoError(t, err)
	require.Equal(t, int64(1), drift) // +5% of 20s ~= +1s

	adjVal, ticksRem := adjustmentFor(drift)
	require.Negative(t, adjVal) // system ahead -> negative adjustment
	require.Equal(t, int32(ktime.TimerHz*10), ticksRem)

	require.NoError(t, env.state.InstallAdjustment(adjVal, ticksRem))
	c.history.Record(drift)
	require.Len(t, c.History(), 1)
	require.Equal(t, drift, c.History()[0].Seconds)
}

func TestAdjustmentForSignConvention(t *testing.T) {
	posVal, posTicks := adjustmentFor(3)
	require.Negative(t, posVal)
	require.Equal(t, int32(ktime.TimerHz*10*3), posTicks)

	negVal, negTicks := adjustmentFor(-2)
	require.Positive(t, negVal)
	require.Equal(t, int32(ktime.TimerHz*10*2), negTicks)
}

func TestCompensatorStartRequiresStateAndHW(t *testing.T) {
	c := &Compensator{}
	require.Error(t, c.Start(context.Background()))
}

// fakeDiscipline records which HW-clock steering call steerHW made, so
// tests can assert on the step-vs-slew-vs-synced decision without a real
// clock_adjtime(2) syscall.
type fakeDiscipline struct {
	steppedBy *time.Duration
	trimmedTo *float64
	synced    bool
}

func (f *fakeDiscipline) StepBy(d time.Duration) error { f.steppedBy = &d; return nil }
func (f *fakeDiscipline) TrimFreqPPB(ppb float64) error { f.trimmedTo = &ppb; return nil }
func (f *fakeDiscipline) MarkSynced() error             { f.synced = true; return nil }

func TestSteerHWMarksSyncedWhenDriftIsZero(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)
	disc := &fakeDiscipline{}
	c.Discipline = disc

	c.steerHW(0)
	require.True(t, disc.synced)
	require.Nil(t, disc.steppedBy)
	require.Nil(t, disc.trimmedTo)
}

func TestSteerHWStepsOnLargeDrift(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)
	disc := &fakeDiscipline{}
	c.Discipline = disc

	c.steerHW(15)
	require.NotNil(t, disc.steppedBy)
	require.Equal(t, -15*time.Second, *disc.steppedBy)
	require.Nil(t, disc.trimmedTo)
}

func TestSteerHWTrimsFrequencyOnSmallDrift(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)
	c.LoopDelay = 20 * time.Second
	disc := &fakeDiscipline{}
	c.Discipline = disc

	c.steerHW(3)
	require.NotNil(t, disc.trimmedTo)
	require.InDelta(t, -3.0/20.0*1e9, *disc.trimmedTo, 1e-6)
	require.Nil(t, disc.steppedBy)
}

func TestSteerHWNoopsWithoutDiscipline(t *testing.T) {
	env := newFakeEnv(0)
	c := newCompensator(env)
	require.NotPanics(t, func() { c.steerHW(3) })
}
