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

// Package ktime holds the nanosecond system clock state: the counter a
// periodic tick advances, the in-flight drift adjustment the compensator in
// internal/drift installs on top of it, and the syscall-shaped read API
// (clock_gettime/gettimeofday-equivalents) userspace sees.
//
// All multi-word reads and writes take State's mutex, standing in for the
// kernel's interrupt-disable discipline: the real tick handler runs with
// interrupts off, so nothing can observe a torn (TimeNS, TickAdjVal,
// TickAdjTicksRem) triple. Keep critical sections here short and
// straight-line, matching that constraint.
package ktime

import (
	"fmt"
	"sync"
)

// TimerHz is the number of ticks per second the (external) tick engine
// invokes State.Tick at.
const TimerHz = 1000

// TSScale is the unit TimeNS is expressed in: nanoseconds. Must be <= Billion.
const TSScale uint64 = 1_000_000_000

// Billion is 10^9, used throughout for nanosecond rescaling.
const Billion = 1_000_000_000

func init() {
	if TSScale > Billion {
		panic("ktime: TSScale must not exceed one billion")
	}
}

// Timespec mirrors POSIX struct timespec.
type Timespec struct {
	Sec  int64
	Nsec int64
}

// State is the process-wide clock state described in the design's data
// model. The zero value is not usable; construct with NewState.
type State struct {
	mu sync.Mutex

	timeNS          uint64
	tickDuration    uint32
	tickAdjVal      int32
	tickAdjTicksRem int32
	bootTimestamp   int64

	// monotonicBias is subtracted from the realtime value
	// (bootTimestamp*TSScale + timeNS) when reporting the monotonic clock,
	// so that an administrative step of bootTimestamp (StepBoot) never
	// appears as a discontinuity on the monotonic clock. It is kept in
	// wrapping uint64 arithmetic so negative steps cancel exactly. This
	// resolves the "monotonic vs realtime" open question from the design
	// in favor of a genuinely non-stepping monotonic clock.
	monotonicBias uint64
}

// NewState creates clock state with the nominal tick duration for TimerHz
// and the given boot timestamp (seconds since the UNIX epoch, as captured
// from the HW RTC at boot).
func NewState(bootTimestamp int64) *State {
	return &State{
		tickDuration:  uint32(TSScale / TimerHz),
		bootTimestamp: bootTimestamp,
	}
}

// Tick is the ISR entry point: it must be invoked TimerHz times per second
// by the (out of scope) tick engine. It advances timeNS by tickDuration,
// applying tickAdjVal on top while tickAdjTicksRem remains positive.
func (s *State) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	delta := int64(s.tickDuration)
	if s.tickAdjTicksRem > 0 {
		delta += int64(s.tickAdjVal)
		s.tickAdjTicksRem--
	}
	if delta < 0 {
		delta = 0
	}
	s.timeNS += uint64(delta)
}

// GetSysTime returns the monotonic nanosecond counter. Strictly
// non-decreasing across ticks, by construction of Tick.
func (s *State) GetSysTime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeNS
}

// GetTimestamp returns seconds since the UNIX epoch.
func (s *State) GetTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootTimestamp + int64(s.timeNS/TSScale)
}

// BootTimestamp returns the seconds-since-epoch captured at boot.
func (s *State) BootTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootTimestamp
}

// StepBoot applies an administrative correction of deltaSeconds to the wall
// clock without disturbing the monotonic clock's continuity.
func (s *State) StepBoot(deltaSeconds int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bootTimestamp += deltaSeconds
	// uint64 conversion of a negative delta wraps, so the modular sum still
	// tracks the signed total of all steps.
	s.monotonicBias += uint64(deltaSeconds) * TSScale
}

// rescale converts a sub-second count of TSScale units into nanoseconds.
// Multiplication is used when TSScale <= Billion, which init enforces, so
// that branch is the one taken here; the division branch covers scales
// finer than a nanosecond.
func rescale(units uint64) int64 {
	if TSScale <= Billion {
		return int64(units * (Billion / TSScale))
	}
	return int64(units / (TSScale / Billion))
}

// RealTimeSpec returns the realtime clock's value.
func (s *State) RealTimeSpec() Timespec {
	s.mu.Lock()
	sec := s.bootTimestamp + int64(s.timeNS/TSScale)
	sub := s.timeNS % TSScale
	s.mu.Unlock()
	return Timespec{Sec: sec, Nsec: rescale(sub)}
}

// MonotonicSpec returns the monotonic clock's value: realtime's
// representation, minus any bias accumulated by administrative wall-clock
// steps (StepBoot), so it never jumps.
func (s *State) MonotonicSpec() Timespec {
	s.mu.Lock()
	ns := uint64(s.bootTimestamp)*TSScale + s.timeNS - s.monotonicBias
	s.mu.Unlock()
	return Timespec{Sec: int64(ns / TSScale), Nsec: rescale(ns % TSScale)}
}

// TaskCPUSpec returns a task's accumulated CPU time, given its total tick
// count (read by the caller under the scheduler's preemption-disable
// discipline — the scheduler itself is out of scope here).
func (s *State) TaskCPUSpec(totalTicks uint64) Timespec {
	s.mu.Lock()
	dur := uint64(s.tickDuration)
	s.mu.Unlock()

	totalNS := totalTicks * dur
	return Timespec{Sec: int64(totalNS / TSScale), Nsec: rescale(totalNS % TSScale)}
}

// TickDuration returns the current nominal per-tick increment.
func (s *State) TickDuration() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickDuration
}

// SetTickDuration overrides the nominal per-tick increment. Exposed for
// tests and for tuning TimerHz-dependent deployments; the drift
// compensator never needs it, it only installs transient adjustments.
func (s *State) SetTickDuration(d uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickDuration = d
}

// InstallAdjustment atomically installs a new (tickAdjVal, tickAdjTicksRem)
// pair. Atomic with respect to Tick: the tick handler observes either the
// old pair or the new one, never a torn combination.
func (s *State) InstallAdjustment(val int32, ticksRem int32) error {
	if ticksRem < 0 {
		return fmt.Errorf("ktime: negative tickAdjTicksRem %d", ticksRem)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickAdjVal = val
	s.tickAdjTicksRem = ticksRem
	return nil
}

// Adjustment returns the currently installed (tickAdjVal, tickAdjTicksRem).
func (s *State) Adjustment() (val int32, ticksRem int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickAdjVal, s.tickAdjTicksRem
}
