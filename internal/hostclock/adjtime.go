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

// Package hostclock wraps the CLOCK_ADJTIME syscall to give the drift
// compensator (internal/drift) a concrete, real hardware clock to steer
// against. It plays the role of the out-of-scope "HW RTC" collaborator from
// the design: something that reports whole seconds and can optionally be
// stepped or have its frequency trimmed directly by the OS, independent of
// the synthesized tick clock in internal/ktime.
package hostclock

import (
	"fmt"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ppbToTimexPPM converts parts-per-billion to the ppm-with-16-bit-fraction
// representation clock_adjtime(2) uses for struct timex's Freq/Ppsfreq/Stabil.
const ppbToTimexPPM = 65.536

// clock_adjtime modes, from linux/timex.h.
const (
	AdjOffset    uint32 = 0x0001
	AdjFrequency uint32 = 0x0002
	AdjMaxError  uint32 = 0x0004
	AdjEstError  uint32 = 0x0008
	AdjStatus    uint32 = 0x0010
	AdjTimeConst uint32 = 0x0020
	AdjTAI       uint32 = 0x0080
	AdjSetOffset uint32 = 0x0100
	AdjMicro     uint32 = 0x1000
	AdjNano      uint32 = 0x2000
	AdjTick      uint32 = 0x4000
)

// Adjtime issues the CLOCK_ADJTIME syscall, reading the clock's parameters
// into buf when buf.Modes is zero, or applying them otherwise.
func Adjtime(clockid int32, buf *unix.Timex) (state int, err error) {
	r0, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockid), uintptr(unsafe.Pointer(buf)), 0)
	state = int(r0)
	if errno != 0 {
		err = errno
	}
	return state, err
}

// Seconds reads the given clock's current whole-second value, the
// granularity the spec's HW RTC is assumed to offer (§3, §4.2).
func Seconds(clockid int32) (int64, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return 0, err
	}
	return ts.Sec, nil
}

// FrequencyPPB reads the clock's current frequency offset in PPB.
func FrequencyPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = Adjtime(clockid, tx)
	freqPPB = float64(tx.Freq) / ppbToTimexPPM
	return freqPPB, state, err
}

// AdjFreqPPB adjusts the clock's frequency offset by freqPPB parts-per-billion.
func AdjFreqPPB(clockid int32, freqPPB float64) (state int, err error) {
	tx := &unix.Timex{}
	setFreq(tx, freqPPB)
	tx.Modes = AdjFrequency
	return Adjtime(clockid, tx)
}

// Step steps the clock forwards or backwards by the given duration.
func Step(clockid int32, step time.Duration) (state int, err error) {
	sign := 1
	if step < 0 {
		sign = -1
		step = -step
	}
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	sec := time.Duration(float64(sign) * (float64(step) / float64(time.Second)))
	usec := time.Duration(sign) * (step % time.Second)
	setTime(tx, sec, usec)
	// timeval is the sum of its fields; tv_usec must stay non-negative.
	if tx.Time.Usec < 0 {
		tx.Time.Sec--
		tx.Time.Usec += 1000000000
	}
	return Adjtime(clockid, tx)
}

// MaxFreqPPB returns the maximum frequency adjustment the clock tolerates.
func MaxFreqPPB(clockid int32) (freqPPB float64, state int, err error) {
	tx := &unix.Timex{}
	state, err = Adjtime(clockid, tx)
	if err != nil {
		return 0.0, state, err
	}
	freqPPB = float64(tx.Tolerance) / ppbToTimexPPM
	if freqPPB == 0 {
		freqPPB = 500000
	}
	return freqPPB, state, nil
}

// SetSync marks the realtime clock as synchronized (TIME_OK), the host-OS
// equivalent of the spec's phase-B "drift is now zero" assertion.
func SetSync() error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := Adjtime(unix.CLOCK_REALTIME, tx)
	if err == nil && state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return err
}

// SystemClock is the concrete HW clock drift.Compensator steers in
// production: CLOCK_REALTIME, read back via Seconds and disciplined via
// the same clock_adjtime(2) primitives facebook-time's clock package wraps
// for PHC/PPS steering, instead of the synthetic clocks tests inject.
type SystemClock struct {
	// ClockID selects the clock to discipline; zero defaults to
	// unix.CLOCK_REALTIME.
	ClockID int32
}

func (c SystemClock) clockID() int32 {
	if c.ClockID == 0 {
		return unix.CLOCK_REALTIME
	}
	return c.ClockID
}

// ReadSeconds implements drift.HWClock.
func (c SystemClock) ReadSeconds() (int64, error) {
	return Seconds(c.clockID())
}

// TrimFreqPPB implements drift.Discipline: it clamps freqPPB to the
// clock's own tolerance (MaxFreqPPB) before applying it, so a large
// computed correction can't push the clock past what clock_adjtime allows.
func (c SystemClock) TrimFreqPPB(freqPPB float64) error {
	maxPPB, _, err := MaxFreqPPB(c.clockID())
	if err != nil {
		return fmt.Errorf("reading max frequency tolerance: %w", err)
	}
	if freqPPB > maxPPB {
		freqPPB = maxPPB
	} else if freqPPB < -maxPPB {
		freqPPB = -maxPPB
	}

	if cur, _, err := FrequencyPPB(c.clockID()); err == nil {
		log.Debugf("hostclock: trimming frequency from %.1f to %.1f ppb (tolerance %.1f)", cur, freqPPB, maxPPB)
	}
	_, err = AdjFreqPPB(c.clockID(), freqPPB)
	return err
}

// StepBy implements drift.Discipline.
func (c SystemClock) StepBy(d time.Duration) error {
	_, err := Step(c.clockID(), d)
	return err
}

// MarkSynced implements drift.Discipline.
func (c SystemClock) MarkSynced() error {
	return SetSync()
}
