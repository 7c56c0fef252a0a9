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

package kselect

import (
	"context"
	"reflect"
	"time"
)

// slot binds one waiter position to a condition variable and the readiness
// kind it was registered for.
type slot struct {
	kind Kind
	cond *Cond
}

// MultiWaiter is the fixed-slot aggregate from §3: a task binds one
// condition variable per slot (the count given to Allocate) into it, then blocks on all of them at once via
// SleepOn. Waking does not imply any of them is logically ready - callers
// must re-check, matching the Mesa-style CV discipline.
type MultiWaiter struct {
	slots []slot
}

// Allocate returns a waiter with count free slots. A count of zero is a
// valid, always-idle waiter (used when cond_cnt == 0).
func Allocate(count int) *MultiWaiter {
	return &MultiWaiter{slots: make([]slot, count)}
}

// Free releases the waiter. Present for symmetry with the design's
// allocate/free pair; Go's GC reclaims the backing slice regardless.
func (w *MultiWaiter) Free() {
	w.slots = nil
}

// Set binds slot idx to cond for readiness kind.
func (w *MultiWaiter) Set(idx int, kind Kind, cond *Cond) {
	w.slots[idx] = slot{kind: kind, cond: cond}
}

// Reset clears slot idx back to unbound.
func (w *MultiWaiter) Reset(idx int) {
	w.slots[idx] = slot{}
}

// SleepOn atomically enqueues on every bound condition's waitlist and
// blocks until any one of them broadcasts, ctx is cancelled, or deadline
// elapses (if non-nil). It reports timedOut only when the deadline won the
// race, never on ctx cancellation.
func (w *MultiWaiter) SleepOn(ctx context.Context, deadline *time.Duration) (timedOut bool) {
	cases := make([]reflect.SelectCase, 0, len(w.slots)+2)
	for _, s := range w.slots {
		if s.cond == nil {
			continue
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(s.cond.chanFor()),
		})
	}

	var timer *time.Timer
	if deadline != nil {
		timer = time.NewTimer(*deadline)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, _, _ := reflect.Select(cases)
	if deadline != nil && chosen == len(cases)-2 {
		return true
	}
	return false
}
