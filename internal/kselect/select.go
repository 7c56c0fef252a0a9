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
	"time"
)

// Lookup resolves a file descriptor to its Handle, reporting false if fd is
// unknown.
type Lookup func(fd uint32) (Handle, bool)

type binding struct {
	fd   uint32
	kind Kind
}

// Select implements the four phases of §4.5. r, w, e may be nil (an absent
// set). timeout nil means block until a handle is ready (or ctx is
// cancelled); when no set handle provides a condition variable, a nil
// timeout reports current readiness without blocking. A non-nil zero
// duration is the poll case, skipping phase 3 entirely. On return, r/w/e (when non-nil) have every bit cleared whose
// handle was not ready, and remaining reports the unconsumed portion of
// timeout (nil when timeout was nil).
func Select(ctx context.Context, nfds uint32, r, w, e *FDSet, timeout *time.Duration, lookup Lookup) (ready uint32, remaining *time.Duration, err error) {
	if nfds > MaxHandles {
		return 0, nil, ErrInvalidArgument
	}

	// Phase 1: translate fds to handles before any blocking. The design
	// copies inputs into kernel memory here to guard against a concurrent
	// userspace mutation mid-syscall; there is no analogous foreign address
	// space in this in-process model; the caller's own FDSet values are the
	// kernel copy; they are mutated in place by phase 4, mirroring the
	// updated-in-place semantics of the real syscall's out-parameters.
	handles := make(map[uint32]Handle)
	var bindings []binding

	collect := func(set *FDSet, kind Kind) error {
		if set == nil {
			return nil
		}
		for fd := uint32(0); fd < nfds; fd++ {
			if !set.IsSet(fd) {
				continue
			}
			h, ok := handles[fd]
			if !ok {
				h, ok = lookup(fd)
				if !ok {
					return ErrBadFileDescriptor
				}
				handles[fd] = h
			}
			if cond := h.CondFor(kind); cond != nil {
				bindings = append(bindings, binding{fd: fd, kind: kind})
			}
		}
		return nil
	}
	if err := collect(r, Read); err != nil {
		return 0, nil, err
	}
	if err := collect(w, Write); err != nil {
		return 0, nil, err
	}
	if err := collect(e, Except); err != nil {
		return 0, nil, err
	}

	// Phase 2: the poll case skips phase 3 entirely.
	poll := timeout != nil && *timeout == 0
	timedOut := false

	if !poll {
		waiter := Allocate(len(bindings))
		for i, b := range bindings {
			waiter.Set(i, b.kind, handles[b.fd].CondFor(b.kind))
		}

		deadline := timeout
		start := time.Now()
		for {
			if len(bindings) == 0 {
				// Portable-sleep case: no condition to wait on, just the clock.
				// Without a timeout there is nothing to wait for.
				if deadline == nil {
					break
				}
				t := time.NewTimer(*deadline)
				select {
				case <-t.C:
					timedOut = true
				case <-ctx.Done():
					t.Stop()
				}
				break
			}

			var remainingDeadline *time.Duration
			if deadline != nil {
				elapsed := time.Since(start)
				left := *timeout - elapsed
				if left < 0 {
					left = 0
				}
				remainingDeadline = &left
			}

			out := waiter.SleepOn(ctx, remainingDeadline)
			if ctx.Err() != nil {
				break
			}
			if out {
				timedOut = true
				break
			}

			if anyReady(handles, bindings) {
				break
			}
			// Spurious wakeup: loop and re-check, without disarming the
			// overall deadline (start is unchanged).
		}
		waiter.Free()

		if deadline != nil && !timedOut {
			elapsed := time.Since(start)
			left := *deadline - elapsed
			if left < 0 {
				left = 0
			}
			remaining = &left
		} else if deadline != nil {
			zero := time.Duration(0)
			remaining = &zero
		}
	} else {
		zero := time.Duration(0)
		remaining = &zero
	}

	// Phase 4: report. Clear bits whose handle isn't ready, count the rest.
	clearUnready := func(set *FDSet, kind Kind) {
		if set == nil {
			return
		}
		for fd := uint32(0); fd < nfds; fd++ {
			if !set.IsSet(fd) {
				continue
			}
			h := handles[fd]
			if !readyFor(h, kind) {
				set.Clear(fd)
			} else {
				ready++
			}
		}
	}
	clearUnready(r, Read)
	clearUnready(w, Write)
	clearUnready(e, Except)

	return ready, remaining, nil
}

func anyReady(handles map[uint32]Handle, bindings []binding) bool {
	for _, b := range bindings {
		if readyFor(handles[b.fd], b.kind) {
			return true
		}
	}
	return false
}
