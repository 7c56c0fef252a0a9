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

import "sync"

// Cond is a Mesa-style condition variable: Broadcast wakes every current
// waiter, and waiters are expected to re-check their own predicate after
// waking, tolerating spurious wakeups, exactly as nsync's CV documents.
// Unlike sync.Cond, waiting here means receiving from a channel, which
// composes into MultiWaiter's dynamic multi-way select.
type Cond struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewCond returns a ready-to-use condition variable.
func NewCond() *Cond {
	return &Cond{ch: make(chan struct{})}
}

// Broadcast wakes every current waiter and rotates in a fresh generation so
// a waiter that arrives after the broadcast blocks again until the next
// one.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.ch)
	c.ch = make(chan struct{})
}

// chanFor returns the channel for the current generation; receiving from it
// (directly, or via MultiWaiter/reflect.Select) blocks until the next
// Broadcast.
func (c *Cond) chanFor() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}
