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

// Package kselect implements a select()-style readiness multiplexer: block
// a caller until one of a set of handles becomes ready for a requested
// operation, or a timeout elapses. The condition-variable wait loop follows
// the Mesa-style "broadcast wakes all, re-check the predicate, tolerate
// spurious wakeups" discipline described for nsync's CV.
package kselect

import "errors"

// Error taxonomy from the design's §7 table, surfaced as typed sentinels so
// callers can errors.Is against them.
var (
	ErrInvalidArgument   = errors.New("kselect: invalid argument")
	ErrBadFileDescriptor = errors.New("kselect: bad file descriptor")
	ErrOutOfMemory       = errors.New("kselect: out of memory")
	ErrFault             = errors.New("kselect: fault")
)

// MaxHandles bounds nfds and the size of every FDSet, mirroring the
// per-process fd table size from the design's constants.
const MaxHandles = 1024
