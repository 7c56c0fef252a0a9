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

package pciconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakePortIO is an in-memory PortIO fake: writes to CF8 latch the address,
// and In/Out on CFC(+offset) read or write a byte slab keyed by that address.
type fakePortIO struct {
	addr uint32
	mem  map[uint32][4]byte
}

func newFakePortIO() *fakePortIO {
	return &fakePortIO{mem: make(map[uint32][4]byte)}
}

func (f *fakePortIO) Out32(port uint16, val uint32) {
	if port == portCF8 {
		f.addr = val
		return
	}
	slot := f.mem[f.addr&^3]
	slot[0] = byte(val)
	slot[1] = byte(val >> 8)
	slot[2] = byte(val >> 16)
	slot[3] = byte(val >> 24)
	f.mem[f.addr&^3] = slot
}

func (f *fakePortIO) In32(port uint16) uint32 {
	if port == portCF8 {
		return f.addr
	}
	slot := f.mem[f.addr&^3]
	return uint32(slot[0]) | uint32(slot[1])<<8 | uint32(slot[2])<<16 | uint32(slot[3])<<24
}

func (f *fakePortIO) Out16(port uint16, val uint16) {
	off := port - portCFC
	slot := f.mem[f.addr&^3]
	slot[off] = byte(val)
	slot[off+1] = byte(val >> 8)
	f.mem[f.addr&^3] = slot
}

func (f *fakePortIO) In16(port uint16) uint16 {
	off := port - portCFC
	slot := f.mem[f.addr&^3]
	return uint16(slot[off]) | uint16(slot[off+1])<<8
}

func (f *fakePortIO) Out8(port uint16, val uint8) {
	off := port - portCFC
	slot := f.mem[f.addr&^3]
	slot[off] = val
	f.mem[f.addr&^3] = slot
}

func (f *fakePortIO) In8(port uint16) uint8 {
	off := port - portCFC
	slot := f.mem[f.addr&^3]
	return slot[off]
}

func TestCfgAddressLayout(t *testing.T) {
	loc := Location{Bus: 1, Device: 2, Function: 3}
	got := cfgAddress(loc, 0x10)
	want := uint32(0x80000000) | uint32(1)<<16 | uint32(2)<<11 | uint32(3)<<8 | 0x10
	require.Equal(t, want, got)
}

func TestPortIOBackendReadWriteRoundTrip(t *testing.T) {
	io := newFakePortIO()
	b := &PortIOBackend{IO: io}
	loc := Location{Bus: 0, Device: 4, Function: 0}

	require.NoError(t, b.Write(loc, 0x00, Width32, 0x12345678))
	got, err := b.Read(loc, 0x00, Width32)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12345678), got)
}

func TestPortIOBackendRejectsNonZeroSegment(t *testing.T) {
	b := &PortIOBackend{IO: newFakePortIO()}
	_, err := b.Read(Location{Segment: 1}, 0, Width32)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPortIOBackendRejectsOutOfRangeOffset(t *testing.T) {
	b := &PortIOBackend{IO: newFakePortIO()}
	_, err := b.Read(Location{}, 256, Width8)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPortIOBackendRejectsMisalignedOffset(t *testing.T) {
	b := &PortIOBackend{IO: newFakePortIO()}
	_, err := b.Read(Location{}, 0x02, Width32)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPortIOBackendRejectsBadWidth(t *testing.T) {
	b := &PortIOBackend{IO: newFakePortIO()}
	_, err := b.Read(Location{}, 0, Width(3))
	require.ErrorIs(t, err, ErrInvalidArgument)
}
