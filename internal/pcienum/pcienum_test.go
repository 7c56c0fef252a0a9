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

package pcienum

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corekit/kcore/internal/pciconfig"
)

// fakeBackend is an in-memory pciconfig.Backend keyed by location and
// register offset, letting tests construct arbitrary topologies without a
// real machine.
type fakeBackend struct {
	regs map[pciconfig.Location]map[uint16]uint32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{regs: make(map[pciconfig.Location]map[uint16]uint32)}
}

func (f *fakeBackend) set(loc pciconfig.Location, off uint16, val uint32) {
	if f.regs[loc] == nil {
		f.regs[loc] = make(map[uint16]uint32)
	}
	f.regs[loc][off] = val
}

func (f *fakeBackend) putDevice(loc pciconfig.Location, vendor, device uint16, class, subclass, progif, revision, headerType uint8, multiFunc bool) {
	f.set(loc, 0x00, uint32(vendor)|uint32(device)<<16)
	f.set(loc, 0x08, uint32(revision)|uint32(progif)<<8|uint32(subclass)<<16|uint32(class)<<24)
	ht := uint32(headerType)
	if multiFunc {
		ht |= 0x80
	}
	f.set(loc, 0x0E, ht)
}

func (f *fakeBackend) putBridgeRange(loc pciconfig.Location, secondary, subordinate uint8) {
	f.set(loc, 0x19, uint32(secondary))
	f.set(loc, 0x1A, uint32(subordinate))
}

func (f *fakeBackend) Read(loc pciconfig.Location, off uint16, width pciconfig.Width) (uint32, error) {
	regs, ok := f.regs[loc]
	if !ok {
		if off == 0x00 {
			return 0xFFFFFFFF, nil
		}
		return 0, nil
	}
	return regs[off], nil
}

func (f *fakeBackend) Write(loc pciconfig.Location, off uint16, width pciconfig.Width, val uint32) error {
	f.set(loc, off, val)
	return nil
}

var _ pciconfig.Backend = (*fakeBackend)(nil)

// TestEnumerateSingleController covers concrete scenario 3: a single,
// non-bridge, non-multi-function device at (0,0,0,0).
func TestEnumerateSingleController(t *testing.T) {
	b := newFakeBackend()
	root := pciconfig.Location{Bus: 0, Device: 0, Function: 0}
	b.putDevice(root, 0x8086, 0x1234, 0x06, 0x00, 0x00, 0x01, 0x00, false)

	devices, err := Enumerate(b, nil)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, root, devices[0].Loc)
	require.Equal(t, "Bridge", devices[0].ClassName)
	require.Equal(t, "Host bridge", devices[0].SubclassName)
	require.Equal(t, "Intel Corporation", devices[0].VendorName)
}

// TestEnumerateWithBridge covers concrete scenario 4: a bridge at (0,0,2,0)
// fanning out to buses 1..3, visited breadth-first.
func TestEnumerateWithBridge(t *testing.T) {
	b := newFakeBackend()
	root := pciconfig.Location{Bus: 0, Device: 0, Function: 0}
	b.putDevice(root, 0x8086, 0x0001, 0x06, 0x00, 0x00, 0x01, 0x00, false)

	bridge := pciconfig.Location{Bus: 0, Device: 2, Function: 0}
	b.putDevice(bridge, 0x8086, 0x0002, 0x06, 0x04, 0x00, 0x01, 0x01, false)
	b.putBridgeRange(bridge, 1, 3)

	for _, bus := range []uint8{1, 2, 3} {
		loc := pciconfig.Location{Bus: bus, Device: 0, Function: 0}
		b.putDevice(loc, 0x10DE, uint16(bus), 0x03, 0x00, 0x00, 0x01, 0x00, false)
	}

	devices, err := Enumerate(b, nil)
	require.NoError(t, err)

	visitedBuses := map[uint8]bool{}
	for _, d := range devices {
		visitedBuses[d.Loc.Bus] = true
	}
	require.Equal(t, map[uint8]bool{0: true, 1: true, 2: true, 3: true}, visitedBuses)
	require.Len(t, devices, 5) // root + bridge on bus 0, one device each on buses 1-3
}

func TestEnumerateSkipsAbsentDevices(t *testing.T) {
	b := newFakeBackend()
	devices, err := Enumerate(b, nil)
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestEnumerateMultiFunctionRoot(t *testing.T) {
	b := newFakeBackend()
	root := pciconfig.Location{Bus: 0, Device: 0, Function: 0}
	b.putDevice(root, 0x8086, 0x0000, 0x06, 0x00, 0x00, 0x01, 0x00, true)
	fn1 := pciconfig.Location{Bus: 0, Device: 0, Function: 1}
	b.putDevice(fn1, 0x8086, 0x0001, 0x06, 0x00, 0x00, 0x01, 0x00, false)

	// Second host-bridge controller owns bus 1 (function index == bus number).
	rootFn1 := pciconfig.Location{Bus: 1, Device: 0, Function: 0}
	b.putDevice(rootFn1, 0x8086, 0x0002, 0x06, 0x00, 0x00, 0x01, 0x00, false)

	devices, err := Enumerate(b, nil)
	require.NoError(t, err)

	buses := map[uint8]bool{}
	for _, d := range devices {
		buses[d.Loc.Bus] = true
	}
	require.True(t, buses[0])
	require.True(t, buses[1])
}

func TestLookupClassFallsBackWhenSubclassAbsent(t *testing.T) {
	r := lookupClass(0x06, 0x42, 0x00)
	require.Equal(t, "Bridge", r.className)
	require.Empty(t, r.subclassName)
}

func TestLookupClassUnknown(t *testing.T) {
	r := lookupClass(0xFE, 0x00, 0x00)
	require.Empty(t, r.className)
}

func TestSummaryFormatsSortedByLocation(t *testing.T) {
	devices := []DeviceInfo{
		{Loc: pciconfig.Location{Bus: 1, Device: 0, Function: 0}, ClassName: "Network controller", VendorName: "Intel Corporation"},
		{Loc: pciconfig.Location{Bus: 0, Device: 0, Function: 0}, ClassName: "Bridge", SubclassName: "Host bridge", VendorName: "Intel Corporation"},
	}
	out, err := Summary(devices)
	require.NoError(t, err)
	require.Less(t, indexOf(out, "00:00.0"), indexOf(out, "01:00.0"))
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
