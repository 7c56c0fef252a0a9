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

// Package pcienum walks the PCI bus hierarchy behind a pciconfig.Backend,
// resolving each function's class and vendor names from small static
// tables, in the table-driven style facebook-time uses for its protocol
// identity tables (ptp/protocol's clock-accuracy and type lookups).
package pcienum

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/corekit/kcore/internal/pciconfig"
)

// BasicInfo is a PCI function's header-derived identity.
type BasicInfo struct {
	VendorID    uint16
	DeviceID    uint16
	ClassID     uint8
	SubclassID  uint8
	ProgIF      uint8
	Revision    uint8
	HeaderType  uint8
	MultiFunc   bool
}

// DeviceInfo pairs a function's location with its resolved identity and
// human-readable names.
type DeviceInfo struct {
	Loc           pciconfig.Location
	Info          BasicInfo
	ClassName     string
	SubclassName  string
	ProgIFName    string
	VendorName    string
}

const (
	classBridge       = 0x06
	subclassPCIBridge = 0x04
	vendorAbsent16    = 0xFFFF
	vendorAbsent0     = 0x0000
)

// visitState is one bus's membership in the enumeration worklist.
type visitState uint8

const (
	notVisited visitState = iota
	toVisit
	visited
)

// BusState is the 256-entry bus visitation table from the design, scoped to
// a single Enumerate call and never persisted across invocations.
type BusState [256]visitState

func probeLocation(backend pciconfig.Backend, loc pciconfig.Location) (BasicInfo, bool, error) {
	word, err := backend.Read(loc, 0x00, pciconfig.Width32)
	if err != nil {
		return BasicInfo{}, false, fmt.Errorf("pcienum: probing %+v: %w", loc, err)
	}
	vendor := uint16(word & 0xFFFF)
	if vendor == vendorAbsent0 || vendor == vendorAbsent16 {
		return BasicInfo{}, false, nil
	}
	device := uint16(word >> 16)

	classWord, err := backend.Read(loc, 0x08, pciconfig.Width32)
	if err != nil {
		return BasicInfo{}, false, fmt.Errorf("pcienum: reading class word at %+v: %w", loc, err)
	}
	revision := uint8(classWord)
	progif := uint8(classWord >> 8)
	subclass := uint8(classWord >> 16)
	class := uint8(classWord >> 24)

	htWord, err := backend.Read(loc, 0x0E, pciconfig.Width8)
	if err != nil {
		return BasicInfo{}, false, fmt.Errorf("pcienum: reading header type at %+v: %w", loc, err)
	}
	headerType := uint8(htWord)
	multiFunc := headerType&0x80 != 0

	return BasicInfo{
		VendorID:   vendor,
		DeviceID:   device,
		ClassID:    class,
		SubclassID: subclass,
		ProgIF:     progif,
		Revision:   revision,
		HeaderType: headerType & 0x7F,
		MultiFunc:  multiFunc,
	}, true, nil
}

func bridgeRange(backend pciconfig.Backend, loc pciconfig.Location) (secondary, subordinate uint8, err error) {
	secWord, err := backend.Read(loc, 0x19, pciconfig.Width8)
	if err != nil {
		return 0, 0, fmt.Errorf("pcienum: reading secondary bus at %+v: %w", loc, err)
	}
	subWord, err := backend.Read(loc, 0x1A, pciconfig.Width8)
	if err != nil {
		return 0, 0, fmt.Errorf("pcienum: reading subordinate bus at %+v: %w", loc, err)
	}
	return uint8(secWord), uint8(subWord), nil
}

// visitBus scans every device/function on bus, appending discovered
// functions to devices and marking any bridge's subordinate bus range
// TO_VISIT in state.
func visitBus(backend pciconfig.Backend, segment uint16, bus uint8, state *BusState, devices *[]DeviceInfo) error {
	state[bus] = visited

	for dev := uint8(0); dev < 32; dev++ {
		loc0 := pciconfig.Location{Segment: segment, Bus: bus, Device: dev, Function: 0}
		info, present, err := probeLocation(backend, loc0)
		if err != nil {
			return err
		}
		if !present {
			continue
		}

		maxFunc := uint8(1)
		if info.MultiFunc {
			maxFunc = 8
		}

		for fn := uint8(0); fn < maxFunc; fn++ {
			loc := pciconfig.Location{Segment: segment, Bus: bus, Device: dev, Function: fn}
			fi := info
			if fn > 0 {
				var present bool
				var err error
				fi, present, err = probeLocation(backend, loc)
				if err != nil {
					return err
				}
				if !present {
					continue
				}
			}

			*devices = append(*devices, DeviceInfo{Loc: loc, Info: fi})
			log.Debugf("pcienum: found %04x:%04x at %+v", fi.VendorID, fi.DeviceID, loc)

			if fi.ClassID == classBridge && fi.SubclassID == subclassPCIBridge {
				secondary, subordinate, err := bridgeRange(backend, loc)
				if err != nil {
					return err
				}
				for b := int(secondary); b <= int(subordinate) && b < 256; b++ {
					if state[b] == notVisited {
						state[b] = toVisit
					}
				}
			}
		}
	}
	return nil
}

// discoverRootBuses implements §4.4 step 2: a multi-function root at
// (seg,0,0,0) means one host-bridge controller per responding function
// 0..7, each owning the bus equal to its function index; otherwise bus 0
// alone is the root.
func discoverRootBuses(backend pciconfig.Backend, segment uint16) ([]uint8, error) {
	root := pciconfig.Location{Segment: segment, Bus: 0, Device: 0, Function: 0}
	info, present, err := probeLocation(backend, root)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, nil
	}
	if !info.MultiFunc {
		return []uint8{0}, nil
	}

	var buses []uint8
	for fn := uint8(0); fn < 8; fn++ {
		loc := pciconfig.Location{Segment: segment, Bus: 0, Device: 0, Function: fn}
		_, present, err := probeLocation(backend, loc)
		if err != nil {
			return nil, err
		}
		if present {
			buses = append(buses, fn)
		}
	}
	return buses, nil
}

// enumerateSegment implements §4.4 steps 2-3 for a single segment: root
// discovery, then a worklist-driven breadth-first bus walk (the §9
// redesign of the quadratic "repeat full sweep" loop into an explicit
// FIFO), visiting sibling buses before grandchildren.
func enumerateSegment(backend pciconfig.Backend, segment uint16) ([]DeviceInfo, error) {
	var state BusState
	var devices []DeviceInfo

	roots, err := discoverRootBuses(backend, segment)
	if err != nil {
		return nil, err
	}

	worklist := make([]uint8, 0, 256)
	for _, b := range roots {
		if state[b] == notVisited {
			state[b] = toVisit
			worklist = append(worklist, b)
		}
	}

	for len(worklist) > 0 {
		bus := worklist[0]
		worklist = worklist[1:]
		if state[bus] == visited {
			continue
		}
		before := state
		if err := visitBus(backend, segment, bus, &state, &devices); err != nil {
			return nil, err
		}
		for b := 0; b < 256; b++ {
			if before[b] != toVisit && state[b] == toVisit {
				worklist = append(worklist, uint8(b))
			}
		}
	}

	return devices, nil
}

// Enumerate implements init_pci (§4.4): it selects segments from the MCFG
// table when present (one implicit segment 0 otherwise) and walks each via
// backend, returning every discovered function annotated with resolved
// class/vendor names.
func Enumerate(backend pciconfig.Backend, segments []pciconfig.MCFGSegment) ([]DeviceInfo, error) {
	segmentIDs := []uint16{0}
	if len(segments) > 0 {
		seen := make(map[uint16]bool)
		segmentIDs = segmentIDs[:0]
		for _, s := range segments {
			if !seen[s.Segment] {
				seen[s.Segment] = true
				segmentIDs = append(segmentIDs, s.Segment)
			}
		}
	}

	var all []DeviceInfo
	for _, seg := range segmentIDs {
		devs, err := enumerateSegment(backend, seg)
		if err != nil {
			return nil, err
		}
		all = append(all, devs...)
	}

	for i := range all {
		resolveNames(&all[i])
	}
	return all, nil
}
