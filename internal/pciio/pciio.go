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

// Package pciio provides the concrete, Linux-only implementations of the
// pciconfig.PortIO and pciconfig.MMIO interfaces, the same way
// facebook-time's clock package isolates a CLOCK_ADJTIME syscall behind a
// small wrapper: userspace on Linux has no direct IN/OUT instructions or
// physical-memory mapping, so both are implemented here via /dev/port
// (positioned reads and writes on an os.File) and /dev/mem (pages mapped
// with unix.Mmap, its errno wrapped into the returned error).
package pciio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/corekit/kcore/internal/pciconfig"
)

// DevPort implements pciconfig.PortIO over /dev/port, the Linux interface
// that lets a privileged process perform port I/O without a custom driver.
type DevPort struct {
	f *os.File
}

// OpenDevPort opens /dev/port for port I/O access. Requires CAP_SYS_RAWIO.
func OpenDevPort() (*DevPort, error) {
	f, err := os.OpenFile("/dev/port", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pciio: opening /dev/port: %w", err)
	}
	return &DevPort{f: f}, nil
}

// Close releases the underlying file.
func (d *DevPort) Close() error { return d.f.Close() }

func (d *DevPort) readAt(port uint16, n int) uint64 {
	buf := make([]byte, n)
	if _, err := d.f.ReadAt(buf, int64(port)); err != nil {
		return 0
	}
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

func (d *DevPort) writeAt(port uint16, n int, val uint64) {
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		buf[i] = byte(val >> (8 * i))
	}
	_, _ = d.f.WriteAt(buf, int64(port))
}

// Out32 implements pciconfig.PortIO.
func (d *DevPort) Out32(port uint16, val uint32) { d.writeAt(port, 4, uint64(val)) }

// In32 implements pciconfig.PortIO.
func (d *DevPort) In32(port uint16) uint32 { return uint32(d.readAt(port, 4)) }

// Out16 implements pciconfig.PortIO.
func (d *DevPort) Out16(port uint16, val uint16) { d.writeAt(port, 2, uint64(val)) }

// In16 implements pciconfig.PortIO.
func (d *DevPort) In16(port uint16) uint16 { return uint16(d.readAt(port, 2)) }

// Out8 implements pciconfig.PortIO.
func (d *DevPort) Out8(port uint16, val uint8) { d.writeAt(port, 1, uint64(val)) }

// In8 implements pciconfig.PortIO.
func (d *DevPort) In8(port uint16) uint8 { return uint8(d.readAt(port, 1)) }

var _ pciconfig.PortIO = (*DevPort)(nil)

// DevMem implements pciconfig.MMIO by mmap-ing physical address ranges out
// of /dev/mem, one page per access, returning the mmap errno wrapped in an
// error.
type DevMem struct {
	f *os.File
}

// OpenDevMem opens /dev/mem for ECAM access. Requires CAP_SYS_RAWIO and a
// kernel built without strict devmem protection for the MCFG window.
func OpenDevMem() (*DevMem, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pciio: opening /dev/mem: %w", err)
	}
	return &DevMem{f: f}, nil
}

// Close releases the underlying file.
func (d *DevMem) Close() error { return d.f.Close() }

const pageSize = 4096

func (d *DevMem) mapPage(addr uint64) ([]byte, uint64, error) {
	pageBase := addr &^ (pageSize - 1)
	offsetInPage := addr - pageBase
	data, err := unix.Mmap(int(d.f.Fd()), int64(pageBase), pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("pciio: mmap 0x%x: %w", pageBase, err)
	}
	return data, offsetInPage, nil
}

// Read implements pciconfig.MMIO.
func (d *DevMem) Read(addr uint64, width pciconfig.Width) (uint32, error) {
	page, off, err := d.mapPage(addr)
	if err != nil {
		return 0, err
	}
	defer unix.Munmap(page) //nolint:errcheck

	switch width {
	case pciconfig.Width8:
		return uint32(page[off]), nil
	case pciconfig.Width16:
		return uint32(page[off]) | uint32(page[off+1])<<8, nil
	default:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(page[off+uint64(i)]) << (8 * i)
		}
		return v, nil
	}
}

// Write implements pciconfig.MMIO.
func (d *DevMem) Write(addr uint64, width pciconfig.Width, val uint32) error {
	page, off, err := d.mapPage(addr)
	if err != nil {
		return err
	}
	defer unix.Munmap(page) //nolint:errcheck

	switch width {
	case pciconfig.Width8:
		page[off] = byte(val)
	case pciconfig.Width16:
		page[off] = byte(val)
		page[off+1] = byte(val >> 8)
	default:
		for i := 0; i < 4; i++ {
			page[off+uint64(i)] = byte(val >> (8 * i))
		}
	}
	return nil
}

var _ pciconfig.MMIO = (*DevMem)(nil)
