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

// classEntry is one row of the class/subclass/progif lookup table, kept in
// class-major order so resolution can scan forward the way the teacher's
// protocol package resolves clock-accuracy and type names from small
// ordered tables.
type classEntry struct {
	class, subclass, progif uint8
	className, subclassName, progifName string
}

// classTable is intentionally small: it covers the classes this system's
// concrete scenarios and demos exercise, not the full PCI-SIG registry.
var classTable = []classEntry{
	{0x00, 0x00, 0x00, "Unclassified device", "Non-VGA unclassified device", ""},
	{0x01, 0x00, 0x00, "Mass storage controller", "SCSI storage controller", ""},
	{0x01, 0x06, 0x01, "Mass storage controller", "SATA controller", "AHCI"},
	{0x01, 0x08, 0x02, "Mass storage controller", "Non-volatile memory controller", "NVMe"},
	{0x02, 0x00, 0x00, "Network controller", "Ethernet controller", ""},
	{0x03, 0x00, 0x00, "Display controller", "VGA compatible controller", ""},
	{0x06, 0x00, 0x00, "Bridge", "Host bridge", ""},
	{0x06, 0x01, 0x00, "Bridge", "ISA bridge", ""},
	{0x06, 0x04, 0x00, "Bridge", "PCI-to-PCI bridge", "Normal decode"},
	{0x06, 0x04, 0x01, "Bridge", "PCI-to-PCI bridge", "Subtractive decode"},
	{0x0C, 0x03, 0x00, "Serial bus controller", "USB controller", "UHCI"},
	{0x0C, 0x03, 0x30, "Serial bus controller", "USB controller", "XHCI"},
}

// resolved is the result of scanning classTable for a (class, subclass,
// progif) triple: names at finer granularity than what's found are empty.
type resolved struct {
	className, subclassName, progifName string
}

// lookupClass implements §4.4 step 4's three-phase linear scan: find any
// row matching class_id, then scan forward while class_id holds to find
// subclass_id, then further forward while subclass_id holds to find
// progif_id. Missing subclass/progif rows are tolerated; an unmatched
// class_id yields the empty className the caller reports as "unknown".
func lookupClass(class, subclass, progif uint8) resolved {
	start := -1
	for i, e := range classTable {
		if e.class == class {
			start = i
			break
		}
	}
	if start == -1 {
		return resolved{}
	}

	r := resolved{className: classTable[start].className}

	subStart := -1
	for i := start; i < len(classTable) && classTable[i].class == class; i++ {
		if classTable[i].subclass == subclass {
			if subStart == -1 {
				subStart = i
			}
			r.subclassName = classTable[i].subclassName
		}
	}
	if subStart == -1 {
		return r
	}

	for i := subStart; i < len(classTable) && classTable[i].class == class && classTable[i].subclass == subclass; i++ {
		if classTable[i].progif == progif {
			r.progifName = classTable[i].progifName
			break
		}
	}
	return r
}

// vendorTable is a small parallel (vendor_id, name) table.
var vendorTable = map[uint16]string{
	0x8086: "Intel Corporation",
	0x1022: "Advanced Micro Devices, Inc.",
	0x10DE: "NVIDIA Corporation",
	0x1AF4: "Red Hat, Inc. (virtio)",
	0x1B36: "Red Hat, Inc. (QEMU)",
	0x15AD: "VMware",
}

func lookupVendor(vendor uint16) string {
	if name, ok := vendorTable[vendor]; ok {
		return name
	}
	return "Unknown vendor"
}

func resolveNames(d *DeviceInfo) {
	r := lookupClass(d.Info.ClassID, d.Info.SubclassID, d.Info.ProgIF)
	d.ClassName = r.className
	if d.ClassName == "" {
		d.ClassName = "Unknown device"
	}
	d.SubclassName = r.subclassName
	d.ProgIFName = r.progifName
	d.VendorName = lookupVendor(d.Info.VendorID)
}
