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
	"sort"
	"strings"
	"text/template"
)

var summaryTmpl = template.Must(template.New("pcienum-summary").Parse(
	`{{range .}}{{printf "%02x:%02x.%x" .Loc.Bus .Loc.Device .Loc.Function}} {{.ClassName}}{{if .SubclassName}}: {{.SubclassName}}{{end}}: {{.VendorName}} [{{printf "%04x:%04x" .Info.VendorID .Info.DeviceID}}]
{{end}}`))

// Summary renders devices as a human-readable bus listing, one line per
// function, sorted by (bus, device, function) - the presentation surface
// `kcorectl pci ls` prints.
func Summary(devices []DeviceInfo) (string, error) {
	sorted := make([]DeviceInfo, len(devices))
	copy(sorted, devices)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i].Loc, sorted[j].Loc
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})

	var sb strings.Builder
	if err := summaryTmpl.Execute(&sb, sorted); err != nil {
		return "", err
	}
	return sb.String(), nil
}
