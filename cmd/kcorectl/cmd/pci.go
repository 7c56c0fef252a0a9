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

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corekit/kcore/internal/config"
	"github.com/corekit/kcore/internal/pciconfig"
	"github.com/corekit/kcore/internal/pcienum"
	"github.com/corekit/kcore/internal/pciio"
)

var (
	pciECAMFlag       bool
	pciConfigPathFlag string
)

func init() {
	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "Enumerate the PCI bus hierarchy and print a summary",
		RunE:  runPCILs,
	}
	lsCmd.Flags().BoolVar(&pciECAMFlag, "ecam", false, "use the memory-mapped ECAM backend instead of legacy CF8/CFC ports")
	lsCmd.Flags().StringVar(&pciConfigPathFlag, "config", "", "YAML config file supplying mcfg_segments for --ecam")

	pciCmd := &cobra.Command{
		Use:   "pci",
		Short: "PCI configuration space tools",
	}
	pciCmd.AddCommand(lsCmd)
	RootCmd.AddCommand(pciCmd)
}

func runPCILs(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	var segments []pciconfig.MCFGSegment
	if pciECAMFlag {
		if pciConfigPathFlag == "" {
			return fmt.Errorf("--ecam requires --config pointing at a file with mcfg_segments")
		}
		cfg, err := config.ReadConfig(pciConfigPathFlag)
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}
		for _, s := range cfg.MCFGSegments {
			segments = append(segments, pciconfig.MCFGSegment{
				BasePAddr: s.BasePAddr,
				Segment:   s.Segment,
				StartBus:  s.StartBus,
				EndBus:    s.EndBus,
			})
		}
	}

	var backend pciconfig.Backend
	if pciECAMFlag {
		mm, err := pciio.OpenDevMem()
		if err != nil {
			return fmt.Errorf("opening /dev/mem for ECAM: %w", err)
		}
		defer mm.Close()
		backend = pciconfig.SelectBackend(segments, mm, nil)
	} else {
		io, err := pciio.OpenDevPort()
		if err != nil {
			return fmt.Errorf("opening /dev/port for legacy PCI access: %w", err)
		}
		defer io.Close()
		backend = pciconfig.SelectBackend(nil, nil, io)
	}

	devices, err := pcienum.Enumerate(backend, segments)
	if err != nil {
		return fmt.Errorf("enumerating PCI bus: %w", err)
	}

	summary, err := pcienum.Summary(devices)
	if err != nil {
		return err
	}
	fmt.Print(summary)
	return nil
}
