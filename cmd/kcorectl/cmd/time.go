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
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/corekit/kcore/internal/drift"
	"github.com/corekit/kcore/internal/hostclock"
	"github.com/corekit/kcore/internal/ktime"
)

func init() {
	timeCmd := &cobra.Command{
		Use:   "time",
		Short: "Inspect the kernel time subsystem",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Seed a ktime.State from the host RTC and print its clocks",
		RunE:  runTimeShow,
	}
	adjustCmd := &cobra.Command{
		Use:   "adjust <drift-seconds>",
		Short: "Preview the tick adjustment the drift compensator would install for a given drift",
		Args:  cobra.ExactArgs(1),
		RunE:  runTimeAdjust,
	}

	timeCmd.AddCommand(showCmd, adjustCmd)
	RootCmd.AddCommand(timeCmd)
}

func runTimeShow(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	boot, err := hostclock.Seconds(unix.CLOCK_REALTIME)
	if err != nil {
		return fmt.Errorf("reading host RTC: %w", err)
	}

	state := ktime.NewState(boot)
	state.Tick()

	rt := state.RealTimeSpec()
	mt := state.MonotonicSpec()
	log.Debugf("ticked once from boot_timestamp=%d", boot)
	fmt.Printf("boot_timestamp:  %d\n", state.BootTimestamp())
	fmt.Printf("timestamp:       %d\n", state.GetTimestamp())
	fmt.Printf("realtime:        %d.%09d\n", rt.Sec, rt.Nsec)
	fmt.Printf("monotonic:       %d.%09d\n", mt.Sec, mt.Nsec)
	return nil
}

func runTimeAdjust(_ *cobra.Command, args []string) error {
	ConfigureVerbosity()

	driftSeconds, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("parsing drift seconds: %w", err)
	}

	adjVal, ticksRem := drift.AdjustmentFor(driftSeconds)
	fmt.Printf("drift:     %+d s\n", driftSeconds)
	fmt.Printf("adj_val:   %+d\n", adjVal)
	fmt.Printf("ticks_rem: %d\n", ticksRem)
	return nil
}
