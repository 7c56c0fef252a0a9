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
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/corekit/kcore/internal/kselect"
)

func init() {
	demoCmd := &cobra.Command{
		Use:   "select-demo",
		Short: "Run kselect.Select against an in-memory handle that becomes ready after a short delay",
		RunE:  runSelectDemo,
	}
	RootCmd.AddCommand(demoCmd)
}

// demoHandle is a minimal kselect.Handle: ready-for-read once fired, never
// ready for write or except.
type demoHandle struct {
	mu    sync.Mutex
	ready bool
	cond  *kselect.Cond
}

func (h *demoHandle) ReadyRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}
func (h *demoHandle) ReadyWrite() bool  { return false }
func (h *demoHandle) ReadyExcept() bool { return false }
func (h *demoHandle) CondFor(kselect.Kind) *kselect.Cond { return h.cond }

func (h *demoHandle) fire() {
	h.mu.Lock()
	h.ready = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

func runSelectDemo(_ *cobra.Command, _ []string) error {
	ConfigureVerbosity()

	h := &demoHandle{cond: kselect.NewCond()}
	go func() {
		time.Sleep(750 * time.Millisecond)
		log.Debug("select-demo: firing handle ready")
		h.fire()
	}()

	r := &kselect.FDSet{}
	r.Set(0)
	timeout := 10 * time.Second

	start := time.Now()
	ready, remaining, err := kselect.Select(context.Background(), 1, r, nil, nil, &timeout,
		func(fd uint32) (kselect.Handle, bool) {
			if fd == 0 {
				return h, true
			}
			return nil, false
		})
	if err != nil {
		return err
	}

	fmt.Printf("ready=%d elapsed=%s remaining=%s fd0_set=%v\n", ready, time.Since(start), *remaining, r.IsSet(0))
	return nil
}
