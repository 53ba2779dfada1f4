// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kata-containers/qemud/domain"
)

// shutdownGrace bounds how long Serve waits for in-flight domain
// teardowns before returning regardless.
const shutdownGrace = 30 * time.Second

// registry holds every live Domain known to this daemon process, the
// in-memory counterpart to the on-disk status files spec §6 describes;
// on restart, Load (not shown here) would walk the status directory and
// rebuild one entry per file via domain reconnection, mirroring
// virtcontainers' factory/discovery split.
type registry struct {
	cfg DaemonConfig

	mu      sync.RWMutex
	domains map[uuid.UUID]*domain.Domain
}

func newRegistry(cfg DaemonConfig) *registry {
	return &registry{cfg: cfg, domains: map[uuid.UUID]*domain.Domain{}}
}

func (r *registry) add(d *domain.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.domains[d.UUID] = d
}

func (r *registry) get(id uuid.UUID) (*domain.Domain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.domains[id]
	return d, ok
}

func (r *registry) list() []*domain.Domain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	return out
}

// Serve blocks until SIGINT/SIGTERM, then destroys every still-running
// domain before returning. The request-handling RPC surface itself is
// out of this daemon's scope; Serve exists so the binary has a real
// run loop to drive the components built above.
func (r *registry) Serve(name string) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("%s ready, pid %d\n", name, os.Getpid())
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	for _, d := range r.list() {
		d.RLock()
		state := d.State
		d.RUnlock()
		if state == domain.StateShutoff {
			continue
		}
		if err := d.Destroy(ctx, 0); err != nil {
			fmt.Fprintf(os.Stderr, "destroying domain %s during shutdown: %v\n", d.Name, err)
		}
	}
	return nil
}
