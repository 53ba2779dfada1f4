// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kata-containers/qemud/monitor"
)

// Step is one undoable unit of an attach transaction: a QMP command to
// run, plus the compensating action to run if a later step fails. This
// mirrors the teacher's device-manager "do the monitor call, on error
// unwind what already succeeded" shape, generalized into an explicit
// rollback stack per spec §4.4 "Attach/detach transaction template".
type Step struct {
	Name  string
	Do    func(ctx context.Context) error
	Undo  func(ctx context.Context)
}

// Transaction runs a sequence of Steps, unwinding completed steps in
// reverse order the moment one fails.
type Transaction struct {
	mu    sync.Mutex
	steps []Step
	done  []Step
}

// NewTransaction starts an empty transaction.
func NewTransaction() *Transaction {
	return &Transaction{}
}

// Add appends a step; steps run in the order added and undo in reverse.
func (t *Transaction) Add(s Step) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, s)
}

// Run executes every added step. On the first failure it unwinds all
// previously-succeeded steps (in reverse), then returns the original
// error wrapped with the failing step's name.
func (t *Transaction) Run(ctx context.Context) error {
	t.mu.Lock()
	steps := t.steps
	t.mu.Unlock()

	for _, s := range steps {
		if err := s.Do(ctx); err != nil {
			t.unwind(ctx)
			return fmt.Errorf("operation-failed: hotplug step %q failed: %w", s.Name, err)
		}
		t.mu.Lock()
		t.done = append(t.done, s)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transaction) unwind(ctx context.Context) {
	t.mu.Lock()
	done := t.done
	t.done = nil
	t.mu.Unlock()

	for i := len(done) - 1; i >= 0; i-- {
		if done[i].Undo == nil {
			continue
		}
		hotplugLog.WithField("step", done[i].Name).Debug("unwinding hotplug step")
		done[i].Undo(ctx)
	}
}

// Attacher is the narrow monitor surface a hotplug attach/detach
// transaction needs: one in-flight QMP command at a time, matching the
// monitor package's Channel.Send signature.
type Attacher interface {
	Send(ctx context.Context, req monitor.Request) (monitor.Reply, error)
}

// AttachDevice runs the canonical three-step attach: allocate a bus
// address, issue device_add (or equivalent), and on failure release the
// address again. addr is returned so the caller can record it in the
// domain's live device list.
func AttachDevice(ctx context.Context, bus *Bus, ch Attacher, id string, multifunction bool, wantSlot *uint32, buildArgs func(Address) map[string]interface{}) (Address, error) {
	addr, err := bus.Allocate(ctx, id, multifunction, wantSlot)
	if err != nil {
		return Address{}, err
	}

	tx := NewTransaction()
	tx.Add(Step{
		Name: "device_add",
		Do: func(ctx context.Context) error {
			_, err := ch.Send(ctx, monitor.Request{Command: "device_add", Args: buildArgs(addr)})
			return err
		},
		Undo: func(ctx context.Context) {
			if bus.Kind == BusPCI {
				bus.ReleasePCI(addr)
			} else {
				bus.Release(id)
			}
		},
	})

	if err := tx.Run(ctx); err != nil {
		return Address{}, err
	}
	return addr, nil
}

// DetachTimeout bounds how long DetachDevice waits for the hypervisor's
// DEVICE_DELETED event before giving up, per spec §4.4 "Two-mode
// deletion". A var, not a const, so tests can shrink it rather than
// block for the real window.
var DetachTimeout = 5 * time.Second

// combineErrors folds a slice of errors the way the teacher's code uses
// hashicorp/go-multierror elsewhere (e.g. cgroup teardown sequences),
// rather than returning only the first.
func combineErrors(errs ...error) error {
	var result *multierror.Error
	for _, e := range errs {
		if e != nil {
			result = multierror.Append(result, e)
		}
	}
	return result.ErrorOrNil()
}
