// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package cgroup implements the host resource-isolation controller
// (component C3): per-VM cgroup allocation, the device allow/deny
// whitelist protocol, resource tuning, and vcpu/iothread/emulator
// thread placement. It builds on the teacher's low-level
// pkg/resourcecontrol wrapper around containerd/cgroups for the actual
// controller handles.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/qemud/pkg/resourcecontrol"
)

var cgLog = logrus.WithField("source", "cgroup")

// SetLogger overrides the package-wide logger, preserving any fields
// already attached to it.
func SetLogger(logger *logrus.Entry) {
	fields := cgLog.Data
	cgLog = logger.WithFields(fields)
}

// DefaultPartition is the cgroup parent all VM machine groups are
// created under when the caller does not override it, per spec §3
// "Cgroup handle".
const DefaultPartition = "/machine"

// Config selects where a VM's cgroup tree is rooted.
type Config struct {
	// Partition is the user-selected parent; must begin with "/".
	Partition string
	// SandboxCgroupOnly mirrors the teacher's flag of the same name:
	// when true, no separate "overhead" cgroup is created and every
	// thread (emulator included) lives directly under the machine
	// cgroup's own hierarchy.
	SandboxCgroupOnly bool
}

// Handle is the per-VM cgroup handle of spec §3: a set of controller
// sub-groups keyed by purpose (machine root, emulator, per-vcpu,
// per-iothread).
type Handle struct {
	mu sync.Mutex

	name string
	root resourcecontrol.ResourceController

	emulator resourcecontrol.ResourceController
	vcpus    map[int]resourcecontrol.ResourceController
	iothread map[int]resourcecontrol.ResourceController
}

// machinePath builds "<partition>/<name>.libvirt-qemu" per spec §6
// "Cgroup layout", keeping the teacher's path-construction idiom
// (filepath.Join over string concatenation).
func machinePath(partition, name string) (string, error) {
	if partition == "" {
		partition = DefaultPartition
	}
	if partition[0] != '/' {
		return "", fmt.Errorf("internal-error: cgroup partition %q must be absolute", partition)
	}
	return filepath.Join(partition, name+".libvirt-qemu"), nil
}

// New allocates the VM's machine cgroup under the configured partition
// and places pid (the hypervisor process) into it. Only meaningful when
// running as a privileged process with cgroups available; callers
// should skip calling New entirely otherwise (spec §4.3 "Per-VM
// initialization").
func New(cfg Config, name string, pid int, resources *specs.LinuxResources) (*Handle, error) {
	path, err := machinePath(cfg.Partition, name)
	if err != nil {
		return nil, err
	}

	root, err := resourcecontrol.NewResourceController(path, resources)
	if err != nil {
		return nil, fmt.Errorf("operation-failed: creating machine cgroup %s: %w", path, err)
	}

	if err := root.AddProcess(pid); err != nil {
		return nil, fmt.Errorf("operation-failed: adding hypervisor pid %d to %s: %w", pid, path, err)
	}

	return &Handle{
		name:     name,
		root:     root,
		vcpus:    map[int]resourcecontrol.ResourceController{},
		iothread: map[int]resourcecontrol.ResourceController{},
	}, nil
}

// Reconnect rediscovers an existing machine cgroup after a daemon
// restart (spec §4.3 "Restore on reconnect").
func Reconnect(cfg Config, name string) (*Handle, error) {
	path, err := machinePath(cfg.Partition, name)
	if err != nil {
		return nil, err
	}
	root, err := resourcecontrol.LoadResourceController(path)
	if err != nil {
		return nil, fmt.Errorf("operation-failed: rediscovering machine cgroup %s: %w", path, err)
	}
	h := &Handle{name: name, root: root, vcpus: map[int]resourcecontrol.ResourceController{}, iothread: map[int]resourcecontrol.ResourceController{}}

	if err := h.restoreCpusetMems(); err != nil {
		cgLog.WithError(err).Warn("failed to restore cpuset.mems on reconnect")
	}
	return h, nil
}

// Destroy tears down every sub-group and then the machine root.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, c := range h.vcpus {
		record(c.Delete())
	}
	for _, c := range h.iothread {
		record(c.Delete())
	}
	if h.emulator != nil {
		record(h.emulator.Delete())
	}
	if h.root != nil {
		record(h.root.Delete())
	}
	return firstErr
}

// ensureEmulator lazily creates the emulator sub-group. The invariant
// "the emulator sub-group must exist whenever any vcpu or iothread
// sub-group exists" (spec §3) is enforced by having AddVcpu/AddIOThread
// call this before creating their own sub-group.
func (h *Handle) ensureEmulator(pid int) error {
	if h.emulator != nil {
		return nil
	}
	path := filepath.Join(h.root.ID(), "emulator")
	c, err := resourcecontrol.NewResourceController(path, &specs.LinuxResources{})
	if err != nil {
		return fmt.Errorf("operation-failed: creating emulator cgroup: %w", err)
	}
	if err := c.AddProcess(pid); err != nil {
		return fmt.Errorf("operation-failed: adding pid %d to emulator cgroup: %w", pid, err)
	}
	h.emulator = c
	return nil
}

// AddVcpu creates (if needed) the emulator sub-group and a per-vcpu
// sub-group, then migrates pid into it. Per spec §4.3 "Thread
// placement", a vcpu pid vector that is empty or equal to the
// hypervisor's own pid is skipped (single-threaded hypervisor) with a
// warning rather than an error.
func (h *Handle) AddVcpu(index int, pid int, hypervisorPID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if pid == 0 || pid == hypervisorPID {
		cgLog.WithField("vcpu", index).Warn("single-threaded hypervisor, skipping vcpu cgroup placement")
		return nil
	}
	if err := h.ensureEmulator(hypervisorPID); err != nil {
		return err
	}

	path := filepath.Join(h.root.ID(), fmt.Sprintf("vcpu%d", index))
	c, err := resourcecontrol.NewResourceController(path, &specs.LinuxResources{})
	if err != nil {
		return fmt.Errorf("operation-failed: creating vcpu%d cgroup: %w", index, err)
	}
	if err := c.AddProcess(pid); err != nil {
		return fmt.Errorf("operation-failed: adding vcpu%d pid %d: %w", index, pid, err)
	}
	h.vcpus[index] = c
	return nil
}

// AddIOThread is AddVcpu's analogue for iothreads, which are 1-indexed
// per spec §4.3.
func (h *Handle) AddIOThread(index int, pid int, hypervisorPID int) error {
	if index < 1 {
		return fmt.Errorf("internal-error: iothread index must be 1-indexed, got %d", index)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.ensureEmulator(hypervisorPID); err != nil {
		return err
	}

	path := filepath.Join(h.root.ID(), fmt.Sprintf("iothread%d", index))
	c, err := resourcecontrol.NewResourceController(path, &specs.LinuxResources{})
	if err != nil {
		return fmt.Errorf("operation-failed: creating iothread%d cgroup: %w", index, err)
	}
	if err := c.AddProcess(pid); err != nil {
		return fmt.Errorf("operation-failed: adding iothread%d pid %d: %w", index, pid, err)
	}
	h.iothread[index] = c
	return nil
}

// eachThreadGroup calls fn for the emulator group and every vcpu/
// iothread sub-group; used by the cpuset.mems/CPU-quota appliers which
// must touch every thread-bearing sub-group uniformly.
func (h *Handle) eachThreadGroup(fn func(resourcecontrol.ResourceController) error) error {
	var groups []resourcecontrol.ResourceController
	if h.emulator != nil {
		groups = append(groups, h.emulator)
	}
	for _, c := range h.vcpus {
		groups = append(groups, c)
	}
	for _, c := range h.iothread {
		groups = append(groups, c)
	}
	for _, g := range groups {
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
