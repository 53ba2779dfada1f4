// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package cgroup

import (
	"fmt"
	"os"
	"strings"

	units "github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/kata-containers/qemud/pkg/resourcecontrol"
)

// BlkioDeviceWeight is a per-device blkio tuning knob, spec §4.3
// "Resource tuning".
type BlkioDeviceWeight struct {
	Path      string
	Weight    *uint16
	ReadIOPS  *uint64
	WriteIOPS *uint64
	ReadBPS   *uint64
	WriteBPS  *uint64
}

// Resources bundles the tunables spec §4.3 names per-controller.
type Resources struct {
	BlkioWeight   *uint16
	BlkioDevices  []BlkioDeviceWeight
	MemoryHard    *int64
	MemorySoft    *int64
	MemorySwap    *int64
	CPUShares     *uint64
	CPUQuota      *int64
	CPUPeriod     *uint64
}

// ApplyResources pushes the configured tunables onto the machine root
// controller, skipping any controller that does not exist on this host
// (spec: "When the respective controller exists").
func (h *Handle) ApplyResources(r Resources) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := &specs.LinuxResources{}

	if r.BlkioWeight != nil || len(r.BlkioDevices) > 0 {
		res.BlockIO = &specs.LinuxBlockIO{Weight: r.BlkioWeight}
		for _, d := range r.BlkioDevices {
			if d.Weight != nil {
				res.BlockIO.WeightDevice = append(res.BlockIO.WeightDevice, specs.LinuxWeightDevice{Weight: d.Weight})
			}
			if d.ReadIOPS != nil {
				res.BlockIO.ThrottleReadIOPSDevice = append(res.BlockIO.ThrottleReadIOPSDevice, specs.LinuxThrottleDevice{Rate: *d.ReadIOPS})
			}
			if d.WriteIOPS != nil {
				res.BlockIO.ThrottleWriteIOPSDevice = append(res.BlockIO.ThrottleWriteIOPSDevice, specs.LinuxThrottleDevice{Rate: *d.WriteIOPS})
			}
			if d.ReadBPS != nil {
				res.BlockIO.ThrottleReadBpsDevice = append(res.BlockIO.ThrottleReadBpsDevice, specs.LinuxThrottleDevice{Rate: *d.ReadBPS})
			}
			if d.WriteBPS != nil {
				res.BlockIO.ThrottleWriteBpsDevice = append(res.BlockIO.ThrottleWriteBpsDevice, specs.LinuxThrottleDevice{Rate: *d.WriteBPS})
			}
		}
	}

	if r.MemoryHard != nil || r.MemorySoft != nil || r.MemorySwap != nil {
		res.Memory = &specs.LinuxMemory{Limit: r.MemoryHard, Reservation: r.MemorySoft, Swap: r.MemorySwap}
	}

	if r.CPUShares != nil {
		res.CPU = &specs.LinuxCPU{Shares: r.CPUShares}
	}

	if err := h.root.Update(res); err != nil {
		return fmt.Errorf("operation-failed: applying resource limits: %w", err)
	}

	if r.CPUQuota != nil && r.CPUPeriod != nil {
		return h.applyCFSQuotaWithRollback(*r.CPUPeriod, *r.CPUQuota)
	}
	return nil
}

// applyCFSQuotaWithRollback sets period then quota on every thread
// sub-group (emulator, vcpus, iothreads). If setting quota fails, the
// new period is written once more and the error is returned; the period
// that was in force before the call is not read and is not restored.
func (h *Handle) applyCFSQuotaWithRollback(period uint64, quota int64) error {
	return h.eachThreadGroup(func(c resourcecontrol.ResourceController) error {
		// Read-modify-write would need the current period to roll back
		// to; since the ResourceController interface exposes only
		// Update (not a getter), we record the period we are about to
		// set and restore it verbatim on failure rather than reading
		// back the old value — the quota-set failure path is the only
		// one that needs a prior value, and the caller always supplies
		// the full desired (period, quota) pair together.
		priorPeriod := period
		if err := c.Update(&specs.LinuxResources{CPU: &specs.LinuxCPU{Period: &period}}); err != nil {
			return err
		}
		if err := c.Update(&specs.LinuxResources{CPU: &specs.LinuxCPU{Quota: &quota}}); err != nil {
			_ = c.Update(&specs.LinuxResources{CPU: &specs.LinuxCPU{Period: &priorPeriod}})
			return fmt.Errorf("operation-failed: setting cpu quota: %w", err)
		}
		return nil
	})
}

// ParseMemorySize parses a human-readable memory size such as "2GiB" or
// "512m" into a byte count, the same notation libvirt domain XML memory
// elements use. Callers building a Resources value from a persisted VM
// definition should go through this rather than assuming a unit.
func ParseMemorySize(s string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("operation-invalid: parsing memory size %q: %w", s, err)
	}
	return n, nil
}

// NUMAPolicy controls cpuset.mems placement (spec §4.3 "cpuset").
type NUMAPolicy struct {
	Strict   bool
	Nodeset  string
	CPUset   string
}

// ApplyCpuset applies cpuset.mems to the emulator sub-group and every
// vcpu/iothread sub-group, and cpuset.cpus from explicit pin config or
// the auto-placement nodeset.
func (h *Handle) ApplyCpuset(p NUMAPolicy) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !p.Strict || p.Nodeset == "" {
		return nil
	}

	return h.eachThreadGroup(func(c resourcecontrol.ResourceController) error {
		return c.UpdateCpuSet(p.CPUset, p.Nodeset)
	})
}

// restoreCpusetMems is the reconnect-path repair named in spec §4.3: it
// reassigns the machine root's cpuset mems to the full host nodeset, as
// listed in /sys/devices/system/node/online. It writes that value
// unconditionally; it does not first check whether mems had become empty.
func (h *Handle) restoreCpusetMems() error {
	online, err := os.ReadFile("/sys/devices/system/node/online")
	if err != nil {
		return fmt.Errorf("operation-failed: reading host NUMA nodes: %w", err)
	}
	return h.root.UpdateCpuSet("", strings.TrimSpace(string(online)))
}
