//go:build linux

// Copyright (c) 2021-2022 Apple Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package resourcecontrol

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/containerd/cgroups"
	cgroupsv2 "github.com/containerd/cgroups/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// cgroup v2 mount point
const unifiedMountpoint = "/sys/fs/cgroup"

// validCgroupPath normalizes and validates a VM cgroup path. C3 only
// ever builds plain cgroupfs paths rooted under the configured machine
// partition (spec §3 "Cgroup handle", §6 "Cgroup layout"), never a
// systemd slice:prefix:name triple, so there is no driver-selection
// branch to make here the way a container-runtime cgroup path builder
// needs.
func validCgroupPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("cgroup path %q must be absolute", path)
	}
	return filepath.Clean(path), nil
}

// deviceToLinuxDevice stats a host device node and builds the rwm allow
// rule for it, used by AddDevice/RemoveDevice to extend a controller's
// device list after creation (e.g. a host device assigned to an already
// running VM). The bulk whitelist-protocol case builds its device list
// up front instead; see cgroup/devices.go's own deviceRule, which does
// the same stat+major/minor extraction independently for that path.
func deviceToLinuxDevice(path string) (specs.LinuxDeviceCgroup, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return specs.LinuxDeviceCgroup{}, err
	}

	var typ string
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		typ = "c"
	case unix.S_IFBLK:
		typ = "b"
	default:
		return specs.LinuxDeviceCgroup{}, fmt.Errorf("unsupported device type for %s", path)
	}

	major := int64(unix.Major(uint64(st.Rdev)))
	minor := int64(unix.Minor(uint64(st.Rdev)))
	return specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   typ,
		Major:  &major,
		Minor:  &minor,
		Access: "rwm",
	}, nil
}

// LinuxCgroup wraps either a v1 or v2 cgroup handle behind the
// ResourceController interface, dispatching on the concrete type held
// in cgroup at each call.
type LinuxCgroup struct {
	cgroup  interface{}
	path    string
	cpusets *specs.LinuxCPU
	devices []specs.LinuxDeviceCgroup

	sync.Mutex
}

// NewResourceController creates the cgroup at path with resources
// applied, using whichever of v1/v2 the host kernel is running.
func NewResourceController(path string, resources *specs.LinuxResources) (ResourceController, error) {
	cgroupPath, err := validCgroupPath(path)
	if err != nil {
		return nil, err
	}

	var cg interface{}
	switch {
	case cgroups.Mode() == cgroups.Legacy || cgroups.Mode() == cgroups.Hybrid:
		cg, err = cgroups.New(cgroups.V1, cgroups.StaticPath(cgroupPath), resources)
	case cgroups.Mode() == cgroups.Unified:
		cg, err = cgroupsv2.NewManager(unifiedMountpoint, cgroupPath, cgroupsv2.ToResources(resources))
	default:
		return nil, ErrCgroupMode
	}
	if err != nil {
		return nil, err
	}

	return &LinuxCgroup{
		path:    cgroupPath,
		devices: resources.Devices,
		cpusets: resources.CPU,
		cgroup:  cg,
	}, nil
}

// LoadResourceController reattaches to an already-existing cgroup at
// path, used by the C3 reconnect path after a daemon restart (spec
// §4.3 "Restore on reconnect").
func LoadResourceController(path string) (ResourceController, error) {
	cgroupPath, err := validCgroupPath(path)
	if err != nil {
		return nil, err
	}

	var cg interface{}
	switch {
	case cgroups.Mode() == cgroups.Legacy || cgroups.Mode() == cgroups.Hybrid:
		cg, err = cgroups.Load(cgroups.V1, cgroups.StaticPath(cgroupPath))
	case cgroups.Mode() == cgroups.Unified:
		cg, err = cgroupsv2.LoadManager(unifiedMountpoint, cgroupPath)
	default:
		return nil, ErrCgroupMode
	}
	if err != nil {
		return nil, err
	}

	return &LinuxCgroup{path: cgroupPath, cgroup: cg}, nil
}

func (c *LinuxCgroup) Logger() *logrus.Entry {
	return controllerLogger.WithField("source", "cgroups")
}

func (c *LinuxCgroup) Delete() error {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.Delete()
	case *cgroupsv2.Manager:
		return cg.Delete()
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) Stat() (interface{}, error) {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.Stat(cgroups.IgnoreNotExist)
	case *cgroupsv2.Manager:
		return cg.Stat()
	default:
		return nil, ErrCgroupMode
	}
}

func (c *LinuxCgroup) AddProcess(pid int, subsystems ...string) error {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.AddProc(uint64(pid))
	case *cgroupsv2.Manager:
		return cg.AddProc(uint64(pid))
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) AddThread(pid int, subsystems ...string) error {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.AddTask(cgroups.Process{Pid: pid})
	case *cgroupsv2.Manager:
		return cg.AddProc(uint64(pid))
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) Update(resources *specs.LinuxResources) error {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.Update(resources)
	case *cgroupsv2.Manager:
		return cg.Update(cgroupsv2.ToResources(resources))
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) MoveTo(path string) error {
	cgroupPath, err := validCgroupPath(path)
	if err != nil {
		return err
	}

	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		newCgroup, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(cgroupPath))
		if err != nil {
			return err
		}
		return cg.MoveTo(newCgroup)
	case *cgroupsv2.Manager:
		newCgroup, err := cgroupsv2.LoadManager(unifiedMountpoint, cgroupPath)
		if err != nil {
			return err
		}
		return cg.MoveTo(newCgroup)
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) AddDevice(deviceHostPath string) error {
	rule, err := deviceToLinuxDevice(deviceHostPath)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()
	c.devices = append(c.devices, rule)

	return c.applyDevicesLocked()
}

func (c *LinuxCgroup) RemoveDevice(deviceHostPath string) error {
	rule, err := deviceToLinuxDevice(deviceHostPath)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	for i, d := range c.devices {
		if d.Type == rule.Type &&
			d.Major != nil && rule.Major != nil && *d.Major == *rule.Major &&
			d.Minor != nil && rule.Minor != nil && *d.Minor == *rule.Minor {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			break
		}
	}

	return c.applyDevicesLocked()
}

// applyDevicesLocked re-pushes the accumulated device list; callers must
// hold c's lock.
func (c *LinuxCgroup) applyDevicesLocked() error {
	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.Update(&specs.LinuxResources{Devices: c.devices})
	case *cgroupsv2.Manager:
		return cg.Update(cgroupsv2.ToResources(&specs.LinuxResources{Devices: c.devices}))
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) UpdateCpuSet(cpuset, memset string) error {
	c.Lock()
	defer c.Unlock()

	if c.cpusets == nil {
		c.cpusets = &specs.LinuxCPU{}
	}
	if len(cpuset) > 0 {
		c.cpusets.Cpus = cpuset
	}
	if len(memset) > 0 {
		c.cpusets.Mems = memset
	}

	switch cg := c.cgroup.(type) {
	case cgroups.Cgroup:
		return cg.Update(&specs.LinuxResources{CPU: c.cpusets})
	case *cgroupsv2.Manager:
		return cg.Update(cgroupsv2.ToResources(&specs.LinuxResources{CPU: c.cpusets}))
	default:
		return ErrCgroupMode
	}
}

func (c *LinuxCgroup) Type() ResourceControllerType {
	return LinuxCgroups
}

func (c *LinuxCgroup) ID() string {
	return c.path
}

func (c *LinuxCgroup) Parent() string {
	return filepath.Dir(c.path)
}
