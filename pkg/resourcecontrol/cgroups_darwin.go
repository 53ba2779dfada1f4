// Copyright (c) 2022 Apple Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package resourcecontrol

import (
	"github.com/opencontainers/runtime-spec/specs-go"
)

// DarwinResourceController is a no-op ResourceController for hosts
// without a cgroups-capable kernel; C3's cgroup.Handle becomes a set of
// these rather than failing to construct when cgroups are unavailable.
type DarwinResourceController struct{}

func NewResourceController(path string, resources *specs.LinuxResources) (ResourceController, error) {
	return &DarwinResourceController{}, nil
}

func LoadResourceController(path string) (ResourceController, error) {
	return &DarwinResourceController{}, nil
}

func (c *DarwinResourceController) Delete() error {
	return nil
}

func (c *DarwinResourceController) Stat() (interface{}, error) {
	return nil, nil
}

func (c *DarwinResourceController) AddProcess(pid int, subsystems ...string) error {
	return nil
}

func (c *DarwinResourceController) AddThread(pid int, subsystems ...string) error {
	return nil
}

func (c *DarwinResourceController) Update(resources *specs.LinuxResources) error {
	return nil
}

func (c *DarwinResourceController) MoveTo(path string) error {
	return nil
}

func (c *DarwinResourceController) ID() string {
	return ""
}

func (c *DarwinResourceController) Parent() string {
	return ""
}

func (c *DarwinResourceController) Type() ResourceControllerType {
	return DarwinResourceControllerType
}

func (c *DarwinResourceController) AddDevice(deviceHostPath string) error {
	return nil
}

func (c *DarwinResourceController) RemoveDevice(deviceHostPath string) error {
	return nil
}

func (c *DarwinResourceController) UpdateCpuSet(cpuset, memset string) error {
	return nil
}
