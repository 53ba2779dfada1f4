// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package cgroup

import (
	"fmt"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/qemud/pkg/resourcecontrol"
)

// fakeController is an in-memory resourcecontrol.ResourceController that
// tracks the cumulative device-rule state resulting from a sequence of
// Update calls, so the whitelist protocol's on-disk effect can be
// asserted without a real cgroup filesystem.
type fakeController struct {
	id      string
	devices map[string]specs.LinuxDeviceCgroup // keyed by "type:major:minor"
}

func newFakeController(id string) *fakeController {
	return &fakeController{id: id, devices: map[string]specs.LinuxDeviceCgroup{}}
}

func ruleKey(r specs.LinuxDeviceCgroup) string {
	var major, minor int64 = -1, -1
	if r.Major != nil {
		major = *r.Major
	}
	if r.Minor != nil {
		minor = *r.Minor
	}
	return fmt.Sprintf("%s:%d:%d", r.Type, major, minor)
}

func (f *fakeController) Type() resourcecontrol.ResourceControllerType { return resourcecontrol.LinuxCgroups }
func (f *fakeController) ID() string                                   { return f.id }
func (f *fakeController) Parent() string                               { return "" }
func (f *fakeController) Delete() error                                { return nil }
func (f *fakeController) Stat() (interface{}, error)                   { return nil, nil }
func (f *fakeController) AddProcess(int, ...string) error              { return nil }
func (f *fakeController) AddThread(int, ...string) error                { return nil }
func (f *fakeController) MoveTo(string) error                          { return nil }
func (f *fakeController) AddDevice(string) error                       { return nil }
func (f *fakeController) RemoveDevice(string) error                    { return nil }
func (f *fakeController) UpdateCpuSet(string, string) error            { return nil }

func (f *fakeController) Update(res *specs.LinuxResources) error {
	if res == nil {
		return nil
	}
	for _, rule := range res.Devices {
		key := ruleKey(rule)
		if !rule.Allow {
			delete(f.devices, key)
			continue
		}
		f.devices[key] = rule
	}
	return nil
}

func newTestHandle() (*Handle, *fakeController) {
	fc := newFakeController("/machine/test.libvirt-qemu")
	return &Handle{
		name:     "test",
		root:     fc,
		vcpus:    map[int]resourcecontrol.ResourceController{},
		iothread: map[int]resourcecontrol.ResourceController{},
	}, fc
}

func TestSetupTeardownDiskCgroupIsIdempotent(t *testing.T) {
	h, fc := newTestHandle()

	chain := []DiskNode{
		{Path: "/dev/null", Local: true, ReadOnly: false},
	}

	before := len(fc.devices)

	require.NoError(t, h.SetupDiskCgroup(chain))
	assert.Greater(t, len(fc.devices), before, "setup should add at least one allow rule")

	require.NoError(t, h.TeardownDiskCgroup(chain))
	assert.Equal(t, before, len(fc.devices), "teardown should restore devices.list to its pre-setup state")
}

func TestOnlyTopOfChainIsWritable(t *testing.T) {
	h, fc := newTestHandle()

	// /dev/null and /dev/zero are distinct device nodes so each chain
	// entry resolves to its own rule key.
	chain := []DiskNode{
		{Path: "/dev/null", Local: true, ReadOnly: false},
		{Path: "/dev/zero", Local: true, ReadOnly: false},
	}

	require.NoError(t, h.setupDiskChain(chain))

	topRule, err := deviceRule("/dev/null", "w")
	require.NoError(t, err)
	backingRule, err := deviceRule("/dev/zero", "w")
	require.NoError(t, err)

	// Every local node gets a read rule under its key, so writability is
	// read from the stored rule's access string, not from key presence.
	topWritable := strings.Contains(fc.devices[ruleKey(*topRule)].Access, "w")
	backingWritable := strings.Contains(fc.devices[ruleKey(*backingRule)].Access, "w")

	assert.True(t, topWritable, "the top node of the backing chain must be writable")
	assert.False(t, backingWritable, "non-top nodes of the backing chain must never be writable")
}

func TestSetupSkipsNonLocalNodes(t *testing.T) {
	h, fc := newTestHandle()
	chain := []DiskNode{
		{Path: "nbd://example/export", Local: false},
	}
	require.NoError(t, h.setupDiskChain(chain))
	assert.Empty(t, fc.devices, "a non-local disk node must not produce any device rule")
}

func TestDenyAllWritesDenyEverythingRule(t *testing.T) {
	h, fc := newTestHandle()
	require.NoError(t, h.denyAll())
	assert.Empty(t, fc.devices, "a deny rule must not show up as an allowed device")
}
