// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package monitor

import (
	"context"
	"sync"
)

// Capabilities caches the hypervisor-reported supported options for one
// channel, queried lazily and cheaply re-used across calls. Capability-
// gated behavior (spec §9 design notes) must consult this cache and
// fail with operation-unsupported rather than silently falling back.
type Capabilities struct {
	mu      sync.Mutex
	queried map[string]bool
}

// NewCapabilities constructs an empty capability cache.
func NewCapabilities() *Capabilities {
	return &Capabilities{queried: map[string]bool{}}
}

// Supports reports whether the given migration/device capability name
// was previously recorded as supported via Record.
func (c *Capabilities) Supports(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queried[name]
}

// Record stores the outcome of a capability probe (e.g. the result of
// a "query-command-line-options" or a best-effort enabling attempt).
func (c *Capabilities) Record(name string, supported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queried[name] = supported
}

// QueryBalloonQOMPath discovers and caches the QOM path to the balloon
// device, as a one-shot lookup (the "ballooninit" flag of spec §4.3
// domain private data). Open Question (a) in spec.md leaves unresolved
// whether this path can go stale across hypervisor-internal hot-reorg
// events; DESIGN.md records the decision taken here: treat the cached
// path as valid for the VM's lifetime and never re-query it once set,
// matching the original implementation's behavior rather than guessing
// at an invalidation scheme it does not specify.
func (c *Channel) QueryBalloonQOMPath(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.ballooninit {
		path := c.balloonQOMPath
		c.mu.Unlock()
		return path, nil
	}
	c.mu.Unlock()

	reply, err := c.Send(ctx, Request{
		Command: "qom-list",
		Args:    map[string]interface{}{"path": "/machine/peripheral"},
	})
	if err != nil {
		return "", err
	}

	path := extractBalloonPath(reply.Return)

	c.mu.Lock()
	c.balloonQOMPath = path
	c.ballooninit = true
	c.mu.Unlock()

	return path, nil
}

func extractBalloonPath(v interface{}) string {
	items, ok := v.([]interface{})
	if !ok {
		return ""
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if typ, _ := m["type"].(string); typ == "child<virtio-balloon-pci>" || typ == "child<virtio-balloon-device>" {
			name, _ := m["name"].(string)
			return "/machine/peripheral/" + name
		}
	}
	return ""
}
