// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"fmt"

	"github.com/kata-containers/qemud/monitor"
)

// ControllerKind names a bus controller that may need to be created
// on demand before a device can be attached to it, per spec §4.4
// "Controller auto-creation".
type ControllerKind string

const (
	ControllerVirtioSCSI ControllerKind = "virtio-scsi-pci"
	ControllerUSB        ControllerKind = "nec-usb-xhci"
	ControllerPCIeRoot   ControllerKind = "pcie-root-port"
)

// ControllerSet tracks which controllers already exist on the domain so
// EnsureController only creates one the first time it's needed.
type ControllerSet struct {
	present map[ControllerKind]string
}

// NewControllerSet returns an empty set.
func NewControllerSet() *ControllerSet {
	return &ControllerSet{present: map[ControllerKind]string{}}
}

// EnsureController creates kind's controller device if it doesn't
// already exist, returning its QOM id either way.
func (s *ControllerSet) EnsureController(ctx context.Context, ch Attacher, kind ControllerKind, id string, args map[string]interface{}) (string, error) {
	if existing, ok := s.present[kind]; ok {
		return existing, nil
	}

	addArgs := map[string]interface{}{"driver": string(kind), "id": id}
	for k, v := range args {
		addArgs[k] = v
	}
	if _, err := ch.Send(ctx, monitor.Request{Command: "device_add", Args: addArgs}); err != nil {
		return "", fmt.Errorf("operation-failed: creating controller %s: %w", kind, err)
	}
	s.present[kind] = id
	return id, nil
}

// NICConfig is the portion of an attached NIC's configuration that
// ClassifyNICUpdate compares old against new to classify the live
// update it requires, per spec §4.4 "NIC update"'s closed attribute
// list. MAC and Model are included only to detect a change that is not
// on the closed list at all, forcing a full reconnect.
type NICConfig struct {
	MAC          string
	Model        string
	Bridge       string
	Filter       string
	Password     string
	LinkUp       bool
	BandwidthIn  int
	BandwidthOut int
}

// NICUpdateKind is the outcome of classifying an old-vs-new NICConfig
// comparison into spec §4.4's closed set of live-update kinds.
type NICUpdateKind int

const (
	NICUpdateNone NICUpdateKind = iota
	NICUpdateLinkStateOnly
	NICUpdatePasswordOnly
	NICUpdateBridgeChange
	NICUpdateFilterChange
	NICUpdateBandwidthChange
	NICUpdateFullReconnect
)

func (k NICUpdateKind) String() string {
	switch k {
	case NICUpdateNone:
		return "none"
	case NICUpdateLinkStateOnly:
		return "link-state-only"
	case NICUpdatePasswordOnly:
		return "password-only"
	case NICUpdateBridgeChange:
		return "bridge-change"
	case NICUpdateFilterChange:
		return "filter-change"
	case NICUpdateBandwidthChange:
		return "bandwidth-change"
	case NICUpdateFullReconnect:
		return "full-reconnect"
	default:
		return "unknown"
	}
}

// ClassifyNICUpdate compares old against new on the closed attribute
// list spec §4.4 "NIC update" names and returns the single live-update
// action required. A MAC or model change is not on that list at all
// and always forces a full reconnect. When several attributes differ
// at once, the most disruptive change wins, consistent with "full
// reconnect" always taking priority over any in-place update.
func ClassifyNICUpdate(old, updated NICConfig) NICUpdateKind {
	if old.MAC != updated.MAC || old.Model != updated.Model {
		return NICUpdateFullReconnect
	}
	switch {
	case old.Bridge != updated.Bridge:
		return NICUpdateBridgeChange
	case old.Filter != updated.Filter:
		return NICUpdateFilterChange
	case old.BandwidthIn != updated.BandwidthIn || old.BandwidthOut != updated.BandwidthOut:
		return NICUpdateBandwidthChange
	case old.Password != updated.Password:
		return NICUpdatePasswordOnly
	case old.LinkUp != updated.LinkUp:
		return NICUpdateLinkStateOnly
	default:
		return NICUpdateNone
	}
}

// ApplyNICUpdate classifies old against new and, for the
// monitor-driven kinds, issues the QMP command the classification
// requires. Bridge/filter/bandwidth/password changes are host-side
// reconfigurations with no QMP command of their own; the caller is
// expected to apply those against the host network stack once it sees
// the returned kind. A full-reconnect classification is refused
// outright, matching spec §4.4's "a full reconnect is not implemented
// live; it is refused."
func ApplyNICUpdate(ctx context.Context, ch Attacher, deviceID string, old, updated NICConfig) (NICUpdateKind, error) {
	kind := ClassifyNICUpdate(old, updated)
	if kind == NICUpdateFullReconnect {
		return kind, fmt.Errorf("operation-unsupported: NIC %s requires a full detach/re-attach, not implemented live", deviceID)
	}
	if kind == NICUpdateLinkStateOnly {
		if _, err := ch.Send(ctx, monitor.Request{Command: "set_link", Args: map[string]interface{}{"name": deviceID, "up": updated.LinkUp}}); err != nil {
			return kind, fmt.Errorf("operation-failed: set_link %s: %w", deviceID, err)
		}
	}
	return kind, nil
}

// GraphicsConfig is an attached display's configuration.
// ApplyGraphicsUpdate rejects a change to any field but Password,
// PasswordExpiry and PasswordOnConnectedAction, per spec §4.4
// "Graphics update".
type GraphicsConfig struct {
	ListenAddr                string
	Keymap                    string
	Width, Height             int
	Password                  string
	PasswordExpiry            string
	PasswordOnConnectedAction string
}

// ApplyGraphicsUpdate rejects any attempted change to geometry, keymap
// or listen address, then issues set_password/expire_password for
// whichever of the three mutable properties actually changed.
func ApplyGraphicsUpdate(ctx context.Context, ch Attacher, protocol string, old, updated GraphicsConfig) error {
	if old.ListenAddr != updated.ListenAddr {
		return fmt.Errorf("operation-unsupported: graphics listen address cannot be changed live")
	}
	if old.Keymap != updated.Keymap {
		return fmt.Errorf("operation-unsupported: graphics keymap cannot be changed live")
	}
	if old.Width != updated.Width || old.Height != updated.Height {
		return fmt.Errorf("operation-unsupported: graphics geometry cannot be changed live")
	}

	if old.Password != updated.Password || old.PasswordOnConnectedAction != updated.PasswordOnConnectedAction {
		args := map[string]interface{}{"protocol": protocol, "password": updated.Password}
		if updated.PasswordOnConnectedAction != "" {
			args["connected"] = updated.PasswordOnConnectedAction
		}
		if _, err := ch.Send(ctx, monitor.Request{Command: "set_password", Args: args}); err != nil {
			return fmt.Errorf("operation-failed: set_password: %w", err)
		}
	}

	if old.PasswordExpiry != updated.PasswordExpiry {
		if _, err := ch.Send(ctx, monitor.Request{Command: "expire_password", Args: map[string]interface{}{"protocol": protocol, "time": updated.PasswordExpiry}}); err != nil {
			return fmt.Errorf("operation-failed: expire_password: %w", err)
		}
	}
	return nil
}
