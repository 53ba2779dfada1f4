// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package migration

import (
	"context"
	"fmt"
	"io"

	"github.com/kata-containers/qemud/monitor"
)

// TunnelWriter is the destination-supplied sink for a tunneled
// migration: the migration stream is relayed over the management
// connection itself (e.g. an SSH-forwarded RPC channel) rather than a
// direct QEMU-to-QEMU socket, per spec §4.5 "Tunneled migration".
type TunnelWriter interface {
	io.WriteCloser
}

// TunnelSource registers one already-open descriptor with the
// hypervisor so a tunneled "migrate" can use it as an "fd:" URI. It
// copies no bytes itself and starts no goroutine.
type TunnelSource struct {
	mon Monitor
	fd  int
}

// NewTunnelSource binds a tunnel source to an already-open descriptor
// fd that the caller has passed to the hypervisor via "getfd" before
// calling migrate with "fd:<name>".
func NewTunnelSource(mon Monitor, fd int) *TunnelSource {
	return &TunnelSource{mon: mon, fd: fd}
}

// Relay passes the descriptor to the hypervisor with "getfd" under
// fdName and returns "fd:<fdName>" for use as "migrate"'s URI. It does
// not read from or write to the descriptor; the read loop belongs to
// the caller (typically a net.FileConn wrapping fd).
func (t *TunnelSource) Relay(ctx context.Context, fdName string) (string, error) {
	fd := t.fd
	req := monitor.Request{
		Command: "getfd",
		Args:    map[string]interface{}{"fdname": fdName},
		FD:      &fd,
	}
	if _, err := t.mon.Send(ctx, req); err != nil {
		return "", fmt.Errorf("operation-failed: registering tunnel fd %s: %w", fdName, err)
	}
	return fmt.Sprintf("fd:%s", fdName), nil
}
