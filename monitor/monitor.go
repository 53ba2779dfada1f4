// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

// Package monitor implements the control-link transport to a single QEMU
// hypervisor process: framing of the QMP line protocol, request/reply
// correlation, unsolicited event dispatch, and SCM_RIGHTS descriptor
// passing. It is the component C1 of the qemud control plane.
package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var monitorLog = logrus.WithField("source", "monitor")

// SetLogger overrides the package-wide logger, preserving any fields
// already attached to it.
func SetLogger(logger *logrus.Entry) {
	fields := monitorLog.Data
	monitorLog = logger.WithFields(fields)
}

// Transport identifies the wire transport underneath a Channel.
type Transport int

const (
	// TransportUnix is a connecting UNIX domain socket, the default for
	// a modern QEMU instance launched with "-qmp unix:<path>,server".
	TransportUnix Transport = iota
	// TransportPty is a pre-opened pseudo-terminal, used for the legacy
	// human monitor protocol.
	TransportPty
)

// Protocol identifies the framing and command syntax spoken over the
// transport.
type Protocol int

const (
	// ProtocolJSON is the structured QMP line protocol.
	ProtocolJSON Protocol = iota
	// ProtocolText is the line-oriented HMP protocol, kept only for
	// legacy QEMU builds that never enabled QMP.
	ProtocolText
)

// Config controls how a Channel is opened.
type Config struct {
	// Path is the UNIX socket path or pty device node.
	Path string
	// Transport selects the underlying byte stream.
	Transport Transport
	// Protocol selects the framing.
	Protocol Protocol
	// HypervisorPID is used to bound the connect-retry loop: once the
	// process has exited there is no point in continuing to retry.
	HypervisorPID int
	// ConnectTimeout bounds how long Open will retry a refused
	// connection while the hypervisor process is still starting.
	ConnectTimeout time.Duration
	// LogFile, if set, is mined for a trailing "error" excerpt when the
	// channel fails, per spec §4.1.
	LogFile string
	// MaxBufferSize sets the size of the channel's buffered reader;
	// zero or less means 64 KiB.
	MaxBufferSize int
}

// EventCallbacks is the set of handlers a caller may register for
// unsolicited hypervisor events (spec §4.1). Every handler is optional;
// nil handlers are simply not invoked. Handlers run outside the monitor
// lock with a reference held on the channel, so they may issue further
// monitor calls.
type EventCallbacks struct {
	Shutdown         func(ev Event)
	Reset            func(ev Event)
	Powerdown        func(ev Event)
	Stop             func(ev Event)
	Resume           func(ev Event)
	GuestPanic       func(ev Event)
	Watchdog         func(ev Event)
	IOError          func(ev Event)
	Graphics         func(ev Event)
	TrayChange       func(ev Event)
	PMWake           func(ev Event)
	PMSuspend        func(ev Event)
	PMSuspendDisk    func(ev Event)
	RTCChange        func(ev Event)
	BlockJobComplete func(ev Event)
	BalloonChange    func(ev Event)
	DeviceDeleted    func(ev Event)
	NICRxFilter      func(ev Event)
	SerialChange     func(ev Event)
	// Unknown is invoked for any event name not in the table above so
	// that callers are never silently dropped on the floor.
	Unknown func(ev Event)
}

// dispatch maps a wire event name to the EventCallbacks field that
// handles it, falling back to Unknown for any other name.
func (cb EventCallbacks) dispatch(name string) func(ev Event) {
	switch name {
	case "SHUTDOWN":
		return cb.Shutdown
	case "RESET":
		return cb.Reset
	case "POWERDOWN":
		return cb.Powerdown
	case "STOP":
		return cb.Stop
	case "RESUME":
		return cb.Resume
	case "GUEST_PANICKED":
		return cb.GuestPanic
	case "WATCHDOG":
		return cb.Watchdog
	case "BLOCK_IO_ERROR":
		return cb.IOError
	case "VNC_CONNECTED", "VNC_DISCONNECTED", "SPICE_CONNECTED", "SPICE_DISCONNECTED":
		return cb.Graphics
	case "DEVICE_TRAY_MOVED":
		return cb.TrayChange
	case "WAKEUP":
		return cb.PMWake
	case "SUSPEND":
		return cb.PMSuspend
	case "SUSPEND_DISK":
		return cb.PMSuspendDisk
	case "RTC_CHANGE":
		return cb.RTCChange
	case "BLOCK_JOB_COMPLETED":
		return cb.BlockJobComplete
	case "BALLOON_CHANGE":
		return cb.BalloonChange
	case "DEVICE_DELETED":
		return cb.DeviceDeleted
	case "NIC_RX_FILTER_CHANGED":
		return cb.NICRxFilter
	case "CHR_EVENT":
		return cb.SerialChange
	default:
		return cb.Unknown
	}
}

// Event is an unsolicited message delivered by the hypervisor.
type Event struct {
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Request is a single command sent to the hypervisor.
type Request struct {
	// Command is the QMP "execute" name, or the HMP command line for a
	// text-protocol channel.
	Command string
	// Args is marshalled as the QMP "arguments" object; ignored for the
	// text protocol.
	Args map[string]interface{}
	// FD, if non-nil, is passed as a single SCM_RIGHTS ancillary
	// descriptor alongside the request. UNIX-socket channels only.
	FD *int
}

// Reply carries the correlated response to a Request.
type Reply struct {
	Serial  uint64
	Return  interface{}
	IsError bool
	ErrText string
}

// ErrSticky wraps a fatal channel fault. Once a Channel fails, every
// subsequent Send returns the same ErrSticky without touching the wire.
type ErrSticky struct {
	Cause error
}

func (e *ErrSticky) Error() string {
	return fmt.Sprintf("monitor channel failed: %v", e.Cause)
}

func (e *ErrSticky) Unwrap() error { return e.Cause }

// ErrUnsupported is returned when a Send requests fd-passing on a
// transport that cannot carry it.
var ErrUnsupported = fmt.Errorf("operation-unsupported: descriptor passing requires a UNIX socket transport")

// inflight tracks the single outstanding request, per spec's "at most
// one in-flight request at a time" invariant.
type inflight struct {
	serial uint64
	replCh chan Reply
}

// Channel is a reference-counted handle to one hypervisor's control
// link. It is safe for concurrent use by multiple goroutines; Send
// serializes itself against any other in-flight Send.
type Channel struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	buf    *bufio.Reader
	cfg    Config
	cb     EventCallbacks
	serial uint64

	cur *inflight

	stickyErr error
	closed    bool

	jsonCapable bool
	capsSet     bool
	fdPassing   bool

	refs int32

	balloonQOMPath string
	ballooninit    bool

	closeOnce sync.Once
	readDone  chan struct{}
}

// Open establishes the channel, performing the transport-specific
// connect/retry dance and, for a JSON channel, consuming the bootstrap
// greeting before returning. The returned Channel has one reference;
// callers must Close it when done.
func Open(ctx context.Context, cfg Config, cb EventCallbacks) (*Channel, error) {
	conn, err := dial(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("operation-failed: connecting monitor transport: %w", err)
	}

	c := &Channel{
		conn:      conn,
		cfg:       cfg,
		cb:        cb,
		refs:      1,
		fdPassing: cfg.Transport == TransportUnix,
		readDone:  make(chan struct{}),
	}

	if cfg.Protocol == ProtocolJSON {
		greeting, err := c.readGreeting()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("operation-failed: reading monitor greeting: %w", err)
		}
		c.jsonCapable = true
		monitorLog.WithField("path", cfg.Path).Infof("monitor greeting: %v", greeting)
	}

	go c.readLoop()

	if c.jsonCapable && !c.capsSet {
		if err := c.negotiateCapabilities(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	return c, nil
}

// negotiateCapabilities issues "qmp_capabilities" exactly once per spec
// §4.1. A no-op on a text-protocol channel.
func (c *Channel) negotiateCapabilities(ctx context.Context) error {
	_, err := c.Send(ctx, Request{Command: "qmp_capabilities"})
	c.mu.Lock()
	c.capsSet = true
	c.mu.Unlock()
	return err
}

// Ref increments the reference count; event-dispatch goroutines hold a
// reference for the duration of a callback so Close can be observed as
// "still referenced" from inside a handler that re-enters the monitor.
func (c *Channel) Ref() { c.mu.Lock(); c.refs++; c.mu.Unlock() }

// Unref decrements the reference count.
func (c *Channel) Unref() {
	c.mu.Lock()
	c.refs--
	c.mu.Unlock()
}

// Close tears down the transport, wakes any blocked sender with a
// failure, and leaves a sticky error so every later Send fails the same
// way. If the channel had already failed, Close returns that earlier
// error (the spec's "thread-local error slot" is represented here
// simply as a returned error, since qemud has no implicit per-goroutine
// error slot); closing a healthy channel returns nil.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		err = c.stickyErr
		if c.stickyErr == nil {
			c.stickyErr = &ErrSticky{Cause: fmt.Errorf("operation-failed: monitor channel closed")}
		}
		sticky := c.stickyErr
		c.closed = true
		cur := c.cur
		c.cur = nil
		c.mu.Unlock()

		if cur != nil {
			cur.replCh <- Reply{IsError: true, ErrText: sticky.Error()}
		}
		_ = c.conn.Close()
		<-c.readDone
	})
	return err
}

// fail marks the channel permanently broken with the given cause. All
// channel faults are fatal to the channel (spec §4.1 "Failure
// semantics"): the caller is expected to decide, at a higher layer,
// whether the VM itself should be torn down.
func (c *Channel) fail(cause error) {
	c.mu.Lock()
	if c.stickyErr != nil {
		c.mu.Unlock()
		return
	}
	c.stickyErr = &ErrSticky{Cause: c.harvestError(cause)}
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()

	if cur != nil {
		cur.replCh <- Reply{IsError: true, ErrText: c.stickyErr.Error()}
	}
}

// Send blocks until the correlated reply arrives or the channel fails.
// Exactly one Send may be outstanding at a time; concurrent callers
// serialize behind c.mu.
func (c *Channel) Send(ctx context.Context, req Request) (Reply, error) {
	c.mu.Lock()
	if c.stickyErr != nil {
		err := c.stickyErr
		c.mu.Unlock()
		return Reply{}, err
	}
	if req.FD != nil && !c.fdPassing {
		c.mu.Unlock()
		return Reply{}, ErrUnsupported
	}
	for c.cur != nil {
		// Only one in-flight request is allowed; a racing Send call
		// waits for the slot rather than queueing at the wire level.
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return Reply{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		c.mu.Lock()
		if c.stickyErr != nil {
			err := c.stickyErr
			c.mu.Unlock()
			return Reply{}, err
		}
	}

	c.serial++
	serial := c.serial
	replCh := make(chan Reply, 1)
	c.cur = &inflight{serial: serial, replCh: replCh}
	c.mu.Unlock()

	if err := c.writeRequest(serial, req); err != nil {
		c.fail(err)
		return Reply{}, c.stickyErr
	}

	select {
	case reply := <-replCh:
		if reply.IsError && reply.Serial == 0 {
			// delivered by fail(): sticky error path.
			return Reply{}, c.stickyErr
		}
		if reply.IsError {
			return reply, fmt.Errorf("operation-failed: %s", reply.ErrText)
		}
		return reply, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

func (c *Channel) writeRequest(serial uint64, req Request) error {
	if !c.jsonCapable {
		// Text protocol: the wire format is just the HMP command line
		// followed by a newline; no id correlation is possible, so the
		// single-in-flight invariant alone provides correlation.
		_, err := io.WriteString(c.conn, req.Command+"\n")
		return err
	}

	payload := map[string]interface{}{
		"execute": req.Command,
		"id":      fmt.Sprintf("%d", serial),
	}
	if req.Args != nil {
		payload["arguments"] = req.Args
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("internal-error: marshalling request: %w", err)
	}
	data = append(data, '\n')

	if req.FD != nil {
		return c.writeWithFD(data, *req.FD)
	}
	_, err = c.conn.Write(data)
	return err
}
