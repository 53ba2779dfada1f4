// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package monitor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// writeWithFD writes data as the request body, attaching fd as a
// single SCM_RIGHTS ancillary message on the first (and only) write of
// this request, per spec §4.1. Only valid on UNIX-socket channels;
// Send already rejects fd-passing on any other transport.
func (c *Channel) writeWithFD(data []byte, fd int) error {
	unixConn, ok := c.conn.(*net.UnixConn)
	if !ok {
		return ErrUnsupported
	}

	raw, err := unixConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("internal-error: %w", err)
	}

	oob := unix.UnixRights(fd)
	var sendErr error
	ctrlErr := raw.Write(func(sockFD uintptr) bool {
		sendErr = unix.Sendmsg(int(sockFD), data, oob, nil, 0)
		return sendErr != unix.EAGAIN
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sendErr
}
