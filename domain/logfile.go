// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LogPath returns the per-VM append-only log path, spec §6 "Log file":
// "<log-dir>/<name>.log".
func LogPath(logDir, name string) string {
	return filepath.Join(logDir, name+".log")
}

// OpenLog opens (creating if needed) the VM's log file with O_APPEND
// always set, per spec §6's note that this is required to satisfy
// security-context restrictions (an SELinux/AppArmor policy that
// permits append-only access to a log file would reject an O_TRUNC or
// a non-append write). When truncate is true, the file is additionally
// truncated to zero length via an explicit ftruncate(0) rather than
// O_TRUNC at open time, keeping the two operations distinct the way
// the spec requires.
func OpenLog(logDir, name string, truncate bool) (*os.File, error) {
	path := LogPath(logDir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
	if err != nil {
		return nil, Wrap(err, OperationFailed, "opening domain log file")
	}
	if truncate {
		if err := unix.Ftruncate(int(f.Fd()), 0); err != nil {
			f.Close()
			return nil, Wrap(err, OperationFailed, "truncating domain log file")
		}
	}
	return f, nil
}

// AppendTaintNotice writes a daemon-emitted notice line to the VM's
// already-open log file, used to record non-fatal configuration taints
// (e.g. a deprecated device model) alongside the hypervisor's own
// stdout/stderr capture.
func AppendTaintNotice(f *os.File, notice string) error {
	_, err := f.WriteString("qemud: " + notice + "\n")
	if err != nil {
		return Wrap(err, OperationFailed, "appending taint notice to log file")
	}
	return nil
}
