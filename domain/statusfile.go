// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package domain

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/kata-containers/qemud/job"
)

// StatusFile is the on-disk shape of spec §6's "Persisted per-VM
// status file": enough to reconstruct a Domain's operationally
// relevant state after a daemon restart, without re-deriving it from
// the live hypervisor where that can be avoided.
type StatusFile struct {
	UUID          string   `toml:"uuid"`
	Name          string   `toml:"name"`
	MonitorPath   string   `toml:"monitor_path"`
	MonitorKind   string   `toml:"monitor_kind"`
	VCPUPids      []int    `toml:"vcpu_pids"`
	IOThreadPids  []int    `toml:"iothread_pids"`
	Capabilities  []string `toml:"capabilities"`
	LockState     string   `toml:"lock_state"`
	ActiveJob     string   `toml:"active_job"`
	AsyncJob      string   `toml:"async_job"`
	AsyncPhase    string   `toml:"async_phase"`
	FakeReboot    bool     `toml:"fake_reboot"`
	DeviceAliases []string `toml:"device_aliases"`
}

// StatusPath returns the per-VM status file path under dir.
func StatusPath(dir, name string) string {
	return filepath.Join(dir, name+".status")
}

// snapshotStatus builds a StatusFile from the domain's current state,
// the piece of the status file that changes on every tracked job
// transition.
func snapshotStatus(d *Domain, jobSnap job.Snapshot) StatusFile {
	d.mu.RLock()
	defer d.mu.RUnlock()

	caps := make([]string, 0, len(d.Priv.Capabilities))
	for name, supported := range d.Priv.Capabilities {
		if supported {
			caps = append(caps, name)
		}
	}

	vcpus := make([]int, 0, len(d.Priv.VCPUPids))
	for _, pid := range d.Priv.VCPUPids {
		vcpus = append(vcpus, pid)
	}
	iothreads := make([]int, 0, len(d.Priv.IOThreadPids))
	for _, pid := range d.Priv.IOThreadPids {
		iothreads = append(iothreads, pid)
	}

	return StatusFile{
		UUID:          d.UUID.String(),
		Name:          d.Name,
		VCPUPids:      vcpus,
		IOThreadPids:  iothreads,
		Capabilities:  caps,
		ActiveJob:     jobSnap.ActiveJob,
		AsyncJob:      jobSnap.AsyncJob,
		AsyncPhase:    jobSnap.PhaseName,
		DeviceAliases: append([]string(nil), d.Priv.DeviceAliases...),
	}
}

// WriteStatusAtomic serializes sf as TOML and atomically replaces path:
// write to a temp file in the same directory, fsync it, then rename
// over path, so a crash mid-write never leaves a torn status file
// behind (spec §6: "Atomically rewritten on every job transition").
func WriteStatusAtomic(path string, sf StatusFile) (retErr error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return Wrap(err, OperationFailed, "creating temporary status file")
	}
	tmpPath := tmp.Name()
	defer func() {
		preserveFirstError(&retErr, func() error {
			if retErr != nil {
				return os.Remove(tmpPath)
			}
			return nil
		})
	}()

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(sf); err != nil {
		tmp.Close()
		return Wrap(err, OperationFailed, "encoding status file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Wrap(err, OperationFailed, "fsyncing status file")
	}
	if err := tmp.Close(); err != nil {
		return Wrap(err, OperationFailed, "closing status file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Wrap(err, OperationFailed, "renaming status file into place")
	}
	return nil
}

// ReadStatus loads and decodes a status file written by
// WriteStatusAtomic.
func ReadStatus(path string) (StatusFile, error) {
	var sf StatusFile
	if _, err := toml.DecodeFile(path, &sf); err != nil {
		return StatusFile{}, Wrap(err, OperationFailed, fmt.Sprintf("decoding status file %s", path))
	}
	return sf, nil
}

// FilePersister adapts WriteStatusAtomic to job.Persister, so a
// Coordinator can be constructed with a real on-disk sink.
type FilePersister struct {
	Path   string
	Domain *Domain
}

// PersistJob implements job.Persister.
func (p FilePersister) PersistJob(snap job.Snapshot) error {
	sf := snapshotStatus(p.Domain, snap)
	return WriteStatusAtomic(p.Path, sf)
}
