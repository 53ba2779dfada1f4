// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package hotplug

import (
	"context"
	"fmt"
	"time"

	"github.com/kata-containers/qemud/monitor"
)

// MediaPollInterval is how often ChangeMedia polls query-block waiting
// for the new medium to be reported. ChangeMedia always polls; it does
// not wait for a DEVICE_TRAY_MOVED event.
const MediaPollInterval = 200 * time.Millisecond

// MediaChangeTimeout bounds ChangeMedia's poll loop.
const MediaChangeTimeout = 10 * time.Second

// ChangeMedia implements spec §4.4 "Ejectable media change": eject the
// current medium (if any), insert the new one, then poll query-block
// until the drive reports the new path or the timeout elapses. QEMU's
// "eject" command is asynchronous on tray-less drives, hence the poll
// rather than trusting the command's own completion.
func ChangeMedia(ctx context.Context, ch Attacher, driveID, newPath, format string) error {
	if _, err := ch.Send(ctx, monitor.Request{
		Command: "eject",
		Args:    map[string]interface{}{"id": driveID, "force": true},
	}); err != nil {
		return fmt.Errorf("operation-failed: ejecting %s: %w", driveID, err)
	}

	args := map[string]interface{}{"id": driveID, "filename": newPath}
	if format != "" {
		args["format"] = format
	}
	if _, err := ch.Send(ctx, monitor.Request{Command: "blockdev-change-medium", Args: args}); err != nil {
		return fmt.Errorf("operation-failed: inserting medium into %s: %w", driveID, err)
	}

	deadline := time.Now().Add(MediaChangeTimeout)
	for {
		reply, err := ch.Send(ctx, monitor.Request{Command: "query-block"})
		if err != nil {
			return fmt.Errorf("operation-failed: polling query-block for %s: %w", driveID, err)
		}
		if mediaLoaded(reply, driveID, newPath) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("operation-timeout: medium change on %s did not complete within %s", driveID, MediaChangeTimeout)
		}
		select {
		case <-time.After(MediaPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mediaLoaded inspects a query-block reply for driveID's "inserted"
// image path matching newPath, tolerating the varying shapes QEMU's
// query-block result has taken across versions (a list of objects each
// with "device" or "qdev" identifying the drive).
func mediaLoaded(reply monitor.Reply, driveID, newPath string) bool {
	list, ok := reply.Return.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if !matchesDrive(obj, driveID) {
			continue
		}
		inserted, ok := obj["inserted"].(map[string]interface{})
		if !ok {
			return false
		}
		file, _ := inserted["file"].(string)
		return file == newPath
	}
	return false
}

func matchesDrive(obj map[string]interface{}, driveID string) bool {
	if dev, ok := obj["device"].(string); ok && dev == driveID {
		return true
	}
	if qdev, ok := obj["qdev"].(string); ok && qdev == driveID {
		return true
	}
	return false
}
