// Copyright contributors to the Virtual Machine Manager for Go project
//
// SPDX-License-Identifier: Apache-2.0
//

package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// reader lazily creates the single shared bufio.Reader used by both
// readGreeting and readLoop, so the greeting read never discards bytes
// that belong to the first post-greeting frame.
func (c *Channel) reader() *bufio.Reader {
	if c.buf == nil {
		size := c.cfg.MaxBufferSize
		if size <= 0 {
			size = 64 * 1024
		}
		c.buf = bufio.NewReaderSize(c.conn, size)
	}
	return c.buf
}

// readGreeting consumes the bootstrap QMP greeting frame. Per spec
// §4.1, no request may be sent before this frame is read.
func (c *Channel) readGreeting() (map[string]interface{}, error) {
	line, err := c.reader().ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	var greeting map[string]interface{}
	if err := json.Unmarshal(line, &greeting); err != nil {
		return nil, fmt.Errorf("operation-failed: invalid greeting: %w", err)
	}
	return greeting, nil
}

// readLoop owns the single reader goroutine for the channel's
// lifetime: the "one I/O watch thread" of spec §4.1, generalized from
// select()-based readiness to a blocking goroutine read, which is the
// idiomatic Go equivalent the teacher's own QMP client uses.
func (c *Channel) readLoop() {
	defer close(c.readDone)

	r := c.reader()
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			c.processLine(line)
		}
		if err != nil {
			if err == io.EOF {
				c.fail(fmt.Errorf("operation-failed: monitor connection closed by peer"))
			} else {
				c.fail(err)
			}
			return
		}
	}
}

func (c *Channel) processLine(line []byte) {
	if !c.jsonCapable {
		c.processTextLine(line)
		return
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		monitorLog.Warningf("unable to decode monitor line %q: %v", string(line), err)
		return
	}

	if name, ok := msg["event"]; ok {
		c.dispatchEvent(name, msg["data"], msg["timestamp"])
		return
	}

	ret, hasReturn := msg["return"]
	errObj, hasError := msg["error"]
	if !hasReturn && !hasError {
		return
	}

	var serial uint64
	if idStr, ok := msg["id"].(string); ok {
		fmt.Sscanf(idStr, "%d", &serial)
	}

	c.mu.Lock()
	cur := c.cur
	if cur == nil || (serial != 0 && cur.serial != serial) {
		c.mu.Unlock()
		monitorLog.Warningf("unexpected monitor reply id=%v", msg["id"])
		return
	}
	c.cur = nil
	c.mu.Unlock()

	reply := Reply{Serial: cur.serial}
	if hasError {
		reply.IsError = true
		reply.ErrText = describeError(errObj)
	} else {
		reply.Return = ret
	}
	cur.replCh <- reply
}

// processTextLine handles the legacy HMP protocol: every line up to
// the next prompt delimiter is treated as the single outstanding
// command's reply.
func (c *Channel) processTextLine(line []byte) {
	text := string(line)
	const prompt = "(qemu) "
	if text == prompt || text == "" {
		return
	}

	c.mu.Lock()
	cur := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cur == nil {
		return
	}
	cur.replCh <- Reply{Serial: cur.serial, Return: text}
}

func describeError(errObj interface{}) string {
	m, ok := errObj.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("%v", errObj)
	}
	class, _ := m["class"].(string)
	desc, _ := m["desc"].(string)
	if class != "" {
		return fmt.Sprintf("%s: %s", class, desc)
	}
	return desc
}

func (c *Channel) dispatchEvent(name interface{}, data interface{}, ts interface{}) {
	strname, ok := name.(string)
	if !ok {
		return
	}
	var eventData map[string]interface{}
	if data != nil {
		eventData, _ = data.(map[string]interface{})
	}
	ev := Event{Name: strname, Data: eventData}
	if tsMap, ok := ts.(map[string]interface{}); ok {
		seconds, _ := tsMap["seconds"].(float64)
		micros, _ := tsMap["microseconds"].(float64)
		ev.Timestamp = time.Unix(int64(seconds), int64(micros)*1000)
	}

	handler := c.cb.dispatch(strname)
	if handler == nil {
		return
	}

	// Handlers run outside the monitor lock with a reference held, per
	// spec §4.1, so they may safely re-enter the domain via a nested
	// job and issue further monitor calls.
	c.Ref()
	go func() {
		defer c.Unref()
		handler(ev)
	}()
}
