package lifecycle

import (
	"context"
	"sync"
)

// Completion is a resettable signal bound to one dispatched message. After
// Expect(id) it fires when the reply to id completes, or when the session
// goes busy and then idle again. Status edges observed before Expect never
// fire it, so a trailing idle from an earlier turn cannot release a waiter.
type Completion struct {
	mu        sync.Mutex
	messageID string
	busy      bool
	done      bool
	ch        chan struct{}
}

// Expect clears a previous signal and arms a new waiter for messageID.
func (c *Completion) Expect(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageID = messageID
	c.busy = false
	c.done = false
	c.ch = make(chan struct{})
}

// Reply reports that the reply to parentID completed.
func (c *Completion) Reply(parentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed() && c.messageID != "" && parentID == c.messageID {
		c.fire()
	}
}

// Busy records that the session started working after Expect.
func (c *Completion) Busy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed() {
		c.busy = true
	}
}

// Idle fires the waiter if the session went busy after Expect.
func (c *Completion) Idle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.armed() && c.busy {
		c.fire()
	}
}

func (c *Completion) armed() bool { return c.ch != nil && !c.done }

func (c *Completion) fire() {
	c.done = true
	close(c.ch)
}

// Wait blocks until the expected completion or ctx is done. Without a
// prior Expect it returns immediately.
func (c *Completion) Wait(ctx context.Context) error {
	c.mu.Lock()
	if c.done || c.ch == nil {
		c.mu.Unlock()
		return nil
	}
	ch := c.ch
	c.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
