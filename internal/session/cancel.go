// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"sync"
)

// =============================================================================
// CANCELLATION CONTROLLER
// =============================================================================

// canceller holds at most one live cancel function, created at the start
// of each model invocation and cleared on every terminal outcome. Access
// is mutex protected because Cancel may be called from a goroutine other
// than the one driving the stream.
type canceller struct {
	mu         sync.Mutex
	cancelFunc context.CancelFunc
}

// arm stores the cancel function for the invocation that is starting.
func (c *canceller) arm(fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFunc = fn
}

// cancel invokes the stored cancel function and clears it. A no-op when no
// invocation is active, so repeated calls are safe.
func (c *canceller) cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
}

// clear cancels the context if present and removes the cancel function.
// Called on every terminal outcome so contexts never leak.
func (c *canceller) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
}
