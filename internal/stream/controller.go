package stream

import (
	"context"
	"sync/atomic"
	"time"
)

// Controller gates one in-flight stream. It only ever moves from continuing
// to cancelled.
type Controller struct {
	cancelled atomic.Bool
}

func NewController() *Controller { return &Controller{} }

// RequestCancel stops the gated stream at its next fragment boundary.
func (c *Controller) RequestCancel() {
	c.cancelled.Store(true)
}

func (c *Controller) IsContinuing() bool {
	return !c.cancelled.Load()
}

// CancelAfter requests cancellation once d elapses. The returned stop func
// disarms the timer and reports whether it was still pending.
func (c *Controller) CancelAfter(d time.Duration) (stop func() bool) {
	t := time.AfterFunc(d, c.RequestCancel)
	return t.Stop
}

// CancelOnDone requests cancellation when ctx is done.
func (c *Controller) CancelOnDone(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, c.RequestCancel)
}
