package stream

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"
)

// StepFunc receives the cumulative text after each delivered fragment.
type StepFunc func(cumulative string) error

// Options configures pacing for one stream.
type Options struct {
	Granularity Granularity
	StepDelay   time.Duration
}

func (o Options) normalized() Options {
	if o.Granularity == "" {
		o.Granularity = GranularityWord
	}
	if o.StepDelay < 0 {
		o.StepDelay = 0
	}
	return o
}

// Result describes how a stream ended. Text is the cumulative text delivered
// before the stream stopped.
type Result struct {
	State TerminalState
	Text  string
	Steps int
	Err   error
}

// Emit delivers payload to onStep one fragment at a time. Cancellation via
// ctrl is checked between fragments only. Emit blocks the calling goroutine
// for the pacing delays and nothing else.
func Emit(ctx context.Context, payload string, ctrl *Controller, onStep StepFunc, opts Options) Result {
	opts = opts.normalized()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctrl == nil {
		ctrl = NewController()
	}
	stop := ctrl.CancelOnDone(ctx)
	defer stop()

	fragments := Chunk(payload, opts.Granularity)

	var (
		b     strings.Builder
		timer *time.Timer
	)
	b.Grow(len(payload))
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for i, frag := range fragments {
		if ctx.Err() != nil {
			ctrl.RequestCancel()
		}
		if !ctrl.IsContinuing() {
			return Result{State: StateCancelled, Text: b.String(), Steps: i}
		}
		b.WriteString(frag)
		if err := invokeStep(onStep, b.String()); err != nil {
			return Result{
				State: StateEmitterFault,
				Text:  b.String(),
				Steps: i,
				Err:   &EmitterFault{Step: i + 1, Cause: err},
			}
		}
		if i == len(fragments)-1 || opts.StepDelay == 0 {
			continue
		}
		if timer == nil {
			timer = time.NewTimer(opts.StepDelay)
		} else {
			timer.Reset(opts.StepDelay)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			ctrl.RequestCancel()
		}
	}
	return Result{State: StateCompleted, Text: b.String(), Steps: len(fragments)}
}

func invokeStep(onStep StepFunc, cumulative string) (err error) {
	if onStep == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step callback panic: %v", r)
		}
	}()
	return onStep(cumulative)
}

// Handle is a stream running on its own goroutine.
type Handle struct {
	ctrl   *Controller
	done   chan struct{}
	result Result
}

// Start runs Emit in the background. Cancel is the disposer. A nil ctrl
// gets a fresh controller; passing one lets the caller cancel the stream
// before Start returns.
func Start(ctx context.Context, payload string, ctrl *Controller, onStep StepFunc, opts Options) *Handle {
	if ctrl == nil {
		ctrl = NewController()
	}
	h := &Handle{
		ctrl: ctrl,
		done: make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.result = Emit(ctx, payload, h.ctrl, onStep, opts)
	}()
	return h
}

func (h *Handle) Cancel() { h.ctrl.RequestCancel() }

func (h *Handle) Controller() *Controller { return h.ctrl }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the stream reaches a terminal state.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Steps is the pull form of Emit: each range loop yields the cumulative
// text per fragment, pausing StepDelay between yields. Breaking out of the
// loop is the cancellation.
func Steps(payload string, opts Options) iter.Seq[string] {
	opts = opts.normalized()
	return func(yield func(string) bool) {
		fragments := Chunk(payload, opts.Granularity)
		var b strings.Builder
		for i, frag := range fragments {
			b.WriteString(frag)
			if !yield(b.String()) {
				return
			}
			if i < len(fragments)-1 && opts.StepDelay > 0 {
				time.Sleep(opts.StepDelay)
			}
		}
	}
}
