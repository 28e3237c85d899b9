package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

func TestEmitCharCompletes(t *testing.T) {
	var steps []string
	res := Emit(context.Background(), "abc", NewController(), func(c string) error {
		steps = append(steps, c)
		return nil
	}, Options{Granularity: GranularityChar})

	if diff := cmp.Diff([]string{"a", "ab", "abc"}, steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
	if res.State != StateCompleted {
		t.Fatalf("State = %q, want %q", res.State, StateCompleted)
	}
	if res.Text != "abc" || res.Steps != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEmitWordSingleFragment(t *testing.T) {
	var steps []string
	res := Emit(context.Background(), "ab", nil, func(c string) error {
		steps = append(steps, c)
		return nil
	}, Options{Granularity: GranularityWord})
	if diff := cmp.Diff([]string{"ab"}, steps); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}
	if res.State != StateCompleted {
		t.Fatalf("State = %q, want %q", res.State, StateCompleted)
	}
}

func TestEmitEmptyPayloadCompletes(t *testing.T) {
	calls := 0
	res := Emit(context.Background(), "", NewController(), func(string) error {
		calls++
		return nil
	}, Options{StepDelay: time.Second})
	if calls != 0 {
		t.Fatalf("onStep calls = %d, want 0", calls)
	}
	if res.State != StateCompleted || res.Text != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEmitCumulativeIsMonotonic(t *testing.T) {
	payload := "the quick  brown\tfox"
	var steps []string
	res := Emit(context.Background(), payload, NewController(), func(c string) error {
		steps = append(steps, c)
		return nil
	}, Options{Granularity: GranularityWord})

	for i := 1; i < len(steps); i++ {
		if len(steps[i]) <= len(steps[i-1]) {
			t.Fatalf("step %d length %d not greater than %d", i, len(steps[i]), len(steps[i-1]))
		}
		if !strings.HasPrefix(steps[i], steps[i-1]) {
			t.Fatalf("step %d %q does not extend %q", i, steps[i], steps[i-1])
		}
	}
	if steps[len(steps)-1] != payload || res.Text != payload {
		t.Fatalf("final step = %q, want %q", steps[len(steps)-1], payload)
	}
}

func TestEmitCancelAfterStep(t *testing.T) {
	for k := 1; k <= 4; k++ {
		ctrl := NewController()
		var steps []string
		res := Emit(context.Background(), "abcde", ctrl, func(c string) error {
			steps = append(steps, c)
			if len(steps) == k {
				ctrl.RequestCancel()
			}
			return nil
		}, Options{Granularity: GranularityChar})

		if len(steps) != k {
			t.Fatalf("k=%d: onStep calls = %d, want %d", k, len(steps), k)
		}
		if res.State != StateCancelled {
			t.Fatalf("k=%d: State = %q, want %q", k, res.State, StateCancelled)
		}
		if res.Text != steps[k-1] || res.Steps != k {
			t.Fatalf("k=%d: result = %+v, want text %q", k, res, steps[k-1])
		}
	}
}

func TestEmitCancelledBeforeStart(t *testing.T) {
	ctrl := NewController()
	ctrl.RequestCancel()
	res := Emit(context.Background(), "abc", ctrl, func(string) error {
		t.Fatalf("onStep called on cancelled stream")
		return nil
	}, Options{})
	if res.State != StateCancelled || res.Text != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEmitCallbackErrorIsFault(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	res := Emit(context.Background(), "a b c", NewController(), func(string) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	}, Options{Granularity: GranularityWord})

	if calls != 2 {
		t.Fatalf("onStep calls = %d, want 2", calls)
	}
	if res.State != StateEmitterFault {
		t.Fatalf("State = %q, want %q", res.State, StateEmitterFault)
	}
	var fault *EmitterFault
	if !errors.As(res.Err, &fault) {
		t.Fatalf("Err = %v, want *EmitterFault", res.Err)
	}
	if !errors.Is(res.Err, boom) || fault.Step != 2 {
		t.Fatalf("fault = %+v, want cause boom at step 2", fault)
	}
}

func TestEmitCallbackPanicIsFault(t *testing.T) {
	res := Emit(context.Background(), "abc", NewController(), func(string) error {
		panic("surface gone")
	}, Options{Granularity: GranularityChar})
	if res.State != StateEmitterFault || res.Err == nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestEmitContextCancelStopsAtBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var steps []string
	res := Emit(ctx, "abcdef", NewController(), func(c string) error {
		steps = append(steps, c)
		if len(steps) == 2 {
			cancel()
		}
		return nil
	}, Options{Granularity: GranularityChar, StepDelay: 200 * time.Millisecond})

	if res.State != StateCancelled {
		t.Fatalf("State = %q, want %q", res.State, StateCancelled)
	}
	if len(steps) != 2 {
		t.Fatalf("onStep calls = %d, want 2", len(steps))
	}
}

func TestEmitPacing(t *testing.T) {
	start := time.Now()
	res := Emit(context.Background(), "abcd", NewController(), nil, Options{
		Granularity: GranularityChar,
		StepDelay:   15 * time.Millisecond,
	})
	elapsed := time.Since(start)
	if res.State != StateCompleted {
		t.Fatalf("State = %q, want %q", res.State, StateCompleted)
	}
	// Three gaps between four fragments, none after the last.
	if elapsed < 45*time.Millisecond {
		t.Fatalf("elapsed = %v, want at least 45ms", elapsed)
	}
}

func TestEmitConcurrentStreamsAreIndependent(t *testing.T) {
	var g errgroup.Group
	payloads := []string{"slow stream here", "fast", "another one"}
	delays := []time.Duration{5 * time.Millisecond, 0, time.Millisecond}
	results := make([]Result, len(payloads))
	for i := range payloads {
		g.Go(func() error {
			var last string
			results[i] = Emit(context.Background(), payloads[i], NewController(), func(c string) error {
				if len(c) <= len(last) {
					return errors.New("non-monotonic step")
				}
				last = c
				return nil
			}, Options{Granularity: GranularityChar, StepDelay: delays[i]})
			return results[i].Err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent emit error = %v", err)
	}
	for i, res := range results {
		if res.State != StateCompleted || res.Text != payloads[i] {
			t.Fatalf("stream %d result = %+v", i, res)
		}
	}
}

func TestStartHandleCancel(t *testing.T) {
	firstStep := make(chan struct{})
	var once bool
	h := Start(context.Background(), "one two three four", nil, func(string) error {
		if !once {
			once = true
			close(firstStep)
		}
		return nil
	}, Options{Granularity: GranularityWord, StepDelay: 20 * time.Millisecond})

	<-firstStep
	h.Cancel()
	res := h.Wait()
	if res.State != StateCancelled {
		t.Fatalf("State = %q, want %q", res.State, StateCancelled)
	}
	if res.Text == "one two three four" {
		t.Fatalf("cancelled stream delivered full payload")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("Done() not closed after Wait")
	}
}

func TestStartUsesCallerController(t *testing.T) {
	ctrl := NewController()
	ctrl.RequestCancel()
	h := Start(context.Background(), "never sent", ctrl, func(string) error {
		t.Errorf("step delivered after cancel before start")
		return nil
	}, Options{})
	if h.Controller() != ctrl {
		t.Fatalf("Controller() is not the caller's controller")
	}
	if res := h.Wait(); res.State != StateCancelled || res.Steps != 0 {
		t.Fatalf("result = %+v, want cancelled with no steps", res)
	}
}

func TestEmitNilContext(t *testing.T) {
	res := Emit(nil, "a b", nil, nil, Options{})
	if res.State != StateCompleted || res.Text != "a b" {
		t.Fatalf("result = %+v, want completed", res)
	}
}

func TestStepsYieldsCumulative(t *testing.T) {
	var got []string
	for c := range Steps("hi you", Options{Granularity: GranularityWord}) {
		got = append(got, c)
	}
	if diff := cmp.Diff([]string{"hi", "hi ", "hi you"}, got); diff != "" {
		t.Fatalf("Steps mismatch (-want +got):\n%s", diff)
	}

	// Each range restarts from the beginning.
	var again []string
	for c := range Steps("hi you", Options{Granularity: GranularityWord}) {
		again = append(again, c)
		break
	}
	if diff := cmp.Diff([]string{"hi"}, again); diff != "" {
		t.Fatalf("Steps restart mismatch (-want +got):\n%s", diff)
	}
}
