// Package turns runs assistant turns for a session: it produces the text,
// streams cumulative steps through the session's hub and records the
// finished message.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/threadline/internal/brain"
	"github.com/ent0n29/threadline/internal/eventstream"
	"github.com/ent0n29/threadline/internal/memory"
	"github.com/ent0n29/threadline/internal/message"
	"github.com/ent0n29/threadline/internal/observability"
	"github.com/ent0n29/threadline/internal/policy"
	"github.com/ent0n29/threadline/internal/session"
	"github.com/ent0n29/threadline/internal/stream"
)

// Mode selects where the assistant text of a turn comes from.
type Mode string

const (
	// ModeSimulate streams the request text itself.
	ModeSimulate Mode = "simulate"
	// ModeBrain streams the reply of the brain adapter.
	ModeBrain Mode = "brain"
)

const (
	memoryContextLimit = 4
	persistTimeout     = 3 * time.Second
)

var (
	ErrTurnNotFound    = errors.New("turn not found")
	ErrEmptyPrompt     = errors.New("prompt text is empty")
	ErrPayloadTooLarge = errors.New("prompt exceeds max payload size")
	ErrInvalidMode     = errors.New("invalid turn mode")
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeSimulate:
		return ModeSimulate, nil
	case ModeBrain:
		return ModeBrain, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// Request describes one turn. Zero Granularity and StepDelay fall back to
// the runner defaults; a negative StepDelay disables pacing.
type Request struct {
	Text        string
	Granularity stream.Granularity
	StepDelay   time.Duration
	Mode        Mode
}

type Turn struct {
	ID        string    `json:"turn_id"`
	SessionID string    `json:"session_id"`
	Mode      Mode      `json:"mode"`
	StartedAt time.Time `json:"started_at"`
}

// Outcome is the terminal record of a turn.
type Outcome struct {
	Turn    Turn
	State   stream.TerminalState
	Text    string
	Steps   int
	Err     error
	Message message.Message
}

type Config struct {
	DefaultGranularity stream.Granularity
	DefaultStepDelay   time.Duration
	MaxPayloadBytes    int
}

type Runner struct {
	sessions *session.Manager
	adapter  brain.Adapter
	store    memory.Store
	events   eventstream.Publisher
	metrics  *observability.Metrics
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	running map[string]*runningTurn
	wg      sync.WaitGroup
}

type runningTurn struct {
	turn    Turn
	ctrl    *stream.Controller
	cancel  context.CancelFunc
	done    chan struct{}
	outcome Outcome
}

func (rt *runningTurn) finished() bool {
	select {
	case <-rt.done:
		return true
	default:
		return false
	}
}

func NewRunner(
	cfg Config,
	sessions *session.Manager,
	adapter brain.Adapter,
	store memory.Store,
	events eventstream.Publisher,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Runner {
	if cfg.DefaultGranularity == "" {
		cfg.DefaultGranularity = stream.GranularityWord
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{
		sessions: sessions,
		adapter:  adapter,
		store:    store,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		running:  make(map[string]*runningTurn),
	}
}

// Start opens a stream for a new turn on the session hub and runs it on its
// own goroutine. The turn outlives ctx's cancellation but keeps its values.
func (r *Runner) Start(ctx context.Context, sessionID string, req Request) (Turn, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Turn{}, ErrEmptyPrompt
	}
	if r.cfg.MaxPayloadBytes > 0 && len(req.Text) > r.cfg.MaxPayloadBytes {
		return Turn{}, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(req.Text), r.cfg.MaxPayloadBytes)
	}
	if req.Mode == "" {
		req.Mode = ModeSimulate
	}
	if req.Mode != ModeSimulate && req.Mode != ModeBrain {
		return Turn{}, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	if req.Mode == ModeBrain && r.adapter == nil {
		return Turn{}, fmt.Errorf("%w: no brain adapter configured", ErrInvalidMode)
	}

	hub, err := r.sessions.Hub(sessionID)
	if err != nil {
		return Turn{}, err
	}
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return Turn{}, err
	}

	turn := Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Mode:      req.Mode,
		StartedAt: time.Now().UTC(),
	}
	if err := r.sessions.StartTurn(sessionID, turn.ID); err != nil {
		return Turn{}, err
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runningTurn{
		turn:   turn,
		ctrl:   stream.NewController(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Register before Open so watchers reacting to the new stream can cancel it.
	r.mu.Lock()
	r.running[turn.ID] = rt
	r.mu.Unlock()

	if err := hub.Open(turn.ID); err != nil {
		r.mu.Lock()
		delete(r.running, turn.ID)
		r.mu.Unlock()
		cancel()
		_ = r.sessions.FinishTurn(sessionID, turn.ID)
		return Turn{}, fmt.Errorf("open turn stream: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ActiveStreams.Inc()
		r.metrics.SessionEvents.WithLabelValues("turn_started").Inc()
	}
	r.logger.Debug("turn started", "session_id", sessionID, "turn_id", turn.ID, "mode", turn.Mode)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(turnCtx, hub, *sess, rt, req)
	}()
	return turn, nil
}

// Cancel requests cancellation of a running turn. The stream stops at its
// next step boundary.
func (r *Runner) Cancel(sessionID, turnID string) error {
	r.mu.Lock()
	rt, ok := r.running[turnID]
	r.mu.Unlock()
	if !ok || rt.turn.SessionID != sessionID || rt.finished() {
		return ErrTurnNotFound
	}
	rt.ctrl.RequestCancel()
	rt.cancel()
	_ = r.sessions.Interrupt(sessionID)
	if r.metrics != nil {
		r.metrics.SessionEvents.WithLabelValues("turn_cancel_requested").Inc()
	}
	return nil
}

// Active lists the ids of the running turns of a session.
func (r *Runner) Active(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, rt := range r.running {
		if rt.turn.SessionID == sessionID && !rt.finished() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Wait blocks until the turn finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, turnID string) (Outcome, error) {
	r.mu.Lock()
	rt, ok := r.running[turnID]
	r.mu.Unlock()
	if !ok {
		return Outcome{}, ErrTurnNotFound
	}
	select {
	case <-rt.done:
		return rt.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Shutdown cancels every running turn and waits for them to finish.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, rt := range r.running {
		rt.ctrl.RequestCancel()
		rt.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(ctx context.Context, hub *stream.Hub, sess session.Session, rt *runningTurn, req Request) {
	opts := stream.Options{Granularity: req.Granularity, StepDelay: req.StepDelay}
	if opts.Granularity == "" {
		opts.Granularity = r.cfg.DefaultGranularity
	}
	if opts.StepDelay == 0 {
		opts.StepDelay = r.cfg.DefaultStepDelay
	}

	builder := message.NewBuilder("assistant")
	var firstStepOnce sync.Once
	publish := func(cumulative string) error {
		if err := hub.Publish(rt.turn.ID, cumulative); err != nil {
			if errors.Is(err, stream.ErrHubClosed) {
				// Session teardown; stop at the next boundary.
				rt.ctrl.RequestCancel()
				return nil
			}
			return err
		}
		_ = builder.SetText(cumulative)
		firstStepOnce.Do(func() {
			if r.metrics != nil {
				r.metrics.ObserveFirstStep(time.Since(rt.turn.StartedAt))
			}
		})
		if r.metrics != nil {
			r.metrics.StreamSteps.Inc()
		}
		return nil
	}

	var res stream.Result
	switch req.Mode {
	case ModeBrain:
		res = r.runBrain(ctx, sess, rt, req.Text, opts, publish)
	default:
		res = stream.Start(ctx, req.Text, rt.ctrl, publish, opts).Wait()
	}
	var fault *stream.EmitterFault
	if errors.As(res.Err, &fault) {
		fault.StreamID = rt.turn.ID
	}

	if err := hub.End(rt.turn.ID, res.State, res.Err); err != nil && !errors.Is(err, stream.ErrHubClosed) {
		r.logger.Warn("end turn stream", "turn_id", rt.turn.ID, "error", err)
	}

	msg := builder.Finalize()
	outcome := Outcome{
		Turn:    rt.turn,
		State:   res.State,
		Text:    res.Text,
		Steps:   res.Steps,
		Err:     res.Err,
		Message: msg,
	}
	r.finish(sess, rt, outcome)
}

// runBrain streams adapter deltas through the emitter so brain replies get
// the same granularity and pacing as simulated ones.
func (r *Runner) runBrain(
	ctx context.Context,
	sess session.Session,
	rt *runningTurn,
	input string,
	opts stream.Options,
	publish stream.StepFunc,
) stream.Result {
	r.saveTurnBestEffort(memory.TurnRecord{
		UserID:    sess.UserID,
		SessionID: sess.ID,
		TurnID:    rt.turn.ID,
		Role:      "user",
		Content:   input,
	})

	var memoryContext []string
	if r.store != nil && sess.UserID != "" {
		recent, err := r.store.RecentContext(ctx, sess.UserID, memoryContextLimit)
		if err != nil {
			r.logger.Warn("load memory context", "session_id", sess.ID, "error", err)
		}
		for _, rec := range recent {
			if rec.Role == "assistant" {
				memoryContext = append(memoryContext, rec.Content)
			}
		}
	}

	var (
		prefix string
		steps  int
		last   stream.Result
	)
	errStopped := errors.New("turn stopped")
	_, err := r.adapter.StreamResponse(ctx, brain.MessageRequest{
		UserID:        sess.UserID,
		SessionID:     sess.ID,
		TurnID:        rt.turn.ID,
		InputText:     input,
		MemoryContext: memoryContext,
	}, func(delta string) error {
		base := prefix
		last = stream.Emit(ctx, delta, rt.ctrl, func(cumulative string) error {
			return publish(base + cumulative)
		}, opts)
		steps += last.Steps
		prefix = base + last.Text
		if last.State != stream.StateCompleted {
			return errStopped
		}
		return nil
	})

	switch {
	case last.State == stream.StateEmitterFault:
		fault := last.Err.(*stream.EmitterFault)
		fault.Step += steps - last.Steps
		return stream.Result{State: stream.StateEmitterFault, Text: prefix, Steps: steps, Err: fault}
	case last.State == stream.StateCancelled || !rt.ctrl.IsContinuing():
		return stream.Result{State: stream.StateCancelled, Text: prefix, Steps: steps}
	case err != nil:
		if r.metrics != nil {
			r.metrics.ProviderErrors.WithLabelValues("brain").Inc()
		}
		return stream.Result{
			State: stream.StateEmitterFault,
			Text:  prefix,
			Steps: steps,
			Err:   &stream.EmitterFault{Step: steps + 1, Cause: fmt.Errorf("brain: %w", err)},
		}
	default:
		return stream.Result{State: stream.StateCompleted, Text: prefix, Steps: steps}
	}
}

func (r *Runner) finish(sess session.Session, rt *runningTurn, out Outcome) {
	elapsed := time.Since(rt.turn.StartedAt)
	_ = r.sessions.FinishTurn(sess.ID, rt.turn.ID)

	text := message.ExtractText(out.Message, "")
	if text != "" {
		redacted := policy.RedactPII(text)
		r.saveTurnBestEffort(memory.TurnRecord{
			UserID:      sess.UserID,
			SessionID:   sess.ID,
			TurnID:      rt.turn.ID,
			Role:        "assistant",
			Content:     redacted.Text,
			State:       string(out.State),
			PIIRedacted: redacted.Changed(),
		})
	}

	if r.events != nil {
		detail := ""
		if out.Err != nil {
			detail = out.Err.Error()
		}
		pubCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := r.events.PublishTurn(pubCtx, &eventstream.TurnFinishedEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeTurnFinished,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			SessionID:     sess.ID,
			UserID:        sess.UserID,
			TurnID:        rt.turn.ID,
			Mode:          string(rt.turn.Mode),
			State:         string(out.State),
			Steps:         out.Steps,
			Detail:        detail,
			StartedAt:     rt.turn.StartedAt,
			DurationMs:    elapsed.Milliseconds(),
			Message:       out.Message,
		})
		cancel()
		if err != nil {
			r.logger.Warn("publish turn event", "turn_id", rt.turn.ID, "error", err)
		}
	}

	if r.metrics != nil {
		r.metrics.ActiveStreams.Dec()
		r.metrics.ObserveTerminal(string(out.State), string(rt.turn.Mode))
		r.metrics.ObserveTurnTotal(elapsed)
	}
	r.logger.Info("turn finished",
		"session_id", sess.ID,
		"turn_id", rt.turn.ID,
		"mode", rt.turn.Mode,
		"state", out.State,
		"steps", out.Steps,
		"duration_ms", elapsed.Milliseconds(),
	)

	rt.outcome = out
	close(rt.done)

	// Keep finished turns reachable by Wait for a short while.
	time.AfterFunc(time.Minute, func() {
		r.mu.Lock()
		if r.running[rt.turn.ID] == rt {
			delete(r.running, rt.turn.ID)
		}
		r.mu.Unlock()
	})
}

func (r *Runner) saveTurnBestEffort(record memory.TurnRecord) {
	if r.store == nil {
		return
	}
	record.ID = uuid.NewString()
	record.CreatedAt = time.Now().UTC()
	saveCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveTurn(saveCtx, record); err != nil {
		r.logger.Warn("save turn", "turn_id", record.TurnID, "role", record.Role, "error", err)
		if r.metrics != nil {
			r.metrics.SessionEvents.WithLabelValues("memory_save_failed").Inc()
		}
	}
}
