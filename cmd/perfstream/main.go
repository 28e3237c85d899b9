package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/threadline/internal/protocol"
)

type options struct {
	baseURL        string
	userID         string
	turns          int
	granularity    string
	stepDelayMS    int
	mode           string
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	verbose        bool
}

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Text   string `json:"text,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// turnSample is the client-side timing of one streamed turn.
type turnSample struct {
	firstText time.Duration
	total     time.Duration
	updates   int
	reason    string
}

var defaultPrompts = []string{
	"The quick brown fox jumps over the lazy dog.",
	"Streaming text should feel alive without flooding the socket.",
	"Every surface attached to a session sees the same cumulative text.",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfstream: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "threadline base URL")
	flag.StringVar(&cfg.userID, "user-id", "perf-stream", "user_id used for the synthetic session")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to stream")
	flag.StringVar(&cfg.granularity, "granularity", "word", "word|char")
	flag.IntVar(&cfg.stepDelayMS, "step-delay-ms", 20, "pacing delay between steps in milliseconds")
	flag.StringVar(&cfg.mode, "mode", "simulate", "simulate|brain")
	flag.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for assistant_turn_end per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "prompts separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.stepDelayMS < 0 {
		return options{}, fmt.Errorf("step-delay-ms must be >= 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitPrompts(textsRaw)
	if len(cfg.texts) == 0 {
		return options{}, fmt.Errorf("texts produced no non-empty prompts")
	}
	return cfg, nil
}

func splitPrompts(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return append([]string(nil), defaultPrompts...)
	}
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	if cfg.verbose {
		fmt.Printf("perfstream: session=%s turns=%d granularity=%s step_delay_ms=%d\n", sessionID, cfg.turns, cfg.granularity, cfg.stepDelayMS)
	}

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	envCh := make(chan wsEnvelope, 256)
	readErrCh := make(chan error, 1)
	go readLoop(conn, envCh, readErrCh)

	samples := make([]turnSample, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		start := time.Now()
		if err := conn.WriteJSON(protocol.ClientPrompt{
			Type:        protocol.TypeClientPrompt,
			SessionID:   sessionID,
			Text:        text,
			Granularity: cfg.granularity,
			StepDelayMS: cfg.stepDelayMS,
			Mode:        cfg.mode,
		}); err != nil {
			return fmt.Errorf("turn %d send prompt: %w", i+1, err)
		}
		sample, err := awaitTurn(envCh, readErrCh, start, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		samples = append(samples, sample)
		if cfg.verbose {
			fmt.Printf("perfstream: turn %d/%d reason=%s updates=%d first_text=%s total=%s\n",
				i+1, cfg.turns, sample.reason, sample.updates, sample.firstText.Round(time.Millisecond), sample.total.Round(time.Millisecond))
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	fmt.Println(summarize(samples))
	return nil
}

func awaitTurn(envCh <-chan wsEnvelope, readErrCh <-chan error, start time.Time, timeout time.Duration) (turnSample, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var sample turnSample
	for {
		select {
		case err := <-readErrCh:
			return turnSample{}, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return turnSample{}, fmt.Errorf("timeout after %s waiting for assistant_turn_end", timeout)
		case env := <-envCh:
			switch env.Type {
			case string(protocol.TypeAssistantText):
				if sample.updates == 0 {
					sample.firstText = time.Since(start)
				}
				sample.updates++
			case string(protocol.TypeAssistantTurnEnd):
				sample.total = time.Since(start)
				sample.reason = env.Reason
				return sample, nil
			case string(protocol.TypeErrorEvent):
				return turnSample{}, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
			}
		}
	}
}

func summarize(samples []turnSample) string {
	if len(samples) == 0 {
		return "perfstream: no samples"
	}
	first := make([]time.Duration, 0, len(samples))
	total := make([]time.Duration, 0, len(samples))
	updates := 0
	for _, s := range samples {
		first = append(first, s.firstText)
		total = append(total, s.total)
		updates += s.updates
	}
	return fmt.Sprintf("perfstream: turns=%d updates=%d first_text p50=%s p95=%s total p50=%s p95=%s",
		len(samples), updates,
		percentile(first, 0.50), percentile(first, 0.95),
		percentile(total, 0.50), percentile(total, 0.95))
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx].Round(time.Millisecond)
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{UserID: cfg.userID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, envCh chan<- wsEnvelope, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		envCh <- env
	}
}
