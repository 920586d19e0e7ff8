package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const defaultPollInterval = 5 * time.Second

var errEntityNotFound = errors.New("bridge: entity not found")

// HASSOptions configure the Home Assistant REST adapter.
type HASSOptions struct {
	// BaseURL is the instance root, e.g. "http://homeassistant.local:8123".
	BaseURL string
	// Token is a long-lived access token.
	Token string
	// PollInterval is the cadence of the state refresh loop (default 5s).
	PollInterval time.Duration
	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
	Clock      clock.WithTicker
	Logger     *zap.Logger
}

// HASS talks to a Home Assistant instance over its REST API. Reads are served
// from a last-known cache kept fresh by a polling loop, so they never block;
// the same loop feeds Subscribe handlers through one dispatch goroutine.
// Writes map the entity domain onto the services API: switches actuate via
// switch/turn_on|turn_off, numbers via number/set_value, and anything else is
// published as a bare state (the controller mirrors its phase sensors that
// way).
type HASS struct {
	opts HASSOptions
	log  *zap.Logger
	clk  clock.WithTicker
	http *http.Client

	mu       sync.Mutex
	states   map[string]string
	interest map[string]struct{}
	subs     map[string]map[int]Handler
	nextID   int
	closed   bool

	changes chan stateChange
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewHASS validates opts and starts the poll and dispatch loops. It does not
// contact the host; call Ping to verify availability.
func NewHASS(opts HASSOptions) (*HASS, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("bridge: hass base URL required")
	}
	if opts.Token == "" {
		return nil, errors.New("bridge: hass access token required")
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	h := &HASS{
		opts:     opts,
		log:      opts.Logger.Named("hass"),
		clk:      opts.Clock,
		http:     opts.HTTPClient,
		states:   make(map[string]string),
		interest: make(map[string]struct{}),
		subs:     make(map[string]map[int]Handler),
		changes:  make(chan stateChange, 256),
		done:     make(chan struct{}),
	}
	ticker := h.clk.NewTicker(h.opts.PollInterval)
	h.wg.Add(2)
	go h.dispatch()
	go h.pollLoop(ticker)
	return h, nil
}

// Ping verifies the API answers and the token is accepted.
func (h *HASS) Ping(ctx context.Context) error {
	return h.do(ctx, http.MethodGet, "/api/", nil, nil)
}

func (h *HASS) dispatch() {
	defer h.wg.Done()
	for {
		select {
		case ch := <-h.changes:
			h.mu.Lock()
			handlers := make([]Handler, 0, len(h.subs[ch.name]))
			for _, hd := range h.subs[ch.name] {
				handlers = append(handlers, hd)
			}
			h.mu.Unlock()
			for _, hd := range handlers {
				hd(ch.name, ch.value)
			}
		case <-h.done:
			return
		}
	}
}

func (h *HASS) pollLoop(ticker clock.Ticker) {
	defer h.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			h.pollOnce()
		case <-h.done:
			return
		}
	}
}

// pollOnce refreshes every entity anyone has shown interest in: subscribed,
// read, or written.
func (h *HASS) pollOnce() {
	h.mu.Lock()
	names := make([]string, 0, len(h.interest))
	for n := range h.interest {
		names = append(names, n)
	}
	h.mu.Unlock()

	for _, name := range names {
		var st hassState
		err := h.do(context.Background(), http.MethodGet, "/api/states/"+name, nil, &st)
		switch {
		case errors.Is(err, errEntityNotFound):
			h.mu.Lock()
			delete(h.states, name)
			h.mu.Unlock()
		case err != nil:
			h.log.Warn("state poll failed", zap.String("entity", name), zap.Error(err))
		default:
			h.store(name, st.State)
		}
	}
}

// store caches a state and notifies subscribers when it actually changed.
func (h *HASS) store(name, value string) {
	h.mu.Lock()
	h.interest[name] = struct{}{}
	prev, had := h.states[name]
	h.states[name] = value
	closed := h.closed
	h.mu.Unlock()
	if closed || (had && prev == value) {
		return
	}
	select {
	case h.changes <- stateChange{name: name, value: value}:
	case <-h.done:
	}
}

// Get implements Bridge. Unknown entities are registered for polling, so a
// miss now becomes a hit once the loop has seen the entity.
func (h *HASS) Get(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interest[name] = struct{}{}
	v, ok := h.states[name]
	return v, ok
}

// GetNumeric implements Bridge.
func (h *HASS) GetNumeric(name string, def float64) float64 {
	raw, ok := h.Get(name)
	if !ok {
		return def
	}
	v, ok := Numeric(raw)
	if !ok {
		return def
	}
	return v
}

// Set implements Bridge.
func (h *HASS) Set(ctx context.Context, name, value string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()

	domain, _, ok := strings.Cut(name, ".")
	if !ok {
		return fmt.Errorf("bridge: entity %q has no domain", name)
	}

	var err error
	switch domain {
	case "switch":
		service := "turn_off"
		if value == "on" {
			service = "turn_on"
		}
		err = h.do(ctx, http.MethodPost, "/api/services/switch/"+service,
			map[string]interface{}{"entity_id": name}, nil)
	case "number":
		v, okNum := Numeric(value)
		if !okNum {
			return fmt.Errorf("bridge: non-numeric value %q for %s", value, name)
		}
		err = h.do(ctx, http.MethodPost, "/api/services/number/set_value",
			map[string]interface{}{"entity_id": name, "value": v}, nil)
	default:
		err = h.do(ctx, http.MethodPost, "/api/states/"+name,
			map[string]interface{}{"state": value}, nil)
	}
	if err != nil {
		return err
	}
	h.store(name, value)
	return nil
}

// Subscribe implements Bridge.
func (h *HASS) Subscribe(name string, hd Handler) (func(), error) {
	if hd == nil {
		return func() {}, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	h.interest[name] = struct{}{}
	if h.subs[name] == nil {
		h.subs[name] = make(map[int]Handler)
	}
	id := h.nextID
	h.nextID++
	h.subs[name][id] = hd

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[name], id)
		})
	}
	return cancel, nil
}

// PublishEvent implements Bridge: the event lands on the host bus with kind
// as its event type.
func (h *HASS) PublishEvent(kind string, payload map[string]interface{}) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.mu.Unlock()
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return h.do(context.Background(), http.MethodPost, "/api/events/"+kind, payload, nil)
}

// Close implements Bridge. It is idempotent.
func (h *HASS) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()
	close(h.done)
	h.wg.Wait()
	return nil
}

type hassState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

func (h *HASS) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("bridge: encode request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.opts.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("bridge: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return errEntityNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("bridge: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("bridge: decode response: %w", err)
		}
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
