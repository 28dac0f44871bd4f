package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"p2pcall/native/internal/devices"
	"p2pcall/native/internal/domain"
	"p2pcall/native/internal/progress"

	"github.com/benbjohnson/clock"
)

// recorder keeps an ordered trace shared by the fakes.
type recorder struct {
	mu      sync.Mutex
	entries []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.entries = append(r.entries, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.entries...)
}

// mockChannel records outbound commands and delivers inbound ones synchronously.
type mockChannel struct {
	mu      sync.Mutex
	sent    []domain.Command
	handler func(context.Context, domain.Command)
}

func (c *mockChannel) Send(_ context.Context, cmd domain.Command) error {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	return nil
}

func (c *mockChannel) OnCommand(handler func(context.Context, domain.Command)) {
	c.handler = handler
}

func (c *mockChannel) deliver(cmd domain.Command) {
	c.handler(context.Background(), cmd)
}

func (c *mockChannel) byMethod(method domain.Method) []domain.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Command
	for _, cmd := range c.sent {
		if cmd.Method == method {
			out = append(out, cmd)
		}
	}
	return out
}

// mockHandlers answers prompts and counts notifications.
type mockHandlers struct {
	rec *recorder

	mu             sync.Mutex
	acceptAnswer   bool
	blockConfirm   bool
	requestAnswer  bool
	localVideoOK   bool
	counts         map[string]int
	confirmTimeout time.Duration
}

func newMockHandlers(rec *recorder) *mockHandlers {
	return &mockHandlers{rec: rec, acceptAnswer: true, requestAnswer: true, localVideoOK: true, counts: make(map[string]int)}
}

func (h *mockHandlers) note(name string) {
	h.mu.Lock()
	h.counts[name]++
	h.mu.Unlock()
	h.rec.add(name)
}

func (h *mockHandlers) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counts[name]
}

func (h *mockHandlers) AcceptConfirm(ctx context.Context, _ domain.MediaKind, timeout time.Duration, _ bool) bool {
	h.mu.Lock()
	h.confirmTimeout = timeout
	block, answer := h.blockConfirm, h.acceptAnswer
	h.mu.Unlock()
	h.note("acceptConfirm")
	if block {
		<-ctx.Done()
		return false
	}
	return answer
}

func (h *mockHandlers) RequestConfirm(context.Context, domain.MediaKind, bool) bool {
	h.note("requestConfirm")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requestAnswer
}

func (h *mockHandlers) RequestConfirmation() { h.note("requestConfirmation") }

func (h *mockHandlers) Connected(connected bool) {
	if connected {
		h.note("connected")
	} else {
		h.note("disconnected")
	}
}

func (h *mockHandlers) Canceled()         { h.note("canceled") }
func (h *mockHandlers) Failed()           { h.note("failed") }
func (h *mockHandlers) Loaded()           { h.note("loaded") }
func (h *mockHandlers) RequestRejection() { h.note("rejected") }

func (h *mockHandlers) LocalVideoConfirm(context.Context, bool) bool {
	h.note("localVideoConfirm")
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localVideoOK
}

type mockPermissions struct {
	allow bool
	asked []string
}

func (p *mockPermissions) RequestPermissions(_ context.Context, capabilities ...string) bool {
	p.asked = capabilities
	return p.allow
}

type mockICE struct {
	servers string
	err     error
	calls   int
}

func (f *mockICE) Fetch(context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.servers, nil
}

type mockCounter struct{ cameras, microphones int }

func (c mockCounter) Counts(context.Context) (int, int) { return c.cameras, c.microphones }

type mockRole struct {
	flags domain.Flags
	alice bool
}

func (r mockRole) Flags() domain.Flags { return r.flags }
func (r mockRole) IsAlice() bool       { return r.alice }

type mockStream struct {
	mu     sync.Mutex
	closed int
}

func (s *mockStream) Tracks() []domain.Track { return nil }

func (s *mockStream) Close() {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
}

func (s *mockStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// mockCapturer hands out mockStreams. A non-nil gate holds Capture until closed.
type mockCapturer struct {
	rec  *recorder
	gate chan struct{}
	err  error

	mu      sync.Mutex
	intents []domain.MediaIntent
	streams []*mockStream
}

func (c *mockCapturer) Capture(ctx context.Context, intent domain.MediaIntent) (domain.Stream, error) {
	c.mu.Lock()
	c.intents = append(c.intents, intent)
	c.mu.Unlock()
	c.rec.add("capture")

	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}

	s := &mockStream{}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s, nil
}

func (c *mockCapturer) captured() []domain.MediaIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.MediaIntent(nil), c.intents...)
}

func (c *mockCapturer) stream(i int) *mockStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[i]
}

var errSendFailed = errors.New("channel not ready")

type mockConn struct {
	rec    *recorder
	events chan domain.PeerEvent

	mu        sync.Mutex
	signals   []domain.SignalPayload
	sent      [][]byte
	attempts  int
	failSends int
	enabled   map[domain.MediaKind]bool
	replaced  []domain.Stream
	closed    int
}

func newMockConn(rec *recorder) *mockConn {
	return &mockConn{rec: rec, events: make(chan domain.PeerEvent, 16), enabled: make(map[domain.MediaKind]bool)}
}

func (c *mockConn) Events() <-chan domain.PeerEvent { return c.events }

func (c *mockConn) Signal(_ context.Context, sig domain.SignalPayload) error {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.attempts <= c.failSends {
		return errSendFailed
	}
	c.sent = append(c.sent, data)
	c.rec.add("intent")
	return nil
}

func (c *mockConn) SetEnabled(kind domain.MediaKind, enabled bool) error {
	c.mu.Lock()
	c.enabled[kind] = enabled
	c.mu.Unlock()
	return nil
}

func (c *mockConn) ReplaceStream(stream domain.Stream) error {
	c.mu.Lock()
	c.replaced = append(c.replaced, stream)
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *mockConn) sentMessages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *mockConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type mockDialer struct {
	rec *recorder

	mu    sync.Mutex
	cfgs  []domain.PeerConfig
	conns []*mockConn
}

func (d *mockDialer) Dial(_ context.Context, cfg domain.PeerConfig) (domain.Connection, error) {
	conn := newMockConn(d.rec)
	d.mu.Lock()
	d.cfgs = append(d.cfgs, cfg)
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *mockDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *mockDialer) conn(i int) *mockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *mockDialer) config(i int) domain.PeerConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfgs[i]
}

// harness bundles a Machine with its fakes.
type harness struct {
	m        *Machine
	clk      *clock.Mock
	rec      *recorder
	channel  *mockChannel
	handlers *mockHandlers
	perms    *mockPermissions
	ice      *mockICE
	capturer *mockCapturer
	dialer   *mockDialer
	memory   *devices.Memory
}

func newHarness(t *testing.T, role mockRole) *harness {
	t.Helper()

	rec := &recorder{}
	h := &harness{
		clk:      clock.NewMock(),
		rec:      rec,
		channel:  &mockChannel{},
		handlers: newMockHandlers(rec),
		perms:    &mockPermissions{allow: true},
		ice:      &mockICE{servers: `[{"urls":"turn:relay.example.com:3478","username":"u","credential":"c"},{"urls":"stun:stun.example.com"}]`},
		capturer: &mockCapturer{rec: rec},
		dialer:   &mockDialer{rec: rec},
		memory:   devices.NewMemory(),
	}
	h.m = New(Deps{
		Channel:     h.channel,
		Role:        role,
		ICE:         h.ice,
		Capturer:    h.capturer,
		Devices:     mockCounter{cameras: 1, microphones: 2},
		Dialer:      h.dialer,
		Permissions: h.perms,
		Memory:      h.memory,
		Clock:       h.clk,
		Progress:    progress.New(h.clk, 0),
	}, DefaultConfig())
	h.m.Init(h.handlers)
	return h
}

// joined requests a video call, lets the remote side accept it and waits
// for the connection.
func (h *harness) joined(t *testing.T) (domain.SessionDescriptor, *mockConn) {
	t.Helper()

	before := h.handlers.count("connected")
	if err := h.m.Request(context.Background(), domain.MediaVideo, false); err != nil {
		t.Fatalf("request: %v", err)
	}
	sess, ok := h.m.Session()
	if !ok {
		t.Fatal("expected a session after request")
	}
	h.channel.deliver(domain.Command{Method: domain.MethodAccept, AdditionalData: sess.ID})

	waitFor(t, "connection", func() bool { return h.handlers.count("connected") > before })
	return sess, h.dialer.conn(h.dialer.dialed() - 1)
}

// waitFor polls cond in real time.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// advanceUntil moves the mock clock forward until cond holds.
func advanceUntil(t *testing.T, clk *clock.Mock, step time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		clk.Add(step)
		time.Sleep(time.Millisecond)
	}
}
