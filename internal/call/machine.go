// Package call coordinates one peer-to-peer audio/video call: requesting,
// accepting, joining, toggling media and tearing down.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2pcall/native/internal/domain"
	"p2pcall/native/internal/observable"
	"p2pcall/native/internal/progress"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNoSession      = errors.New("call: no session")
	ErrNoConnection   = errors.New("call: no connection")
	ErrNotInitialized = errors.New("call: handlers not initialized")
)

// Role exposes the relay-side policy and the local participant role.
type Role interface {
	Flags() domain.Flags
	IsAlice() bool
}

// DeviceMemory remembers the last device chosen per category.
type DeviceMemory interface {
	Get(cat domain.DeviceCategory) string
	Set(cat domain.DeviceCategory, id string) bool
}

// Config holds the call timing policy.
type Config struct {
	ConfirmLocalVideo bool

	RequestTimeout time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	IntentAttempts int
	IntentBackoff  time.Duration

	// SwitchSettle is how long loading stays up after a remote device switch.
	SwitchSettle time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 600 * time.Second,
		ConfirmTimeout: 500 * time.Second,
		PollInterval:   time.Second,
		IntentAttempts: 5,
		IntentBackoff:  100 * time.Millisecond,
		SwitchSettle:   2 * time.Second,
	}
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Channel     domain.CommandChannel
	Role        Role
	ICE         domain.ICEFetcher
	Capturer    domain.Capturer
	Devices     domain.DeviceCounter
	Dialer      domain.Dialer
	Permissions domain.Permissions
	Memory      DeviceMemory

	Clock    clock.Clock
	Progress *progress.Tracker
}

// link is the live connection of the current call.
type link struct {
	sessionID string
	conn      domain.Connection
	stream    domain.Stream
	// intent is what the stream was captured for.
	intent domain.MediaIntent

	ctx    context.Context
	cancel context.CancelFunc

	loaded bool
}

// Machine is the call state machine. All exported methods are safe for
// concurrent use.
type Machine struct {
	deps Deps
	cfg  Config
	clk  clock.Clock

	handlers domain.Handlers
	ready    chan struct{}
	initOnce sync.Once

	// joinToggle serializes Join and Toggle in FIFO order.
	joinToggle *semaphore.Weighted

	mu         sync.Mutex
	accepted   bool
	session    *domain.SessionDescriptor
	link       *link
	pending    []domain.SignalPayload
	gen        uint64
	disconnect chan struct{}

	state              *observable.Value[State]
	active             *observable.Value[bool]
	loading            *observable.Value[bool]
	initialCallPending *observable.Value[bool]
	localMediaError    *observable.Value[bool]
	cameraActivated    *observable.Value[bool]
	incoming           *observable.Value[domain.MediaIntent]
	outgoing           *observable.Value[domain.MediaIntent]
	progress           *progress.Tracker
}

// New creates a Machine and subscribes it to inbound commands. Handlers are
// supplied later through Init.
func New(deps Deps, cfg Config) *Machine {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	tracker := deps.Progress
	if tracker == nil {
		tracker = progress.New(clk, progress.DefaultStep)
	}

	m := &Machine{
		deps:               deps,
		cfg:                cfg,
		clk:                clk,
		ready:              make(chan struct{}),
		joinToggle:         semaphore.NewWeighted(1),
		disconnect:         make(chan struct{}),
		state:              observable.New(Idle),
		active:             observable.New(false),
		loading:            observable.New(true),
		initialCallPending: observable.New(false),
		localMediaError:    observable.New(false),
		cameraActivated:    observable.New(false),
		incoming:           observable.New(domain.MediaIntent{}),
		outgoing:           observable.New(domain.MediaIntent{}),
		progress:           tracker,
	}
	deps.Channel.OnCommand(m.handleCommand)
	return m
}

// Init supplies the UI handlers. Only the first call has an effect.
func (m *Machine) Init(h domain.Handlers) {
	m.initOnce.Do(func() {
		m.handlers = h
		close(m.ready)
	})
}

func (m *Machine) waitHandlers(ctx context.Context) (domain.Handlers, error) {
	select {
	case <-m.ready:
		return m.handlers, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, ctx.Err())
	}
}

// currentHandlers returns the handlers if Init has run.
func (m *Machine) currentHandlers() domain.Handlers {
	select {
	case <-m.ready:
		return m.handlers
	default:
		return nil
	}
}

// State returns the call lifecycle state.
func (m *Machine) State() *observable.Value[State] { return m.state }

// Active reports whether the call has been joined or passively accepted.
func (m *Machine) Active() *observable.Value[bool] { return m.active }

// Loading is true while the call waits for remote media.
func (m *Machine) Loading() *observable.Value[bool] { return m.loading }

// Progress is the loading percentage, 0 to 100.
func (m *Machine) Progress() *observable.Value[int] { return m.progress.Percent() }

// InitialCallPending is true from a sent or accepted request until the
// connection exists.
func (m *Machine) InitialCallPending() *observable.Value[bool] { return m.initialCallPending }

// LocalMediaError is set when the connection reports an error.
func (m *Machine) LocalMediaError() *observable.Value[bool] { return m.localMediaError }

// CameraActivated reports whether the call was joined with video.
func (m *Machine) CameraActivated() *observable.Value[bool] { return m.cameraActivated }

// IncomingIntent is the media the remote side says it sends.
func (m *Machine) IncomingIntent() *observable.Value[domain.MediaIntent] { return m.incoming }

// OutgoingIntent is the media the local side sends.
func (m *Machine) OutgoingIntent() *observable.Value[domain.MediaIntent] { return m.outgoing }

// Disconnect returns a channel closed when the current call is torn down.
func (m *Machine) Disconnect() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnect
}

// Accepted reports whether the local side agreed to participate.
func (m *Machine) Accepted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted
}

// Session returns the current session descriptor.
func (m *Machine) Session() (domain.SessionDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return domain.SessionDescriptor{}, false
	}
	return *m.session, true
}

// Request asks the remote side for a call of kind. A passive request is a
// re-request made on behalf of an already accepted call and is ignored
// otherwise; on the non-Alice side it carries no session of its own.
func (m *Machine) Request(ctx context.Context, kind domain.MediaKind, passive bool) error {
	h, err := m.waitHandlers(ctx)
	if err != nil {
		return err
	}

	accepted := m.Accepted()
	if passive && !accepted {
		return nil
	}
	if !h.RequestConfirm(ctx, kind, accepted) {
		return nil
	}

	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return nil
	}
	m.state.Set(Requesting)
	m.mu.Unlock()

	m.Accept(ctx, kind, false)

	var sess *domain.SessionDescriptor
	if !passive || m.deps.Role.IsAlice() {
		servers, err := m.deps.ICE.Fetch(ctx)
		if err != nil {
			m.withdraw()
			return fmt.Errorf("fetch ice servers: %w", err)
		}
		sess = &domain.SessionDescriptor{
			ID:          uuid.NewString(),
			ICEServers:  servers,
			IsInitiator: true,
		}
	}

	m.mu.Lock()
	if m.session != nil {
		// A concurrent request or an inbound call got there first.
		m.mu.Unlock()
		return nil
	}
	m.session = sess
	m.state.Set(PendingRemoteAccept)
	done := m.disconnect
	m.mu.Unlock()
	m.initialCallPending.Set(true)

	cmd := domain.Command{Method: domain.RequestMethod(kind)}
	sessionID := ""
	if sess != nil {
		sessionID = sess.ID
		cmd.AdditionalData = sess.ID + "\n" + sess.ICEServers
	}
	if err := m.deps.Channel.Send(ctx, cmd); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", sessionID).Msg("send call request")
	}
	log.Info().Str("module", "call").Str("sid", sessionID).Str("kind", string(kind)).Bool("passive", passive).Msg("call requested")

	h.RequestConfirmation()

	go m.awaitAcceptance(done, sessionID)
	return nil
}

// awaitAcceptance gives up on an unanswered request after RequestTimeout.
// The activation flag is polled so that an answered call ends the wait early.
func (m *Machine) awaitAcceptance(done <-chan struct{}, sessionID string) {
	start := m.clk.Now()
	ticker := m.clk.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	for !m.active.Get() {
		if m.clk.Since(start) >= m.cfg.RequestTimeout {
			m.abandon(sessionID)
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// withdraw undoes the reservation made by a Request that never got to send.
func (m *Machine) withdraw() {
	m.mu.Lock()
	if m.session != nil || m.link != nil {
		m.mu.Unlock()
		return
	}
	m.accepted = false
	m.state.Set(Idle)
	m.mu.Unlock()

	m.loading.Set(false)
	m.outgoing.Set(domain.MediaIntent{})
}

// abandon drops an unanswered request. A request sent without a session of
// its own is matched by the empty id.
func (m *Machine) abandon(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accepted = false
	ours := (sessionID == "" && m.session == nil) || (m.session != nil && m.session.ID == sessionID)
	if m.link == nil && ours {
		m.session = nil
		m.pending = nil
		m.state.Set(Idle)
	}
	log.Info().Str("module", "call").Str("sid", sessionID).Msg("call request timed out")
}

// Accept marks the local side as participating and reserves outgoing media:
// audio always, video for video calls, each only if a device exists. A
// passive accept also marks the call active.
func (m *Machine) Accept(ctx context.Context, kind domain.MediaKind, passive bool) {
	m.mu.Lock()
	m.accepted = true
	if m.state.Get() == Idle {
		m.state.Set(Accepted)
	}
	m.mu.Unlock()

	m.loading.Set(true)
	m.setOutgoing(ctx, domain.MediaIntent{
		Audio: domain.Constraint{Enabled: true},
		Video: domain.Constraint{Enabled: kind == domain.MediaVideo},
	})

	if passive {
		m.active.Set(true)
	}
}

// setOutgoing publishes intent after dropping media without a device and
// attaching the remembered device of each enabled medium.
func (m *Machine) setOutgoing(ctx context.Context, intent domain.MediaIntent) {
	cameras, microphones := m.deps.Devices.Counts(ctx)
	if microphones < 1 {
		intent.Audio = domain.Constraint{}
	}
	if cameras < 1 {
		intent.Video = domain.Constraint{}
	}
	if intent.Audio.Enabled && intent.Audio.DeviceID == "" {
		intent.Audio.DeviceID = m.deps.Memory.Get(domain.CategoryMicrophone)
	}
	if intent.Video.Enabled && intent.Video.DeviceID == "" {
		intent.Video.DeviceID = m.deps.Memory.Get(domain.CategoryCamera)
	}
	m.outgoing.Set(intent)
}

// Close ends the call and tells the remote side, if a session exists.
// Closing an idle machine is a no-op.
func (m *Machine) Close(ctx context.Context) error {
	wasPending := m.initialCallPending.Get()
	m.initialCallPending.Set(false)

	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()

	var g errgroup.Group
	if sess != nil {
		g.Go(func() error {
			return m.deps.Channel.Send(ctx, domain.Command{Method: domain.MethodKill, AdditionalData: sess.ID})
		})
	}
	g.Go(func() error {
		m.teardown(wasPending)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("send kill")
	}
	return nil
}

// EndWith closes the call once done is closed, for example when the relay
// connection carrying the session goes away. It returns immediately.
func (m *Machine) EndWith(ctx context.Context, done <-chan struct{}) {
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			log.Info().Str("module", "call").Msg("session ended, closing call")
			m.Close(context.Background())
		}
	}()
}

// teardown releases the connection and local media and resets all call
// state. It reports the outcome to the handlers once per call.
func (m *Machine) teardown(wasPending bool) {
	m.mu.Lock()
	l := m.link
	var stream domain.Stream
	if l != nil {
		stream = l.stream
	}
	wasAccepted := m.accepted
	hadCall := l != nil || m.session != nil || m.accepted || m.active.Get()
	if !hadCall {
		m.mu.Unlock()
		return
	}
	sessionID := ""
	if m.session != nil {
		sessionID = m.session.ID
	}
	disconnect := m.disconnect
	m.disconnect = make(chan struct{})
	m.link = nil
	m.session = nil
	m.pending = nil
	m.accepted = false
	m.gen++
	m.state.Set(Closing)
	m.mu.Unlock()

	close(disconnect)

	m.active.Set(false)
	m.loading.Set(false)
	m.initialCallPending.Set(false)
	m.incoming.Set(domain.MediaIntent{})
	m.outgoing.Set(domain.MediaIntent{})

	if l != nil {
		l.cancel()
		for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
			if err := l.conn.SetEnabled(kind, false); err != nil {
				log.Debug().Err(err).Str("module", "call").Msg("disable track")
			}
		}
		stream.Close()
		if err := l.conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", l.sessionID).Msg("close connection")
		}
	}
	m.progress.Reset()

	m.mu.Lock()
	m.state.Set(Idle)
	m.mu.Unlock()

	log.Info().Str("module", "call").Str("sid", sessionID).Bool("connected", l != nil).Msg("call ended")

	h := m.currentHandlers()
	if h == nil {
		return
	}
	if wasPending {
		h.Canceled()
	} else if wasAccepted {
		h.Connected(false)
	}
}

// stale reports whether the call that began at gen has been torn down.
func (m *Machine) stale(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen != gen
}

// advance moves the progress bar in the background.
func (m *Machine) advance(ev progress.Event, value int) {
	go m.progress.Update(context.Background(), ev, value)
}
