// Package feed implements the live side of the manager: per-dataset session
// supervisors, the lazy dataset registry, and the public FeedManager
// surface.
package feed

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/observability"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/sink"
	"github.com/solentix/feedmux/internal/symbology"
	"github.com/solentix/feedmux/internal/telemetry"
	"github.com/solentix/feedmux/internal/wire"
)

// SessionState names a point in the session lifecycle.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateSubscribed
	StateStarted
	StateRunning
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateStarted:
		return "started"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxReconnectFailures closes the session after this many consecutive
// failed reconnect attempts.
const maxReconnectFailures = 3

// clientName is sent on the auth line.
const clientName = "feedmux 0.1.0"

// Dialer opens the gateway connection; swapped in tests.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

func defaultDialer(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return conn, nil
}

// SessionConfig carries everything one supervisor needs.
type SessionConfig struct {
	Dataset              string
	Key                  string
	GatewayAddr          string
	TsOut                bool
	HeartbeatInterval    int
	AuthTimeout          time.Duration
	RecordBuffer         int
	ExchangeAsVenue      bool
	BarsTimestampOnClose bool
	UpgradePolicy        dbn.UpgradePolicy

	Sink        sink.EventSink
	Table       *symbology.PublisherTable
	Resolver    *symbology.SymbolResolver
	Instruments *telemetry.Instruments
	Logger      observability.Logger
	Dial        Dialer
}

func (c SessionConfig) normalize() SessionConfig {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.RecordBuffer <= 0 {
		c.RecordBuffer = 1000
	}
	if c.Logger == nil {
		c.Logger = observability.Log()
	}
	if c.Dial == nil {
		c.Dial = defaultDialer
	}
	return c
}

// SessionSupervisor owns one authenticated gateway connection and the two
// tasks that service it: the decoder loop and the forwarder loop.
type SessionSupervisor struct {
	cfg SessionConfig

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	decoder   *dbn.FrameDecoder
	subs      []*wire.Subscription
	counter   uint32
	saturated bool
	started   bool
	replaying bool
	sessionID uint64
	closed    bool

	state      atomic.Int32
	translator *schema.Translator

	records  chan *dbn.Record
	tasks    conc.WaitGroup
	runOnce  sync.Once
	connStop chan struct{}
}

// NewSessionSupervisor builds a supervisor in the disconnected state.
func NewSessionSupervisor(cfg SessionConfig) *SessionSupervisor {
	cfg = cfg.normalize()
	translator := schema.NewTranslator(cfg.Dataset, cfg.Table, cfg.Resolver)
	translator.ExchangeAsVenue = cfg.ExchangeAsVenue
	translator.BarsTimestampOnClose = cfg.BarsTimestampOnClose
	translator.Logger = cfg.Logger
	s := &SessionSupervisor{
		cfg:        cfg,
		translator: translator,
		records:    make(chan *dbn.Record, cfg.RecordBuffer),
	}
	s.state.Store(int32(StateDisconnected))
	return s
}

// State returns the current lifecycle state.
func (s *SessionSupervisor) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *SessionSupervisor) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Connect dials the gateway and authenticates. Not cancel-safe: the caller
// must await it outside any select.
func (s *SessionSupervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("feed/session", errs.CodeUnavailable,
			errs.WithDataset(s.cfg.Dataset), errs.WithMessage("session is closed"))
	}
	if err := s.dialLocked(ctx); err != nil {
		return err
	}
	if err := s.authenticateLocked(); err != nil {
		return err
	}
	s.setState(StateAuthenticated)
	return nil
}

func (s *SessionSupervisor) dialLocked(ctx context.Context) error {
	s.setState(StateAuthenticating)
	conn, err := s.cfg.Dial(ctx, s.cfg.GatewayAddr)
	if err != nil {
		s.setState(StateDisconnected)
		return errs.New("feed/session", errs.CodeNetwork,
			errs.WithDataset(s.cfg.Dataset),
			errs.WithMessage("dialing gateway"), errs.WithCause(err))
	}
	s.conn = conn
	s.reader = bufio.NewReader(conn)
	return nil
}

// authenticateLocked drives the CRAM handshake on the freshly dialed
// connection. Each server line must arrive within AuthTimeout.
func (s *SessionSupervisor) authenticateLocked() error {
	greeting, err := s.readLineLocked()
	if err != nil {
		return s.authFail("reading greeting", err)
	}
	version, err := wire.ParseGreeting(greeting)
	if err != nil {
		return s.authFail("parsing greeting", err)
	}
	cramLine, err := s.readLineLocked()
	if err != nil {
		return s.authFail("reading challenge", err)
	}
	cram, ok := wire.ParseServerLine(cramLine).(wire.Cram)
	if !ok {
		return s.authFail("expected cram challenge", nil)
	}
	auth := wire.RenderAuth(wire.AuthRequest{
		Challenge:         cram.Challenge,
		Key:               s.cfg.Key,
		Dataset:           s.cfg.Dataset,
		TsOut:             s.cfg.TsOut,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		Client:            clientName,
	})
	if _, err := s.conn.Write(auth); err != nil {
		return s.authFail("writing auth line", err)
	}
	reply, err := s.readLineLocked()
	if err != nil {
		return s.authFail("reading auth reply", err)
	}
	switch line := wire.ParseServerLine(reply).(type) {
	case wire.Session:
		s.sessionID = line.ID
		s.cfg.Logger.Debug("gateway session authenticated",
			observability.F("dataset", s.cfg.Dataset),
			observability.F("session_id", line.ID),
			observability.F("gateway_version", version))
		return nil
	default:
		return s.authFail(fmt.Sprintf("gateway rejected auth: %s", reply), nil)
	}
}

func (s *SessionSupervisor) authFail(msg string, cause error) error {
	s.cfg.Instruments.AuthFailure(context.Background(), s.cfg.Dataset)
	s.closeConnLocked()
	s.closed = true
	s.setState(StateClosed)
	opts := []errs.Option{
		errs.WithDataset(s.cfg.Dataset),
		errs.WithMessage(msg),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New("feed/session", errs.CodeAuth, opts...)
}

func (s *SessionSupervisor) readLineLocked() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
		return "", err
	}
	defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()
	return s.reader.ReadString('\n')
}

// Subscribe assigns the subscription an id if it has none, validates it,
// writes the chunked subscribe lines, and records it for resubscription.
// Not cancel-safe: a dropped caller could leave a partial line on the wire.
func (s *SessionSupervisor) Subscribe(ctx context.Context, sub *wire.Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("feed/session", errs.CodeUnavailable,
			errs.WithDataset(s.cfg.Dataset), errs.WithMessage("session is closed"))
	}
	if sub.ID == 0 {
		sub.ID = s.nextSubIDLocked()
	}
	if err := s.writeSubscriptionLocked(ctx, sub); err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	if sub.Start != 0 {
		s.replaying = true
	}
	if s.State() == StateAuthenticated {
		s.setState(StateSubscribed)
	}
	return nil
}

// nextSubIDLocked is monotonic within a connection. At the top of the u32
// range it warns once and keeps returning the saturated value.
func (s *SessionSupervisor) nextSubIDLocked() uint32 {
	if s.counter == math.MaxUint32 {
		if !s.saturated {
			s.saturated = true
			s.cfg.Logger.Warn("subscription counter saturated, reusing max id",
				observability.F("dataset", s.cfg.Dataset))
		}
		return s.counter
	}
	s.counter++
	return s.counter
}

func (s *SessionSupervisor) writeSubscriptionLocked(ctx context.Context, sub *wire.Subscription) error {
	chunks := wire.Chunk(sub.Symbols)
	for i, chunk := range chunks {
		line := wire.RenderSubscribe(sub, chunk, i == len(chunks)-1)
		if _, err := s.conn.Write(line); err != nil {
			return errs.New("feed/session", errs.CodeNetwork,
				errs.WithDataset(s.cfg.Dataset),
				errs.WithMessage("writing subscribe line"), errs.WithCause(err))
		}
		s.cfg.Instruments.SubscribeFrame(ctx, s.cfg.Dataset, sub.Schema.String())
	}
	return nil
}

// Start flips the connection to the binary phase and decodes the metadata
// frame. A second Start on the same connection fails with already_started.
func (s *SessionSupervisor) Start(ctx context.Context) (*dbn.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *SessionSupervisor) startLocked(_ context.Context) (*dbn.Metadata, error) {
	if s.closed {
		return nil, errs.New("feed/session", errs.CodeUnavailable,
			errs.WithDataset(s.cfg.Dataset), errs.WithMessage("session is closed"))
	}
	if s.started {
		return nil, errs.New("feed/session", errs.CodeAlreadyStarted,
			errs.WithDataset(s.cfg.Dataset),
			errs.WithMessage("session already started"))
	}
	if _, err := s.conn.Write(wire.RenderStart()); err != nil {
		return nil, errs.New("feed/session", errs.CodeNetwork,
			errs.WithDataset(s.cfg.Dataset),
			errs.WithMessage("writing start line"), errs.WithCause(err))
	}
	s.decoder = dbn.NewFrameDecoder(s.reader, dbn.WithUpgradePolicy(s.cfg.UpgradePolicy))
	meta, err := s.decoder.DecodeMetadata()
	if err != nil {
		return nil, err
	}
	s.started = true
	s.setState(StateStarted)
	return meta, nil
}

// Run spawns the decoder and forwarder loops. It returns immediately; the
// loops run until ctx trips, the peer shuts down cleanly, or reconnection
// is exhausted. Wait joins them.
func (s *SessionSupervisor) Run(ctx context.Context) {
	s.runOnce.Do(func() {
		s.setState(StateRunning)
		s.mu.Lock()
		s.armConnWatchLocked(ctx)
		s.mu.Unlock()
		s.tasks.Go(func() { s.decoderLoop(ctx) })
		s.tasks.Go(func() { s.forwarderLoop(ctx) })
	})
}

// armConnWatchLocked ties the current connection's lifetime to ctx so a
// blocked read unblocks promptly on cancellation.
func (s *SessionSupervisor) armConnWatchLocked(ctx context.Context) {
	stop := make(chan struct{})
	s.connStop = stop
	conn := s.conn
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
}

func (s *SessionSupervisor) disarmConnWatchLocked() {
	if s.connStop != nil {
		close(s.connStop)
		s.connStop = nil
	}
}

// Wait blocks until both loops have exited.
func (s *SessionSupervisor) Wait() {
	s.tasks.Wait()
}

// decoderLoop reads records and queues them for the forwarder. On a decode
// or transport error it attempts reconnection; after maxReconnectFailures
// consecutive failures it emits one error event and closes the session.
func (s *SessionSupervisor) decoderLoop(ctx context.Context) {
	defer close(s.records)
	failures := 0
	for {
		rec, err := s.decodeNext()
		if err == nil && rec == nil {
			// clean shutdown from the peer
			s.cfg.Logger.Info("gateway closed the stream",
				observability.F("dataset", s.cfg.Dataset))
			s.Close()
			return
		}
		if err == nil {
			failures = 0
			s.cfg.Instruments.RecordDecoded(ctx, s.cfg.Dataset, uint8(rec.Header.RType))
			select {
			case s.records <- rec:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil || s.isClosed() {
			return
		}
		code, _ := errs.CodeOf(err)
		if !code.Retryable() {
			s.failTerminal(ctx, err)
			return
		}
		s.cfg.Logger.Error("stream error, reconnecting",
			observability.F("dataset", s.cfg.Dataset),
			observability.F("error", err.Error()))
		s.cfg.Instruments.DecodeError(ctx, s.cfg.Dataset, string(code))
		if rerr := s.reconnect(ctx); rerr != nil {
			failures++
			s.cfg.Instruments.Reconnect(ctx, s.cfg.Dataset, "failure")
			if errs.Is(rerr, errs.CodeAuth) || failures >= maxReconnectFailures {
				s.failTerminal(ctx, rerr)
				return
			}
			continue
		}
		failures = 0
		s.cfg.Instruments.Reconnect(ctx, s.cfg.Dataset, "success")
	}
}

func (s *SessionSupervisor) decodeNext() (*dbn.Record, error) {
	s.mu.Lock()
	dec := s.decoder
	s.mu.Unlock()
	if dec == nil {
		return nil, errs.New("feed/session", errs.CodeNotStarted,
			errs.WithDataset(s.cfg.Dataset),
			errs.WithMessage("session not started"))
	}
	return dec.DecodeNext()
}

// failTerminal emits a single error event and closes the session.
func (s *SessionSupervisor) failTerminal(ctx context.Context, err error) {
	s.cfg.Logger.Error("session failed",
		observability.F("dataset", s.cfg.Dataset),
		observability.F("error", err.Error()))
	if ctx.Err() == nil {
		_ = s.cfg.Sink.Send(ctx, schema.NewError(s.cfg.Dataset, err))
	}
	s.Close()
}

// reconnect tears down the old connection, re-authenticates against the
// saved address, resets the subscription counter and decoder, re-sends
// every stored subscription with start cleared, and restarts the stream.
func (s *SessionSupervisor) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New("feed/session", errs.CodeUnavailable,
			errs.WithDataset(s.cfg.Dataset), errs.WithMessage("session is closed"))
	}
	s.setState(StateReconnecting)
	s.disarmConnWatchLocked()
	s.closeConnLocked()
	s.counter = 0
	s.saturated = false
	s.started = false
	s.decoder = nil
	s.translator.Pit.Reset()

	op := func() (struct{}, error) {
		if err := s.dialLocked(ctx); err != nil {
			return struct{}{}, err
		}
		if err := s.authenticateLocked(); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}
	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3)); err != nil {
		return err
	}
	s.armConnWatchLocked(ctx)
	if err := s.resubscribeLocked(ctx); err != nil {
		return err
	}
	if _, err := s.startLocked(ctx); err != nil {
		return err
	}
	s.setState(StateRunning)
	return nil
}

// resubscribeLocked re-sends every stored subscription on the new
// connection. Identity is preserved: ids are kept, the counter advances to
// the maximum observed id, and start is cleared so no replay repeats.
func (s *SessionSupervisor) resubscribeLocked(ctx context.Context) error {
	for _, sub := range s.subs {
		sub.Start = 0
		if sub.ID > s.counter {
			s.counter = sub.ID
		}
		if err := s.writeSubscriptionLocked(ctx, sub); err != nil {
			return err
		}
	}
	s.replaying = false
	return nil
}

// forwarderLoop translates queued records into events and sends them to the
// sink in wire order. On cancellation it stops without draining further;
// on a clean close of the record channel it emits one close event.
func (s *SessionSupervisor) forwarderLoop(ctx context.Context) {
	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				if ctx.Err() == nil {
					_ = s.cfg.Sink.Send(ctx, schema.NewClose(s.cfg.Dataset))
				}
				return
			}
			evt, ok := s.translator.Translate(rec)
			if !ok {
				continue
			}
			if err := s.cfg.Sink.Send(ctx, evt); err != nil {
				if errs.Is(err, errs.CodeCancelled) {
					s.flushLast(ctx, evt)
					return
				}
				s.cfg.Instruments.EventDropped(ctx, s.cfg.Dataset, string(evt.Kind))
				s.cfg.Logger.Error("sink rejected event",
					observability.F("dataset", s.cfg.Dataset),
					observability.F("error", err.Error()))
				continue
			}
			s.cfg.Instruments.EventForwarded(ctx, s.cfg.Dataset, string(evt.Kind))
		case <-ctx.Done():
			return
		}
	}
}

// flushLast makes one non-blocking attempt to hand an in-flight event to the
// sink after a cancelled Send, so the event is not silently lost when the
// queue has room.
func (s *SessionSupervisor) flushLast(ctx context.Context, evt schema.Event) {
	try, ok := s.cfg.Sink.(sink.TrySender)
	if !ok {
		s.cfg.Instruments.EventDropped(ctx, s.cfg.Dataset, string(evt.Kind))
		return
	}
	if err := try.TrySend(evt); err != nil {
		s.cfg.Instruments.EventDropped(ctx, s.cfg.Dataset, string(evt.Kind))
	}
}

// Subscriptions returns a snapshot of the stored subscriptions.
func (s *SessionSupervisor) Subscriptions() []*wire.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}

// SessionID returns the id the gateway assigned at authentication.
func (s *SessionSupervisor) SessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *SessionSupervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close shuts the connection down, write side first. Idempotent.
func (s *SessionSupervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.disarmConnWatchLocked()
	s.closeConnLocked()
	s.setState(StateClosed)
}

func (s *SessionSupervisor) closeConnLocked() {
	if s.conn == nil {
		return
	}
	if tcp, ok := s.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = s.conn.Close()
	s.conn = nil
}
