package feed

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/solentix/feedmux/errs"
	"github.com/solentix/feedmux/internal/dbn"
	"github.com/solentix/feedmux/internal/schema"
	"github.com/solentix/feedmux/internal/sink"
	"github.com/solentix/feedmux/internal/symbology"
	"github.com/solentix/feedmux/internal/wire"
)

const (
	testKey     = "db-test-key-abcde"
	testTimeout = 2 * time.Second
)

const testManifest = `[
  {"publisher_id": 1, "dataset": "XNAS.ITCH", "venue": "XNAS", "description": "Nasdaq"},
  {"publisher_id": 2, "dataset": "GLBX.MDP3", "venue": "GLBX", "description": "Globex"}
]`

// fakeGateway is a scripted stand-in for the upstream live gateway. Each
// accepted connection is handed to the current script on its own
// goroutine.
type fakeGateway struct {
	t  *testing.T
	ln net.Listener
}

type gwConn struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeGateway(t *testing.T, script func(c *gwConn)) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{t: t, ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go script(&gwConn{t: t, conn: conn, reader: bufio.NewReader(conn)})
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

func (g *fakeGateway) addr() string {
	return g.ln.Addr().String()
}

func (c *gwConn) readLine() string {
	_ = c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Errorf("gateway read: %v", err)
		return ""
	}
	return line
}

func (c *gwConn) write(b []byte) {
	if _, err := c.conn.Write(b); err != nil {
		c.t.Errorf("gateway write: %v", err)
	}
}

// authenticate drives the server side of the handshake and verifies the
// client's proof.
func (c *gwConn) authenticate() {
	challenge := "test-nonce"
	c.write([]byte("lsg-1.4.0\n"))
	c.write([]byte("cram=" + challenge + "\n"))
	line := c.readLine()
	want := "auth=" + wire.AuthProof(challenge, testKey)
	if !strings.HasPrefix(line, want) {
		c.t.Errorf("bad auth proof: %q", line)
		c.write([]byte("bad credentials\n"))
		return
	}
	c.write([]byte("success=1|session_id=7\n"))
}

// reject answers the handshake with a failure line.
func (c *gwConn) reject() {
	c.write([]byte("lsg-1.4.0\n"))
	c.write([]byte("cram=x\n"))
	_ = c.readLine()
	c.write([]byte("invalid api key\n"))
}

func (c *gwConn) expectSubscribe() (*wire.Subscription, bool) {
	line := c.readLine()
	sub, isLast, err := wire.ParseSubscribe(line)
	if err != nil {
		c.t.Errorf("bad subscribe line %q: %v", line, err)
		return &wire.Subscription{}, false
	}
	return sub, isLast
}

func (c *gwConn) expectStart() {
	line := c.readLine()
	if strings.TrimSpace(line) != "start_session" {
		c.t.Errorf("expected start_session, got %q", line)
	}
}

func (c *gwConn) sendMetadata(dataset string) {
	c.write(dbn.EncodeMetadata(&dbn.Metadata{
		Version:  dbn.Version,
		Dataset:  dataset,
		Schema:   dbn.SchemaNone,
		STypeIn:  dbn.STypeRawSymbol,
		STypeOut: dbn.STypeInstrumentID,
	}))
}

func (c *gwConn) sendRecord(msg any) {
	frame, err := dbn.MarshalRecord(msg, false, 0)
	if err != nil {
		c.t.Errorf("marshal record: %v", err)
		return
	}
	c.write(frame)
}

// sendRecordSplit writes the frame in two halves with a pause, exercising
// the decoder's partial-read handling end to end.
func (c *gwConn) sendRecordSplit(msg any) {
	frame, err := dbn.MarshalRecord(msg, false, 0)
	if err != nil {
		c.t.Errorf("marshal record: %v", err)
		return
	}
	half := len(frame) / 2
	c.write(frame[:half])
	time.Sleep(10 * time.Millisecond)
	c.write(frame[half:])
}

func (c *gwConn) shutdownWrite() {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
}

func (c *gwConn) drop() {
	_ = c.conn.Close()
}

func newTestManager(t *testing.T, addr string) (*Manager, *sink.MemorySink) {
	t.Helper()
	table, err := symbology.ParsePublishers([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParsePublishers: %v", err)
	}
	snk := sink.NewMemorySink(sink.MemoryConfig{Capacity: 64})
	mgr, err := NewManager(ManagerConfig{
		Key:                  testKey,
		GatewayAddr:          addr,
		BarsTimestampOnClose: true,
		Sink:                 snk,
		Table:                table,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Disconnect() })
	return mgr, snk
}

func waitEvent(t *testing.T, snk *sink.MemorySink) schema.Event {
	t.Helper()
	select {
	case evt := <-snk.Events():
		return evt
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for event")
		return schema.Event{}
	}
}

func tradeHeader(instrumentID uint32) dbn.Header {
	return dbn.Header{
		RType:        dbn.RTypeMbp0,
		PublisherID:  1,
		InstrumentID: instrumentID,
		TsEvent:      1_700_000_000_000_000_000,
	}
}

// stalledSink refuses blocking sends the way a cancelled context would, but
// accepts the non-blocking handoff.
type stalledSink struct {
	rescued chan schema.Event
}

func (s *stalledSink) Send(context.Context, schema.Event) error {
	return errs.New("sink", errs.CodeCancelled,
		errs.WithMessage("send interrupted"))
}

func (s *stalledSink) TrySend(evt schema.Event) error {
	s.rescued <- evt
	return nil
}

func TestCancelledSendStillDeliversInFlightEvent(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		c.sendRecord(&dbn.SymbolMappingMsg{
			Header:         dbn.Header{RType: dbn.RTypeSymbolMapping, PublisherID: 1, InstrumentID: 42},
			STypeInSymbol:  "AAPL",
			STypeOutSymbol: "AAPL",
		})
		c.sendRecord(&dbn.TradeMsg{
			Header: tradeHeader(42),
			Price:  10000,
			Size:   5,
			Action: 'T',
			Side:   'B',
		})
		c.shutdownWrite()
	})

	table, err := symbology.ParsePublishers([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParsePublishers: %v", err)
	}
	snk := &stalledSink{rescued: make(chan schema.Event, 1)}
	mgr, err := NewManager(ManagerConfig{
		Key:         testKey,
		GatewayAddr: gw.addr(),
		Sink:        snk,
		Table:       table,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Disconnect() })

	err = mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	})
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}

	select {
	case evt := <-snk.rescued:
		if evt.Kind != schema.KindData {
			t.Fatalf("want data event, got %+v", evt)
		}
		if trade, ok := evt.Trade(); !ok || trade.Size != 5 {
			t.Fatalf("trade payload: %+v", trade)
		}
	case <-time.After(testTimeout):
		t.Fatalf("in-flight event was dropped")
	}
}

func TestSubscribeTradesDeliversEvent(t *testing.T) {
	done := make(chan struct{})
	gw := newFakeGateway(t, func(c *gwConn) {
		defer close(done)
		c.authenticate()
		sub, isLast := c.expectSubscribe()
		if !isLast || sub.Schema != dbn.SchemaTrades || len(sub.Symbols) != 1 || sub.Symbols[0] != "AAPL" {
			c.t.Errorf("unexpected subscribe: %+v is_last=%v", sub, isLast)
		}
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		c.sendRecord(&dbn.SymbolMappingMsg{
			Header:         dbn.Header{RType: dbn.RTypeSymbolMapping, PublisherID: 1, InstrumentID: 42},
			STypeInSymbol:  "AAPL",
			STypeOutSymbol: "AAPL",
		})
		c.sendRecord(&dbn.TradeMsg{
			Header: tradeHeader(42),
			Price:  10000,
			Size:   5,
			Action: 'T',
			Side:   'B',
		})
		c.shutdownWrite()
	})

	mgr, snk := newTestManager(t, gw.addr())
	err := mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	})
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}

	evt := waitEvent(t, snk)
	if evt.Kind != schema.KindData {
		t.Fatalf("want data event, got %+v", evt)
	}
	if evt.Instrument.Symbol != "AAPL" || evt.Instrument.Venue != "XNAS" {
		t.Fatalf("instrument: %+v", evt.Instrument)
	}
	trade, ok := evt.Trade()
	if !ok || trade.Price != 10000 || trade.Size != 5 {
		t.Fatalf("trade payload: %+v ok=%v", trade, ok)
	}

	if evt := waitEvent(t, snk); evt.Kind != schema.KindClose {
		t.Fatalf("want close event after peer shutdown, got %+v", evt)
	}
	<-done
}

func TestSubscribeChunksLargeSymbolLists(t *testing.T) {
	type subLine struct {
		sub    *wire.Subscription
		isLast bool
	}
	lines := make(chan subLine, 4)
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		for i := 0; i < 3; i++ {
			sub, isLast := c.expectSubscribe()
			lines <- subLine{sub, isLast}
		}
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
	})

	mgr, _ := newTestManager(t, gw.addr())
	extras := make([]string, 1000)
	for i := range extras {
		extras[i] = fmt.Sprintf("SYM%04d", i)
	}
	err := mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
		Symbols:    extras,
	})
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}

	var got []subLine
	for i := 0; i < 3; i++ {
		select {
		case l := <-lines:
			got = append(got, l)
		case <-time.After(testTimeout):
			t.Fatalf("timed out waiting for subscribe line %d", i)
		}
	}
	sizes := []int{len(got[0].sub.Symbols), len(got[1].sub.Symbols), len(got[2].sub.Symbols)}
	if sizes[0] != 500 || sizes[1] != 500 || sizes[2] != 1 {
		t.Fatalf("chunk sizes: %v", sizes)
	}
	if sizes[0]+sizes[1]+sizes[2] != 1001 {
		t.Fatalf("chunks lost symbols: %v", sizes)
	}
	if got[0].isLast || got[1].isLast || !got[2].isLast {
		t.Fatalf("is_last flags: %v %v %v", got[0].isLast, got[1].isLast, got[2].isLast)
	}
	if got[0].sub.ID != got[1].sub.ID || got[1].sub.ID != got[2].sub.ID {
		t.Fatalf("chunk ids differ: %d %d %d", got[0].sub.ID, got[1].sub.ID, got[2].sub.ID)
	}
}

func TestPartialWriteYieldsSingleEvent(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		c.sendRecordSplit(&dbn.TradeMsg{Header: tradeHeader(42), Price: 777, Size: 1})
		c.shutdownWrite()
	})

	mgr, snk := newTestManager(t, gw.addr())
	err := mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	})
	if err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	evt := waitEvent(t, snk)
	if evt.Kind != schema.KindData {
		t.Fatalf("want one data event, got %+v", evt)
	}
	if trade, ok := evt.Trade(); !ok || trade.Price != 777 {
		t.Fatalf("trade payload: %+v", trade)
	}
	if evt := waitEvent(t, snk); evt.Kind != schema.KindClose {
		t.Fatalf("want close after the single record, got %+v", evt)
	}
}

func TestReconnectPreservesSubscriptions(t *testing.T) {
	type conn2Subs struct {
		subs []*wire.Subscription
		raw  []string
	}
	second := make(chan conn2Subs, 1)
	var n int
	script := func(c *gwConn) {
		n++
		switch n {
		case 1:
			c.authenticate()
			c.expectSubscribe()
			c.expectStart()
			c.sendMetadata("XNAS.ITCH")
			// the second subscribe arrives while the stream is live
			c.expectSubscribe()
			c.drop()
		default:
			c.authenticate()
			var out conn2Subs
			for i := 0; i < 2; i++ {
				line := c.readLine()
				sub, _, err := wire.ParseSubscribe(line)
				if err != nil {
					c.t.Errorf("resubscribe line %q: %v", line, err)
					return
				}
				out.subs = append(out.subs, sub)
				out.raw = append(out.raw, line)
			}
			c.expectStart()
			c.sendMetadata("XNAS.ITCH")
			second <- out
			c.shutdownWrite()
		}
	}
	gw := newFakeGatewaySequential(t, script)

	mgr, snk := newTestManager(t, gw.addr())
	ctx := context.Background()
	start := int64(1_700_000_000_000_000_000)
	if err := mgr.SubscribeTrades(ctx, SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "MSFT", Venue: "XNAS"},
		Start:      start,
	}); err != nil {
		t.Fatalf("subscribe MSFT: %v", err)
	}
	if err := mgr.SubscribeTrades(ctx, SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "QQQ", Venue: "XNAS"},
		Start:      start,
	}); err != nil {
		t.Fatalf("subscribe QQQ: %v", err)
	}

	select {
	case out := <-second:
		if len(out.subs) != 2 {
			t.Fatalf("want 2 resubscribe lines, got %d", len(out.subs))
		}
		if out.subs[0].ID != 1 || out.subs[1].ID != 2 {
			t.Fatalf("resubscribe ids: %d %d", out.subs[0].ID, out.subs[1].ID)
		}
		for _, raw := range out.raw {
			if strings.Contains(raw, "start=") {
				t.Fatalf("resubscribe line carries start: %q", raw)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reconnect did not resubscribe")
	}

	if evt := waitEvent(t, snk); evt.Kind != schema.KindClose {
		t.Fatalf("want clean close after second connection, got %+v", evt)
	}

	sups := mgr.Sessions()
	if len(sups) != 1 {
		t.Fatalf("want one session, got %d", len(sups))
	}
	subs := sups[0].Subscriptions()
	if len(subs) != 2 || subs[0].Start != 0 || subs[1].Start != 0 {
		t.Fatalf("stored subscriptions after reconnect: %+v %+v", subs[0], subs[1])
	}
}

// newFakeGatewaySequential runs the script for each accepted connection one
// at a time so per-connection state in the script needs no locking.
func newFakeGatewaySequential(t *testing.T, script func(c *gwConn)) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{t: t, ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			script(&gwConn{t: t, conn: conn, reader: bufio.NewReader(conn)})
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return g
}

func TestDisconnectUnwindsAllSessions(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		dataset := "XNAS.ITCH"
		c.sendMetadata(dataset)
		// hold the stream open until the client goes away
		_, _ = c.reader.ReadByte()
	})

	mgr, _ := newTestManager(t, gw.addr())
	ctx := context.Background()
	if err := mgr.SubscribeTrades(ctx, SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	}); err != nil {
		t.Fatalf("subscribe XNAS: %v", err)
	}
	if err := mgr.SubscribeTrades(ctx, SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "ESZ6", Venue: "GLBX"},
	}); err != nil {
		t.Fatalf("subscribe GLBX: %v", err)
	}
	if len(mgr.Sessions()) != 2 {
		t.Fatalf("want two live sessions, got %d", len(mgr.Sessions()))
	}

	done := make(chan error, 1)
	go func() { done <- mgr.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Disconnect did not finish within 1s")
	}
	if mgr.IsConnected() {
		t.Fatalf("IsConnected should be false after Disconnect")
	}
	if err := mgr.Disconnect(); err != nil {
		t.Fatalf("second Disconnect should be a no-op: %v", err)
	}
}

func TestSnapshotWithStartRejectedBeforeDialing(t *testing.T) {
	dialed := make(chan struct{}, 1)
	table, err := symbology.ParsePublishers([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParsePublishers: %v", err)
	}
	mgr, err := NewManager(ManagerConfig{
		Key:         testKey,
		GatewayAddr: "127.0.0.1:1",
		Sink:        sink.NewMemorySink(sink.MemoryConfig{Capacity: 4}),
		Table:       table,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			dialed <- struct{}{}
			return nil, fmt.Errorf("should not dial")
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = mgr.Disconnect() }()

	err = mgr.SubscribeQuotes(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
		Start:      123,
		Snapshot:   true,
	})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("want invalid_request, got %v", err)
	}
	select {
	case <-dialed:
		t.Fatalf("invalid subscription must not open a session")
	default:
	}
}

func TestAuthFailureClosesSession(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.reject()
	})
	mgr, _ := newTestManager(t, gw.addr())
	err := mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	})
	if !errs.Is(err, errs.CodeAuth) {
		t.Fatalf("want auth error, got %v", err)
	}
	// the dataset stays failed for the life of the registry
	err = mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "MSFT", Venue: "XNAS"},
	})
	if !errs.Is(err, errs.CodeAuth) {
		t.Fatalf("second subscribe should see the cached failure, got %v", err)
	}
}

func TestTransientDialFailureIsNotCached(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		_, _ = c.reader.ReadByte()
	})

	table, err := symbology.ParsePublishers([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParsePublishers: %v", err)
	}
	var dials atomic.Int32
	mgr, err := NewManager(ManagerConfig{
		Key:         testKey,
		GatewayAddr: gw.addr(),
		Sink:        sink.NewMemorySink(sink.MemoryConfig{Capacity: 16}),
		Table:       table,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			if dials.Add(1) == 1 {
				return nil, fmt.Errorf("connection refused")
			}
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := mgr.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Disconnect() })

	cmd := SubscribeCommand{Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"}}
	err = mgr.SubscribeTrades(context.Background(), cmd)
	if !errs.Is(err, errs.CodeNetwork) {
		t.Fatalf("first subscribe should fail with network, got %v", err)
	}
	if err := mgr.SubscribeTrades(context.Background(), cmd); err != nil {
		t.Fatalf("second subscribe should dial fresh and succeed: %v", err)
	}
	if len(mgr.Sessions()) != 1 {
		t.Fatalf("want one live session after retry, got %d", len(mgr.Sessions()))
	}
}

func TestFailedStartEvictsSession(t *testing.T) {
	var n int
	gw := newFakeGatewaySequential(t, func(c *gwConn) {
		n++
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		if n == 1 {
			// not a metadata frame; the stream never starts
			c.write([]byte("garbage that is not dbn"))
			_, _ = c.reader.ReadByte()
			return
		}
		c.sendMetadata("XNAS.ITCH")
		_, _ = c.reader.ReadByte()
	})

	mgr, _ := newTestManager(t, gw.addr())
	cmd := SubscribeCommand{Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"}}
	if err := mgr.SubscribeTrades(context.Background(), cmd); err == nil {
		t.Fatalf("first subscribe should surface the start failure")
	}
	if len(mgr.Sessions()) != 0 {
		t.Fatalf("failed session must not stay registered")
	}
	if err := mgr.SubscribeTrades(context.Background(), cmd); err != nil {
		t.Fatalf("second subscribe should build a fresh session: %v", err)
	}
	sups := mgr.Sessions()
	if len(sups) != 1 || sups[0].State() != StateRunning {
		t.Fatalf("want one running session, got %d", len(sups))
	}
}

func TestUnsubscribeRetainsSubscription(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		_, _ = c.reader.ReadByte()
	})
	mgr, _ := newTestManager(t, gw.addr())
	ctx := context.Background()
	cmd := SubscribeCommand{Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"}}
	if err := mgr.SubscribeTrades(ctx, cmd); err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	if err := mgr.UnsubscribeTrades(ctx, cmd); err != nil {
		t.Fatalf("UnsubscribeTrades: %v", err)
	}
	sups := mgr.Sessions()
	if len(sups) != 1 || len(sups[0].Subscriptions()) != 1 {
		t.Fatalf("unsubscribe must leave the subscription set unchanged")
	}
}

func TestStartTwiceFails(t *testing.T) {
	gw := newFakeGateway(t, func(c *gwConn) {
		c.authenticate()
		c.expectSubscribe()
		c.expectStart()
		c.sendMetadata("XNAS.ITCH")
		_, _ = c.reader.ReadByte()
	})
	mgr, _ := newTestManager(t, gw.addr())
	if err := mgr.SubscribeTrades(context.Background(), SubscribeCommand{
		Instrument: symbology.InstrumentID{Symbol: "AAPL", Venue: "XNAS"},
	}); err != nil {
		t.Fatalf("SubscribeTrades: %v", err)
	}
	sups := mgr.Sessions()
	if len(sups) != 1 {
		t.Fatalf("want one session")
	}
	if _, err := sups[0].Start(context.Background()); !errs.Is(err, errs.CodeAlreadyStarted) {
		t.Fatalf("want already_started, got %v", err)
	}
}

func TestSubCounterSaturates(t *testing.T) {
	s := NewSessionSupervisor(SessionConfig{Dataset: "XNAS.ITCH"})
	s.counter = math.MaxUint32 - 1
	if got := s.nextSubIDLocked(); got != math.MaxUint32 {
		t.Fatalf("want max id, got %d", got)
	}
	if got := s.nextSubIDLocked(); got != math.MaxUint32 {
		t.Fatalf("saturated counter must reuse max id, got %d", got)
	}
	if !s.saturated {
		t.Fatalf("saturation flag not set")
	}
}
