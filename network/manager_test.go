package network

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/codenames-client/state"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	mutex    sync.Mutex
	sent     [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, io.EOF
	case data := <-c.incoming:
		return data, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.sent...)
}

// fakeDialer hands out fakeConns. While fail is set every dial is refused;
// while gate is non-nil dials block until it is closed.
type fakeDialer struct {
	mutex sync.Mutex
	fail  bool
	gate  chan struct{}
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Connection, error) {
	d.mutex.Lock()
	d.urls = append(d.urls, url)
	fail, gate := d.fail, d.gate
	d.mutex.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("connection refused")
	}

	c := newFakeConn()
	d.mutex.Lock()
	d.conns = append(d.conns, c)
	d.mutex.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dials() []string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) last() *fakeConn {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) openConns() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// fakeScheduler records delays and only fires when the test says so.
type fakeScheduler struct {
	mutex   sync.Mutex
	nextID  int64
	delays  []time.Duration
	pending map[int64]func()
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{pending: make(map[int64]func())}
}

func (s *fakeScheduler) AddTimer(delay, _ time.Duration, callback func()) int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.nextID++
	s.delays = append(s.delays, delay)
	s.pending[s.nextID] = callback
	return s.nextID
}

func (s *fakeScheduler) RemoveTimer(id int64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.pending, id)
}

// fire runs every pending callback as if its delay had elapsed.
func (s *fakeScheduler) fire() int {
	s.mutex.Lock()
	var callbacks []func()
	for id, cb := range s.pending {
		callbacks = append(callbacks, cb)
		delete(s.pending, id)
	}
	s.mutex.Unlock()

	for _, cb := range callbacks {
		cb()
	}
	return len(callbacks)
}

func (s *fakeScheduler) scheduled() []time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) pendingCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending)
}

type recordingHandler struct {
	mutex  sync.Mutex
	opens  int
	frames []string
	closes []error
	order  []string
}

func (h *recordingHandler) HandleOpen() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.opens++
	h.order = append(h.order, "open")
}

func (h *recordingHandler) HandleFrame(data []byte) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.frames = append(h.frames, string(data))
	h.order = append(h.order, "frame")
}

func (h *recordingHandler) HandleClose(err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closes = append(h.closes, err)
	h.order = append(h.order, "close")
}

func (h *recordingHandler) events() []string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]string(nil), h.order...)
}

func (h *recordingHandler) counts() (opens, frames, closes int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.opens, len(h.frames), len(h.closes)
}

type harness struct {
	manager   *Manager
	dialer    *fakeDialer
	scheduler *fakeScheduler
	handler   *recordingHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		dialer:    &fakeDialer{},
		scheduler: newFakeScheduler(),
		handler:   &recordingHandler{},
	}
	h.manager = NewManager(context.Background(), Options{
		BaseURL:   "ws://game.test/ws/",
		Dialer:    h.dialer,
		Handler:   h.handler,
		Scheduler: h.scheduler,
		Policy:    DefaultReconnectPolicy(),
	})
	t.Cleanup(h.manager.Close)
	return h
}

func (h *harness) waitState(t *testing.T, want state.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return h.manager.State() == want }, waitFor, tick,
		"expected state %s, still %s", want, h.manager.State())
}

func TestReconnectPolicy_Delay(t *testing.T) {
	p := DefaultReconnectPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestManager_ConnectAndReceive(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect(" ABC123 "))
	h.waitState(t, state.Connected)

	assert.Equal(t, []string{"ws://game.test/ws/ABC123"}, h.dialer.dials())
	assert.Equal(t, "ABC123", h.manager.Code())

	conn := h.dialer.last()
	conn.incoming <- []byte(`{"type":"connected","payload":{"playerId":"p1"}}`)
	conn.incoming <- []byte(`{"type":"game_state","payload":{}}`)

	require.Eventually(t, func() bool {
		_, frames, _ := h.handler.counts()
		return frames == 2
	}, waitFor, tick)

	h.handler.mutex.Lock()
	assert.Contains(t, h.handler.frames[0], "connected")
	assert.Contains(t, h.handler.frames[1], "game_state")
	h.handler.mutex.Unlock()

	opens, _, closes := h.handler.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 0, closes)
}

func TestManager_ConnectRejectsEmptyCode(t *testing.T) {
	h := newHarness(t)

	err := h.manager.Connect("   ")
	assert.ErrorIs(t, err, ErrEmptyCode)
	assert.Equal(t, state.Disconnected, h.manager.State())
	assert.Empty(t, h.dialer.dials())
}

func TestManager_BackoffUntilTerminal(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)

	h.dialer.setFail(true)
	h.dialer.last().Close() // server drops us
	h.waitState(t, state.Reconnecting)

	for i := 1; i < 5; i++ {
		require.Equal(t, 1, h.scheduler.fire())
		want := i + 1
		require.Eventually(t, func() bool {
			return len(h.scheduler.scheduled()) == want && h.manager.State() == state.Reconnecting
		}, waitFor, tick)
	}

	require.Equal(t, 1, h.scheduler.fire())
	h.waitState(t, state.Terminal)

	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, h.scheduler.scheduled())
	assert.Equal(t, 0, h.scheduler.pendingCount(), "no retry after the budget is spent")
	assert.Len(t, h.dialer.dials(), 6)

	// dial failures are not closes of an open connection
	_, _, closes := h.handler.counts()
	assert.Equal(t, 1, closes)
}

func TestManager_ConnectResumesFromTerminal(t *testing.T) {
	h := newHarness(t)
	h.dialer.setFail(true)

	require.NoError(t, h.manager.Connect("ABC123"))
	for i := 0; i < 5; i++ {
		want := i + 1
		require.Eventually(t, func() bool { return h.scheduler.pendingCount() == 1 && len(h.scheduler.scheduled()) == want },
			waitFor, tick)
		h.scheduler.fire()
	}
	h.waitState(t, state.Terminal)
	assert.Equal(t, 5, h.manager.Attempt())

	h.dialer.setFail(false)
	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	assert.Equal(t, 0, h.manager.Attempt())
}

func TestManager_SuccessfulReconnectResetsAttempts(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	first := h.dialer.last()

	first.Close()
	h.waitState(t, state.Reconnecting)
	assert.Equal(t, 1, h.manager.Attempt())

	h.scheduler.fire()
	require.Eventually(t, func() bool {
		return h.manager.State() == state.Connected && h.dialer.last() != first
	}, waitFor, tick)
	assert.Equal(t, 0, h.manager.Attempt())

	opens, _, closes := h.handler.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, 1, closes)
}

func TestManager_SupersededDialIsClosed(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.dialer.mutex.Lock()
	h.dialer.gate = gate
	h.dialer.mutex.Unlock()

	require.NoError(t, h.manager.Connect("AAAAAA"))
	require.NoError(t, h.manager.Connect("BBBBBB"))
	require.Eventually(t, func() bool { return len(h.dialer.dials()) == 2 }, waitFor, tick)
	close(gate)

	h.waitState(t, state.Connected)
	require.Eventually(t, func() bool { return h.dialer.openConns() == 1 }, waitFor, tick)
	assert.Equal(t, "BBBBBB", h.manager.Code())

	opens, _, _ := h.handler.counts()
	assert.Equal(t, 1, opens)
}

func TestManager_StaleCloseIgnored(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("AAAAAA"))
	h.waitState(t, state.Connected)
	old := h.dialer.last()

	require.NoError(t, h.manager.Connect("BBBBBB"))
	require.Eventually(t, func() bool {
		return h.manager.State() == state.Connected && h.dialer.last() != old
	}, waitFor, tick)
	assert.True(t, old.isClosed())

	// the old reader's close must not start a reconnect cycle
	require.Never(t, func() bool {
		return h.scheduler.pendingCount() > 0 || h.manager.State() != state.Connected
	}, 100*time.Millisecond, tick)

	// only the replacement itself is reported, once, before the new open
	assert.Equal(t, []string{"open", "close", "open"}, h.handler.events())
	h.handler.mutex.Lock()
	assert.NoError(t, h.handler.closes[0])
	h.handler.mutex.Unlock()
	assert.Equal(t, 1, h.dialer.openConns())
}

func TestManager_ReplacedConnectionReportsCloseWhenRedialFails(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	old := h.dialer.last()

	h.dialer.setFail(true)
	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Reconnecting)
	assert.True(t, old.isClosed())

	require.Eventually(t, func() bool {
		h.scheduler.fire()
		return h.manager.State() == state.Terminal
	}, waitFor, tick)

	// the dead connection was reported once; failed dials add nothing
	assert.Equal(t, []string{"open", "close"}, h.handler.events())
}

func TestManager_RepeatedConnectReportsCloseOnce(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("AAAAAA"))
	h.waitState(t, state.Connected)

	gate := make(chan struct{})
	h.dialer.mutex.Lock()
	h.dialer.gate = gate
	h.dialer.mutex.Unlock()

	require.NoError(t, h.manager.Connect("BBBBBB"))
	require.NoError(t, h.manager.Connect("CCCCCC"))
	close(gate)

	require.Eventually(t, func() bool {
		return h.manager.State() == state.Connected && h.dialer.openConns() == 1
	}, waitFor, tick)
	assert.Equal(t, "CCCCCC", h.manager.Code())

	_, _, closes := h.handler.counts()
	assert.Equal(t, 1, closes)
}

func TestManager_Send(t *testing.T) {
	h := newHarness(t)

	frame, err := NewFrame(MsgTypeJoinGame, JoinGamePayload{PlayerName: "Ann"})
	require.NoError(t, err)

	assert.ErrorIs(t, h.manager.Send(frame), ErrNotConnected)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	require.NoError(t, h.manager.Send(frame))

	sent := h.dialer.last().sentFrames()
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"type":"join_game","payload":{"player_name":"Ann"}}`, string(sent[0]))

	h.dialer.setFail(true)
	h.dialer.last().Close()
	h.waitState(t, state.Reconnecting)
	assert.ErrorIs(t, h.manager.Send(frame), ErrNotConnected)
}

func TestManager_DisconnectCancelsRetry(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	h.dialer.last().Close()
	h.waitState(t, state.Reconnecting)
	require.Equal(t, 1, h.scheduler.pendingCount())

	h.manager.Disconnect()
	assert.Equal(t, state.Terminal, h.manager.State())
	assert.Equal(t, 0, h.scheduler.pendingCount())
	assert.Equal(t, "", h.manager.Code())
	assert.Len(t, h.dialer.dials(), 1)
}

func TestManager_DisconnectDoesNotReportClose(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect("ABC123"))
	h.waitState(t, state.Connected)
	conn := h.dialer.last()

	h.manager.Disconnect()
	assert.True(t, conn.isClosed())

	require.Never(t, func() bool {
		_, _, closes := h.handler.counts()
		return closes > 0 || h.scheduler.pendingCount() > 0
	}, 100*time.Millisecond, tick)
	assert.Equal(t, state.Terminal, h.manager.State())
}

func TestManager_ConnectAfterClose(t *testing.T) {
	h := newHarness(t)
	h.manager.Close()

	assert.ErrorIs(t, h.manager.Connect("ABC123"), ErrManagerClosed)
}

func TestWSDialer_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/ABC123"
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := (&WSDialer{}).Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte(`{"type":"end_turn","payload":{}}`)))
	data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"end_turn","payload":{}}`, string(data))
	assert.Equal(t, "/ws/ABC123", <-paths)
	assert.NotNil(t, conn.RemoteAddr())
}

func TestWSDialer_RejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/NOPE"
	_, err := (&WSDialer{}).Dial(context.Background(), url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
