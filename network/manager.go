package network

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/monitor"
	"github.com/wfunc/codenames-client/state"
	"github.com/wfunc/codenames-client/timer"
)

const (
	defaultDialTimeout = 10 * time.Second
	eventBufferSize    = 256
)

// Handler receives connection events. All calls are made from the manager's
// event loop, one at a time, in transport order.
type Handler interface {
	HandleOpen()
	HandleFrame(data []byte)
	HandleClose(err error)
}

type nopHandler struct{}

func (nopHandler) HandleOpen()           {}
func (nopHandler) HandleFrame(_ []byte)  {}
func (nopHandler) HandleClose(err error) {}

type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evFrame
	evClosed
	evRetry
	evReplaced
)

// event carries the generation of the dial that produced it. Events from an
// older generation are discarded by the loop.
type event struct {
	kind eventKind
	gen  uint64
	conn Connection
	data []byte
	err  error
}

type Options struct {
	// BaseURL is the websocket endpoint; the session code is appended as the
	// last path segment.
	BaseURL     string
	Dialer      Dialer
	Handler     Handler
	Scheduler   timer.Scheduler
	Policy      ReconnectPolicy
	Monitor     *monitor.Monitor
	DialTimeout time.Duration
}

// Manager owns the single connection to the game server and its reconnect
// cycle. Connection state is only ever changed here.
type Manager struct {
	baseURL     string
	dialer      Dialer
	handler     Handler
	scheduler   timer.Scheduler
	policy      ReconnectPolicy
	monitor     *monitor.Monitor
	dialTimeout time.Duration
	machine     *state.BaseStateMachine
	ownTimers   *timer.TimerManager

	mutex      sync.Mutex
	code       string
	conn       Connection
	generation uint64
	attempt    int
	timerID    int64

	// closePending is set when Connect closed an open connection whose
	// HandleClose has not been delivered yet.
	closePending bool

	events   chan event
	ctx      context.Context
	cancel   context.CancelFunc
	workers  conc.WaitGroup
	loopDone chan struct{}
}

func NewManager(parent context.Context, opts Options) *Manager {
	ctx, cancel := context.WithCancel(parent)

	m := &Manager{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		dialer:      opts.Dialer,
		handler:     opts.Handler,
		scheduler:   opts.Scheduler,
		policy:      opts.Policy,
		monitor:     opts.Monitor,
		dialTimeout: opts.DialTimeout,
		machine:     state.NewConnectionMachine(),
		events:      make(chan event, eventBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
	}
	if m.dialer == nil {
		m.dialer = &WSDialer{}
	}
	if m.handler == nil {
		m.handler = nopHandler{}
	}
	if m.policy == (ReconnectPolicy{}) {
		m.policy = DefaultReconnectPolicy()
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.scheduler == nil {
		m.ownTimers = timer.NewTimerManager(0)
		m.scheduler = m.ownTimers
	}

	m.monitor.SetConnectionState(state.Disconnected.Index())
	m.machine.OnTransition(func(from, to state.Status) {
		m.monitor.SetConnectionState(to.Index())
		logger.Log.Debugf("connection state %s -> %s", from, to)
	})

	go m.run()
	return m
}

// Connect opens a connection for code, closing any current one first. It
// also resets the retry budget, so it is the way out of Terminal. A replaced
// open connection is reported through HandleClose(nil) before the new
// connection's events.
func (m *Manager) Connect(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrEmptyCode
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.ctx.Err() != nil {
		return ErrManagerClosed
	}

	m.cancelTimerLocked()
	if m.conn != nil {
		m.closeConnLocked()
		m.closePending = true
	}
	m.code = code
	m.attempt = 0

	if !m.closePending {
		m.dialLocked()
		return nil
	}

	// 先在事件循环里通知关闭, 再拨号
	m.generation++
	gen := m.generation
	m.setStateLocked(state.Connecting)
	m.workers.Go(func() { m.post(event{kind: evReplaced, gen: gen}) })
	return nil
}

// Disconnect cancels any pending reconnect, closes the connection and moves
// to Terminal. No automatic reconnect happens afterwards.
func (m *Manager) Disconnect() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.cancelTimerLocked()
	m.generation++
	m.closeConnLocked()
	m.closePending = false
	m.setStateLocked(state.Terminal)
	m.code = ""
	logger.Log.Info("disconnected")
}

// Send writes frame if the connection is open. Otherwise the frame is
// dropped and ErrNotConnected is returned.
func (m *Manager) Send(frame Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	m.mutex.Lock()
	conn := m.conn
	code := m.code
	connected := conn != nil && m.machine.GetCurrentState() == state.Connected
	m.mutex.Unlock()

	if !connected {
		m.monitor.IncDroppedSends()
		logger.Log.Warnf("dropping %s frame: %v", frame.Type, ErrNotConnected)
		return ErrNotConnected
	}

	if err := conn.Send(data); err != nil {
		logger.Log.Warnf("failed to send %s frame: %v", frame.Type, err)
		return &ConnectionError{Code: code, Err: err}
	}
	logger.Log.Debugf("-> %s", frame.Type)
	return nil
}

func (m *Manager) State() state.Status {
	return m.machine.GetCurrentState()
}

// Code returns the session code of the current logical connection.
func (m *Manager) Code() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.code
}

// Attempt returns the number of consecutive failed reconnect attempts.
func (m *Manager) Attempt() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.attempt
}

// Close tears down the manager: the connection, the timer and the event loop.
func (m *Manager) Close() {
	m.mutex.Lock()
	m.cancelTimerLocked()
	m.generation++
	m.closeConnLocked()
	m.setStateLocked(state.Terminal)
	m.mutex.Unlock()

	m.cancel()
	<-m.loopDone
	m.workers.Wait()
	if m.ownTimers != nil {
		m.ownTimers.Stop()
	}
}

func (m *Manager) dialLocked() {
	m.generation++
	m.setStateLocked(state.Connecting)
	m.startDialLocked(m.generation)
}

func (m *Manager) startDialLocked(gen uint64) {
	code := m.code
	target := m.baseURL + "/" + url.PathEscape(code)

	m.monitor.IncConnectAttempts()
	logger.Log.Infof("connecting to %s", target)

	m.workers.Go(func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.dialTimeout)
		defer cancel()

		conn, err := m.dialer.Dial(ctx, target)
		if err != nil {
			m.post(event{kind: evDialFailed, gen: gen, err: &ConnectionError{Code: code, Err: err}})
			return
		}
		m.post(event{kind: evOpened, gen: gen, conn: conn})
	})
}

func (m *Manager) readLoop(gen uint64, conn Connection) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		m.post(event{kind: evFrame, gen: gen, data: data})
	}
}

func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			switch ev.kind {
			case evOpened:
				m.onOpened(ev)
			case evFrame:
				m.onFrame(ev)
			case evDialFailed, evClosed:
				m.onLost(ev)
			case evRetry:
				m.onRetry(ev)
			case evReplaced:
				m.onReplaced(ev)
			}
		}
	}
}

func (m *Manager) onOpened(ev event) {
	m.mutex.Lock()
	if ev.gen != m.generation {
		m.mutex.Unlock()
		logger.Log.Debugf("closing superseded connection (generation %d)", ev.gen)
		_ = ev.conn.Close()
		return
	}

	m.conn = ev.conn
	m.attempt = 0
	m.setStateLocked(state.Connected)
	code := m.code
	m.workers.Go(func() { m.readLoop(ev.gen, ev.conn) })
	m.mutex.Unlock()

	logger.Log.Infof("connected to session %s", code)
	m.handler.HandleOpen()
}

func (m *Manager) onFrame(ev event) {
	if !m.current(ev.gen) {
		logger.Log.Debugf("dropping frame from superseded connection (generation %d)", ev.gen)
		return
	}
	start := time.Now()
	m.handler.HandleFrame(ev.data)
	m.monitor.ObserveDispatchLatency(time.Since(start))
}

// onLost handles both a failed dial and a closed connection.
func (m *Manager) onLost(ev event) {
	m.mutex.Lock()
	if ev.gen != m.generation {
		m.mutex.Unlock()
		logger.Log.Debugf("ignoring close from superseded connection (generation %d)", ev.gen)
		return
	}

	wasOpen := m.conn != nil
	m.closeConnLocked()
	logger.Log.Warnf("connection to %s lost: %v", m.code, ev.err)
	m.scheduleReconnectLocked()
	m.mutex.Unlock()

	if wasOpen {
		m.handler.HandleClose(ev.err)
	}
}

func (m *Manager) onRetry(ev event) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if ev.gen != m.generation || m.machine.GetCurrentState() != state.Reconnecting {
		return
	}
	m.timerID = 0
	m.dialLocked()
}

// onReplaced reports the connection closed by Connect, then dials the new
// one. Frames of the new connection can only arrive after HandleClose.
func (m *Manager) onReplaced(ev event) {
	m.mutex.Lock()
	if ev.gen != m.generation || !m.closePending {
		m.mutex.Unlock()
		return
	}
	m.closePending = false
	m.startDialLocked(ev.gen)
	m.mutex.Unlock()

	m.handler.HandleClose(nil)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.attempt >= m.policy.MaxAttempts {
		m.setStateLocked(state.Terminal)
		m.monitor.IncRetriesExhausted()
		logger.Log.Errorf("%v: giving up on %s after %d attempts", ErrExhaustedRetries, m.code, m.attempt)
		return
	}

	m.attempt++
	delay := m.policy.Delay(m.attempt)
	gen := m.generation
	m.timerID = m.scheduler.AddTimer(delay, 0, func() {
		m.post(event{kind: evRetry, gen: gen})
	})
	m.setStateLocked(state.Reconnecting)
	m.monitor.IncReconnectsScheduled()
	logger.Log.Infof("reconnecting to %s in %s (attempt %d/%d)", m.code, delay, m.attempt, m.policy.MaxAttempts)
}

func (m *Manager) current(gen uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return gen == m.generation
}

func (m *Manager) cancelTimerLocked() {
	if m.timerID != 0 {
		m.scheduler.RemoveTimer(m.timerID)
		m.timerID = 0
	}
}

func (m *Manager) closeConnLocked() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(); err != nil {
		logger.Log.Debugf("error closing connection: %v", err)
	}
	m.conn = nil
}

func (m *Manager) setStateLocked(to state.Status) {
	if err := m.machine.ChangeState(to); err != nil {
		logger.Log.Errorf("connection state: %v", err)
	}
}
