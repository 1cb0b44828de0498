// client/client.go
package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/wfunc/codenames-client/api"
	"github.com/wfunc/codenames-client/config"
	"github.com/wfunc/codenames-client/logger"
	"github.com/wfunc/codenames-client/models"
	"github.com/wfunc/codenames-client/monitor"
	"github.com/wfunc/codenames-client/network"
	"github.com/wfunc/codenames-client/permission"
	"github.com/wfunc/codenames-client/persistence"
	"github.com/wfunc/codenames-client/router"
	"github.com/wfunc/codenames-client/services"
	"github.com/wfunc/codenames-client/session"
	"github.com/wfunc/codenames-client/state"
	"github.com/wfunc/codenames-client/timer"
)

const metricsNamespace = "codenames_client"

// Update is delivered to subscribers after every store change, with the
// permission set already recomputed.
type Update struct {
	Change      session.Change
	Permissions permission.Set
}

type Option func(*options)

type options struct {
	ctx        context.Context
	dialer     network.Dialer
	scheduler  timer.Scheduler
	registry   *prometheus.Registry
	recorder   persistence.Recorder
	httpClient *http.Client
}

func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d network.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithScheduler(s timer.Scheduler) Option {
	return func(o *options) { o.scheduler = s }
}

// WithRegistry registers client metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithRecorder archives finished games to rec. It takes precedence over the
// database section of the config.
func WithRecorder(rec persistence.Recorder) Option {
	return func(o *options) { o.recorder = rec }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Client wires the connection manager, router, store and action service
// for one player.
type Client struct {
	cfg      *config.Config
	registry *prometheus.Registry
	monitor  *monitor.Monitor
	timers   *timer.TimerManager
	router   *router.Router
	store    *session.Store
	manager  *network.Manager
	actions  *services.ActionService
	lobby    *api.Client

	recorder    persistence.Recorder
	ownRecorder bool

	subs      map[int64]func(Update)
	subOrder  []int64
	nextSubID int64
	subMutex  sync.Mutex

	closeOnce sync.Once
}

func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		cfg:      cfg,
		registry: o.registry,
		recorder: o.recorder,
		subs:     make(map[int64]func(Update)),
	}
	if c.registry == nil {
		c.registry = prometheus.NewRegistry()
	}
	c.monitor = monitor.NewMonitor(metricsNamespace, c.registry)

	if c.recorder == nil && cfg.Database.Enabled {
		rec, err := persistence.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open game archive: %w", err)
		}
		c.recorder = rec
		c.ownRecorder = true
	}

	scheduler := o.scheduler
	if scheduler == nil {
		c.timers = timer.NewTimerManager(cfg.Timer.Tick)
		scheduler = c.timers
	}

	c.router = router.NewRouter(c.monitor)
	c.store = session.NewStore(c.recorder)
	c.router.Subscribe(c.store)

	c.manager = network.NewManager(o.ctx, network.Options{
		BaseURL:   cfg.Server.WSBase,
		Dialer:    o.dialer,
		Handler:   c.router,
		Scheduler: scheduler,
		Policy: network.ReconnectPolicy{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Monitor: c.monitor,
	})
	c.actions = services.NewActionService(c.manager, c.store)
	c.lobby = api.NewClient(cfg.Server.HTTPBase, o.httpClient)

	c.store.Subscribe(c.publish)
	return c, nil
}

// Connect joins the game with code. Switching to a different game drops
// the previous game's state, and late frames of that game are refused.
func (c *Client) Connect(code string) error {
	code = api.NormalizeCode(code)
	if code == "" {
		return network.ErrEmptyCode
	}
	c.store.SetGame(code)
	c.store.ClearNotice()
	return c.manager.Connect(code)
}

// Disconnect closes the connection for good and forgets the game.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
	c.store.Reset()
}

func (c *Client) Permissions() permission.Set {
	snap, _ := c.store.Snapshot()
	id, _ := c.store.PlayerID()
	return permission.Derive(snap, id)
}

func (c *Client) Snapshot() (*models.Snapshot, bool) {
	return c.store.Snapshot()
}

func (c *Client) PlayerID() (string, bool) {
	return c.store.PlayerID()
}

// Notice returns the last server rejection, or nil.
func (c *Client) Notice() *session.ApplicationError {
	return c.store.Notice()
}

func (c *Client) ClearNotice() {
	c.store.ClearNotice()
}

func (c *Client) State() state.Status {
	return c.manager.State()
}

func (c *Client) Code() string {
	return c.manager.Code()
}

func (c *Client) Actions() *services.ActionService {
	return c.actions
}

// Lobby returns the HTTP client for creating and looking up games.
func (c *Client) Lobby() *api.Client {
	return c.lobby
}

// Router exposes raw frames, e.g. for printing advisory events.
func (c *Client) Router() *router.Router {
	return c.router
}

func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Client) Monitor() *monitor.Monitor {
	return c.monitor
}

// History returns archived results for code. It needs a recorder.
func (c *Client) History(ctx context.Context, code string) ([]models.GormGameRecord, error) {
	if c.recorder == nil {
		return nil, persistence.ErrRecordNotFound
	}
	return c.recorder.History(ctx, api.NormalizeCode(code))
}

// Subscribe calls fn after every store change. The returned func removes it.
func (c *Client) Subscribe(fn func(Update)) func() {
	c.subMutex.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[id] = fn
	c.subOrder = append(c.subOrder, id)
	c.subMutex.Unlock()

	return func() {
		c.subMutex.Lock()
		defer c.subMutex.Unlock()
		if _, ok := c.subs[id]; !ok {
			return
		}
		delete(c.subs, id)
		for i, v := range c.subOrder {
			if v == id {
				c.subOrder = append(c.subOrder[:i:i], c.subOrder[i+1:]...)
				break
			}
		}
	}
}

// Close releases the connection, timers and the archive.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.manager.Close()
		c.store.Wait()
		if c.timers != nil {
			c.timers.Stop()
		}
		if c.ownRecorder {
			if err := c.recorder.Close(); err != nil {
				logger.Log.Warnf("failed to close game archive: %v", err)
			}
		}
	})
}

func (c *Client) publish(change session.Change) {
	c.subMutex.Lock()
	fns := make([]func(Update), 0, len(c.subOrder))
	for _, id := range c.subOrder {
		fns = append(fns, c.subs[id])
	}
	c.subMutex.Unlock()

	if len(fns) == 0 {
		return
	}
	u := Update{Change: change, Permissions: c.Permissions()}
	for _, fn := range fns {
		fn(u)
	}
}
