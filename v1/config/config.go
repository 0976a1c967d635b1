// Package config implements redimux's process-wide state: the store
// connection(s), default lease/namespace, chosen Handler, shared Signal
// Queue and Watcher, and the process UUID. Design Notes §9 calls for this
// to be "an explicit context object initialized by setup; every mutex
// instance carries (or looks up) a reference to it" rather than package
// globals, so Setup returns a *Context and every *redimux.Mutex holds one.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/soren-lund/redimux/v1/handler"
	"github.com/soren-lund/redimux/v1/signalqueue"
	"github.com/soren-lund/redimux/v1/watcher"
)

// ErrConfiguration is the configuration-error sentinel. It is defined here
// because config is a lower-level package that redimux itself imports;
// redimux.ErrConfiguration is this same value.
var ErrConfiguration = errors.New("redimux: configuration error")

// HandlerMode selects which Handler implementation Setup wires up.
type HandlerMode int

const (
	// Auto probes the store for server-side scripting support (via
	// SCRIPT EXISTS) and picks Script if it's available, Pure otherwise.
	Auto HandlerMode = iota
	// Pure forces the optimistic, primitive-commands-only handler.
	Pure
	// Script forces the server-script handler.
	Script
)

func (m HandlerMode) String() string {
	switch m {
	case Auto:
		return "auto"
	case Pure:
		return "pure"
	case Script:
		return "script"
	default:
		return "unknown"
	}
}

// ReconnectForever disables the Watcher's reconnect-attempt cap (spec's
// :forever).
const ReconnectForever = -1

// DefaultExpire is the default lease duration applied when Options.Expire
// is zero (spec §6.2, default 86400s).
const DefaultExpire = 24 * time.Hour

// channelTag is the stable class-tag string the well-known release channel
// is derived from (spec §4.2/§6.1).
const channelTag = "redimux"

// Options configures a call to Setup. Unset fields take the defaults noted
// per field, matching spec §6.2's configuration surface.
type Options struct {
	// Addr is the store address (host:port). The main client ignores it if
	// Client or ClientFactory is set; the Watcher's connection still dials
	// it unless WatcherClientFactory is set or Client is a *redis.Client.
	Addr string
	// Password and DB configure the connection when Addr is used.
	Password string
	DB       int
	// Size is the connection-pool size (default 1, per spec §6.2; go-redis
	// itself defaults PoolSize to 10*GOMAXPROCS when left at zero, so
	// redimux pins it explicitly to match the spec's stated default).
	Size int

	// Client adopts a pre-built store client instead of dialing Addr
	// (spec's `redis` option).
	Client redis.Cmdable
	// ClientFactory, if set, is called with these Options to produce the
	// client instead of dialing Addr directly (spec's `redis_factory`).
	ClientFactory func(Options) (redis.Cmdable, error)

	// Expire is the default lease duration for mutexes that don't
	// override it. Must be positive; defaults to DefaultExpire.
	Expire time.Duration
	// Namespace is the default key-namespace prefix for mutexes that
	// don't override it (spec's `ns`).
	Namespace string
	// Handler selects the lock protocol implementation.
	Handler HandlerMode
	// ReconnectMax caps consecutive Watcher reconnect failures before it
	// gives up (default watcher.DefaultReconnectMax; ReconnectForever
	// disables the cap).
	ReconnectMax int

	// WatcherClientFactory, if set, builds the Watcher's dedicated
	// connection. Without it the Watcher reuses Client when that is a
	// *redis.Client and otherwise dials Addr; ClientFactory is never used
	// for the Watcher. Exists so tests
	// and callers adopting a pre-built Client can still point the Watcher
	// at a real dialable address (PubSub needs its own connection; it
	// cannot share one pulled from a Cmdable interface that might not be
	// a *redis.Client at all).
	WatcherClientFactory func(Options) (*redis.Client, error)
}

// Context is the process-wide state every Mutex instance delegates to: the
// process UUID, the chosen Handler, the shared Signal Queue, and the
// Watcher. It is safe for concurrent use.
type Context struct {
	opts Options

	processID string
	client    redis.Cmdable
	channel   string

	queue    *signalqueue.Queue
	handler  handler.Handler
	handlers HandlerMode
	watcher  *watcher.Watcher
}

// Setup validates opts, dials (or adopts) a store client, detects or honors
// the requested Handler, and starts the Watcher. It must be called once
// before any Mutex is constructed (spec §6.3). Each call builds a new,
// independent Context; it does not stop the Watcher of a Context returned
// by an earlier call.
func Setup(ctx context.Context, opts Options) (*Context, error) {
	if opts.Expire < 0 {
		return nil, fmt.Errorf("%w: expire must be >= 0, got %s", ErrConfiguration, opts.Expire)
	}
	if opts.Expire == 0 {
		opts.Expire = DefaultExpire
	}
	if opts.Size == 0 {
		opts.Size = 1
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = watcher.DefaultReconnectMax
	}

	client, err := buildClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: building store client: %v", ErrConfiguration, err)
	}

	channel := channelTag + ":release"
	queue := signalqueue.New()

	mode := opts.Handler
	if mode == Auto {
		mode = detectHandlerMode(ctx, client)
	}
	var h handler.Handler
	switch mode {
	case Pure:
		h = handler.NewOptimistic(client, channel, queue)
	case Script:
		scripter, ok := client.(redis.Scripter)
		if !ok {
			return nil, fmt.Errorf("%w: handler=script requires a redis.Scripter client", ErrConfiguration)
		}
		h = handler.NewScripted(scripter, channel, queue)
	default:
		return nil, fmt.Errorf("%w: unknown handler mode %v", ErrConfiguration, mode)
	}

	wc, err := buildWatcherClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: building watcher client: %v", ErrConfiguration, err)
	}
	w := watcher.New(wc, channel, queue, opts.ReconnectMax, nil)
	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("redimux: protocol error: watcher could not subscribe at setup: %w", err)
	}

	return &Context{
		opts:      opts,
		processID: uuid.NewString(),
		client:    client,
		channel:   channel,
		queue:     queue,
		handler:   h,
		handlers:  mode,
		watcher:   w,
	}, nil
}

func buildClient(opts Options) (redis.Cmdable, error) {
	if opts.Client != nil {
		return opts.Client, nil
	}
	if opts.ClientFactory != nil {
		return opts.ClientFactory(opts)
	}
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.Size,
	}), nil
}

func buildWatcherClient(opts Options) (*redis.Client, error) {
	if opts.WatcherClientFactory != nil {
		return opts.WatcherClientFactory(opts)
	}
	if c, ok := opts.Client.(*redis.Client); ok {
		return c, nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

// detectHandlerMode implements spec §6.2's `auto`: probe for scripting
// support with a harmless SCRIPT EXISTS call, falling back to Pure on any
// error (including "this Cmdable isn't a Scripter at all").
func detectHandlerMode(ctx context.Context, client redis.Cmdable) HandlerMode {
	scripter, ok := client.(redis.Scripter)
	if !ok {
		return Pure
	}
	if _, err := scripter.ScriptExists(ctx, "0000000000000000000000000000000000000000").Result(); err != nil {
		return Pure
	}
	return Script
}

// ProcessID returns the stable per-process UUID generated at Setup, the
// first component of every owner identity minted through this Context.
func (c *Context) ProcessID() string { return c.processID }

// Client returns the store client this Context was configured with.
func (c *Context) Client() redis.Cmdable { return c.client }

// Channel returns the well-known release channel name.
func (c *Context) Channel() string { return c.channel }

// Handler returns the Handler this Context selected or was told to use.
func (c *Context) Handler() handler.Handler { return c.handler }

// HandlerMode reports which variant (Pure or Script) is actually active,
// resolved from Auto if that's what Options requested.
func (c *Context) HandlerMode() HandlerMode { return c.handlers }

// CanRefreshExpired reports whether Refresh on this Context's Handler can
// re-claim a lease whose deadline has passed but whose stored owner still
// matches (spec §6.3; promoted to the Context per SPEC_FULL.md §10 so
// callers can branch without holding a Handler reference).
func (c *Context) CanRefreshExpired() bool { return c.handler.CanRefreshExpired() }

// Queue returns the process-wide Signal Queue shared by every Mutex built
// from this Context.
func (c *Context) Queue() *signalqueue.Queue { return c.queue }

// DefaultExpire returns the default lease duration mutexes use when they
// don't specify their own.
func (c *Context) DefaultExpire() time.Duration { return c.opts.Expire }

// DefaultNamespace returns the default key-namespace prefix.
func (c *Context) DefaultNamespace() string { return c.opts.Namespace }

// Ready reports whether this Context has a usable Handler and client. A
// *Context only ever exists post-Setup, so Ready is always true for one
// returned by Setup; it does not reflect the Watcher's state (see Watching).
func (c *Context) Ready() bool { return c.handler != nil && c.client != nil }

// Watching reports whether the Watcher currently holds a live subscription.
func (c *Context) Watching() bool { return c.watcher.Watching() }

// StartWatcher (re)starts the Watcher, used after an explicit StopWatcher
// or after a fork (spec §6.3).
func (c *Context) StartWatcher(ctx context.Context) error {
	return c.watcher.Start(ctx)
}

// StopWatcher unsubscribes and stops the Watcher's dispatch loop. It
// refuses with watcher.ErrWaitersQueued if local waiters are still queued
// unless force is set (spec §6.3).
func (c *Context) StopWatcher(force bool) error {
	return c.watcher.Stop(force)
}
