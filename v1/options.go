package redimux

import "time"

// options accumulates the settings spec §4.1 lists for `new`: name(s),
// block timeout, expire, namespace, and an owner-identity override.
type options struct {
	names   []string
	block   *time.Duration
	expire  time.Duration
	ns      string
	nsSet   bool
	owner   string
}

// Option configures a Mutex at construction time, matching the
// functional-options style used throughout the teacher
// (cache.WithSweepInterval, core.WithMetrics, ...).
type Option func(*options)

// WithName adds one or more resource names to the Mutex, in addition to
// any passed positionally to New. Calling New with zero total names
// triggers the spec §4.7 auto-naming fallback instead.
func WithName(names ...string) Option {
	return func(o *options) { o.names = append(o.names, names...) }
}

// WithBlock sets the default block timeout used by Lock/Synchronize/Sleep
// when their own blockTimeout argument is nil. A nil value here (the
// default) means wait forever.
func WithBlock(d time.Duration) Option {
	return func(o *options) { o.block = &d }
}

// WithExpire overrides the Context's default lease duration for this
// Mutex. Must be positive.
func WithExpire(d time.Duration) Option {
	return func(o *options) { o.expire = d }
}

// WithNamespace overrides the Context's default namespace prefix for this
// Mutex's full names. An empty string is a valid override (no prefix),
// distinct from not calling WithNamespace at all.
func WithNamespace(ns string) Option {
	return func(o *options) { o.ns = ns; o.nsSet = true }
}

// WithOwner overrides the task component of this Mutex's owner identity,
// extending ownership across a group of goroutines that share some other
// stable handle — e.g. a connection object's identity, mirroring the
// `bsm/redislock` pattern of composing an Options struct via setters (spec
// §3, "may be replaced by the caller ... to extend ownership across a
// group of tasks").
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}
