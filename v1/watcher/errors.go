package watcher

import "errors"

// ErrWaitersQueued is returned by Stop(false) when the shared Signal Queue
// still has waiters registered; stopping would strand them until their own
// timeout since no more wakeups would be delivered.
var ErrWaitersQueued = errors.New("watcher: waiters still queued, use force")

// errSubscriptionClosed marks a PubSub channel closing for a reason other
// than an explicit Stop, asking the reconnect loop to take over.
var errSubscriptionClosed = errors.New("watcher: subscription channel closed")
