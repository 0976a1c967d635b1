package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soren-lund/redimux/v1/signalqueue"
)

// Lua scripts share the same "%$[^%$]*$" trick as decodeLease: find the
// LAST '$' in the stored value, since the owner component itself contains
// '$' (it is "<uuid>$<pid>$<task>").
const luaSplitOwner = `
local function split_owner(v)
  local at = string.find(v, "%$[^%$]*$")
  return string.sub(v, 1, at - 1), tonumber(string.sub(v, at + 1))
end
`

var tryLockScript = redis.NewScript(luaSplitOwner + `
local owner = ARGV[1]
local deadline = ARGV[2]
local ttl_ms = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
for _, name in ipairs(KEYS) do
  local cur = redis.call('GET', name)
  if cur then
    local _, curDeadline = split_owner(cur)
    if curDeadline > now then
      return 0
    end
  end
end
for _, name in ipairs(KEYS) do
  redis.call('SET', name, owner .. '$' .. deadline, 'PX', ttl_ms)
end
return 1
`)

var unlockScript = redis.NewScript(luaSplitOwner + `
local owner = ARGV[1]
local sep = ARGV[2]
local channel = ARGV[3]
local released = {}
for _, name in ipairs(KEYS) do
  local cur = redis.call('GET', name)
  if cur then
    local curOwner, _ = split_owner(cur)
    if curOwner == owner then
      redis.call('DEL', name)
      table.insert(released, name)
    end
  end
end
if #released > 0 then
  redis.call('PUBLISH', channel, table.concat(released, sep))
end
return released
`)

var refreshScript = redis.NewScript(luaSplitOwner + `
local owner = ARGV[1]
local deadline = ARGV[2]
local ttl_ms = tonumber(ARGV[3])
for _, name in ipairs(KEYS) do
  local cur = redis.call('GET', name)
  if not cur then
    return 0
  end
  local curOwner, _ = split_owner(cur)
  if curOwner ~= owner then
    return 0
  end
end
for _, name in ipairs(KEYS) do
  redis.call('SET', name, owner .. '$' .. deadline, 'PX', ttl_ms)
end
return 1
`)

// Scripted implements Handler using server-side Lua scripts so every
// operation is a single round trip. redis.Script.Run already implements
// the "load on first use, invoke by hash thereafter" behaviour spec §4.4
// calls for (EvalSha, falling back to SCRIPT LOAD + EVAL on NOSCRIPT).
type Scripted struct {
	client  redis.Scripter
	channel string
	queue   *signalqueue.Queue
}

// NewScripted returns a Handler backed by client, publishing releases on
// channel and registering waiters on queue.
func NewScripted(client redis.Scripter, channel string, queue *signalqueue.Queue) *Scripted {
	return &Scripted{client: client, channel: channel, queue: queue}
}

func (h *Scripted) CanRefreshExpired() bool { return true }

func deadlineArgs(lease time.Duration) (deadline string, ttlMS int64, now string) {
	d := time.Now().Add(lease)
	return encodeDeadline(d), lease.Milliseconds(), encodeDeadline(time.Now())
}

// encodeDeadline formats a deadline the same way encodeLease does, so the
// same decodeLease logic parses values written by either handler.
func encodeDeadline(t time.Time) string {
	full := encodeLease("", t)
	return full[1:] // encodeLease("", t) is "$<deadline>"; drop the leading '$'.
}

func (h *Scripted) TryLock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	deadline, ttlMS, now := deadlineArgs(lease)
	res, err := tryLockScript.Run(ctx, h.client, names, owner, deadline, ttlMS, now).Result()
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func (h *Scripted) Lock(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	for {
		ok, err := h.TryLock(ctx, names, owner, lease)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		leases, err := readLeases(ctx, h.client.(redis.Cmdable), names)
		if err != nil {
			return false, err
		}
		now := time.Now()
		if hasDeadlock(leases, owner, now) {
			return false, ErrDeadlock
		}

		w := signalqueue.NewWaiter()
		h.queue.Register(names, w)
		retryHint := earliestDeadlineHint(leases, now)

		_, err = waitForWakeup(ctx, w, retryHint)
		h.queue.Cancel(names, w)
		if err != nil {
			return false, err
		}
	}
}

func (h *Scripted) Unlock(ctx context.Context, names []string, owner string) ([]string, error) {
	res, err := unlockScript.Run(ctx, h.client, names, owner, releasedSep, h.channel).Result()
	if err != nil {
		return nil, err
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, ErrProtocolFromHandler
	}
	released := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			released = append(released, s)
		}
	}
	return released, nil
}

func (h *Scripted) Refresh(ctx context.Context, names []string, owner string, lease time.Duration) (bool, error) {
	deadline, ttlMS, _ := deadlineArgs(lease)
	res, err := refreshScript.Run(ctx, h.client, names, owner, deadline, ttlMS).Result()
	if err != nil {
		return false, err
	}
	return toInt64(res) == 1, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// ErrProtocolFromHandler is returned when the unlock script's return value
// cannot be interpreted, which indicates a server/driver mismatch rather
// than a missing script (that case is handled transparently by
// redis.Script.Run).
var ErrProtocolFromHandler = fmt.Errorf("handler: unexpected script reply")
