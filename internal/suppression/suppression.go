// Package suppression implements the Hotspot Primitives: scripted atomic
// suppression activation and counter increments, plus a distributed lock
// for general-purpose counter paths, using redis.NewScript for the
// atomic compare-and-set activation logic.
package suppression

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outcome enumerates activate_suppression results.
type Outcome string

const (
	OutcomeActivated Outcome = "Activated"
	OutcomeUpdated   Outcome = "Updated"
	OutcomeConflict  Outcome = "Conflict"
)

// ErrDeviceUnavailable is returned when the target device is missing,
// disabled, or disconnected.
var ErrDeviceUnavailable = errors.New("suppression: device missing, disabled, or disconnected")

// ErrConflict is returned when an incompatible suppression type is already
// active for the device.
var ErrConflict = errors.New("suppression: conflicting suppression type already active")

// State is the persisted per-device suppression record.
type State struct {
	Type        string    `json:"type"`
	Zone        string    `json:"zone"`
	Intensity   int       `json:"intensity"`
	ActivatedAt time.Time `json:"activated_at"`
	LastUpdated time.Time `json:"last_updated"`
}

func stateKey(deviceID string) string  { return "suppression:state:" + deviceID }
func historyKey(deviceID string) string { return "suppression:history:" + deviceID }
func counterKey(deviceID, name string) string { return fmt.Sprintf("suppression:counter:%s:%s", deviceID, name) }
func totalCounterKey(deviceID string) string  { return "suppression:counter:" + deviceID + ":total" }

const historyLimit = 100

// activateScript implements the 4-step read-modify-write activation logic
// atomically w.r.t. other suppression operations on the same device key.
var activateScript = redis.NewScript(`
local stateKey = KEYS[1]
local historyKey = KEYS[2]
local totalCounterKey = KEYS[3]
local typeCounterKey = KEYS[4]

local newType = ARGV[1]
local zone = ARGV[2]
local intensity = ARGV[3]
local now = ARGV[4]
local expireSeconds = tonumber(ARGV[5])
local deviceEnabled = ARGV[6]

if deviceEnabled == "0" then
	return {err = "device_unavailable"}
end

local existing = redis.call("GET", stateKey)
if existing then
	local decoded = cjson.decode(existing)
	if decoded.type ~= newType then
		return {"Conflict", existing}
	end
	decoded.intensity = tonumber(intensity)
	decoded.last_updated = now
	local encoded = cjson.encode(decoded)
	redis.call("SET", stateKey, encoded, "EX", expireSeconds)
	return {"Updated", encoded}
end

local record = cjson.encode({
	type = newType,
	zone = zone,
	intensity = tonumber(intensity),
	activated_at = now,
	last_updated = now,
})
redis.call("SET", stateKey, record, "EX", expireSeconds)
redis.call("INCR", totalCounterKey)
redis.call("INCR", typeCounterKey)
redis.call("LPUSH", historyKey, record)
redis.call("LTRIM", historyKey, 0, ` + fmt.Sprint(historyLimit-1) + `)
return {"Activated", record}
`)

var incrementScript = redis.NewScript(`
local totalCounterKey = KEYS[1]
local typeCounterKey = KEYS[2]
local lastActivationKey = KEYS[3]
local now = ARGV[1]

redis.call("INCR", totalCounterKey)
redis.call("INCR", typeCounterKey)
redis.call("SET", lastActivationKey, now)
return redis.call("GET", typeCounterKey)
`)

// DeviceStatusFunc reports whether a device is enabled and connected; the
// activation script needs this evaluated before it runs since Lua scripts
// cannot reach outside Redis.
type DeviceStatusFunc func(ctx context.Context, deviceID string) (enabled bool, err error)

// Controller executes the hotspot primitives against a Redis client.
type Controller struct {
	client       *redis.Client
	deviceStatus DeviceStatusFunc
	autoExpire   time.Duration
	locker       *Locker
}

// NewController builds a Controller. deviceStatus resolves whether a
// device is currently enabled; autoExpire bounds how long a suppression
// stays active without renewal.
func NewController(client *redis.Client, deviceStatus DeviceStatusFunc, autoExpire time.Duration) *Controller {
	return &Controller{
		client:       client,
		deviceStatus: deviceStatus,
		autoExpire:   autoExpire,
		locker:       NewLocker(client),
	}
}

// ActivateSuppression runs the activate_suppression primitive.
func (c *Controller) ActivateSuppression(ctx context.Context, deviceID, zone, suppressionType string, intensity int) (Outcome, error) {
	enabled, err := c.deviceStatus(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("suppression: device status: %w", err)
	}
	enabledFlag := "0"
	if enabled {
		enabledFlag = "1"
	}
	if !enabled {
		return "", ErrDeviceUnavailable
	}

	now := time.Now().UTC().Format(time.RFC3339)
	result, err := activateScript.Run(ctx, c.client,
		[]string{stateKey(deviceID), historyKey(deviceID), totalCounterKey(deviceID), counterKey(deviceID, suppressionType)},
		suppressionType, zone, intensity, now, int(c.autoExpire.Seconds()), enabledFlag,
	).Result()
	if err != nil {
		return "", fmt.Errorf("suppression: activate script: %w", err)
	}

	pair, ok := result.([]any)
	if !ok || len(pair) < 1 {
		return "", fmt.Errorf("suppression: unexpected script result")
	}
	outcome := Outcome(fmt.Sprint(pair[0]))
	if outcome == OutcomeConflict {
		return outcome, ErrConflict
	}
	return outcome, nil
}

// IncrementCounter bumps a per-type and total counter for a device.
func (c *Controller) IncrementCounter(ctx context.Context, deviceID, counterName string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := incrementScript.Run(ctx, c.client,
		[]string{totalCounterKey(deviceID), counterKey(deviceID, counterName), "suppression:last_activation:" + deviceID},
		now,
	).Result()
	if err != nil {
		return 0, fmt.Errorf("suppression: increment script: %w", err)
	}
	switch v := result.(type) {
	case int64:
		return v, nil
	case string:
		var n int64
		_, err := fmt.Sscanf(v, "%d", &n)
		return n, err
	default:
		return 0, fmt.Errorf("suppression: unexpected counter result type %T", result)
	}
}

// GetState returns the active suppression for a device, if any.
func (c *Controller) GetState(ctx context.Context, deviceID string) (*State, error) {
	data, err := c.client.Get(ctx, stateKey(deviceID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Locker is a lease-based distributed lock keyed by device + counter name,
// used for general-purpose counter paths not encapsulated in a script.
type Locker struct {
	client *redis.Client
}

// NewLocker builds a Locker.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// ErrLockNotAcquired is returned when a lock could not be obtained within
// the bounded wait.
var ErrLockNotAcquired = errors.New("suppression: lock not acquired")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock acquires a lease-based lock on (deviceID, counterName), retrying
// with a short sleep until maxWait elapses.
func (l *Locker) Lock(ctx context.Context, deviceID, counterName string, lease, maxWait time.Duration) (*Lease, error) {
	key := fmt.Sprintf("suppression:lock:%s:%s", deviceID, counterName)
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(maxWait)
	for {
		ok, err := l.client.SetNX(ctx, key, token, lease).Result()
		if err != nil {
			return nil, fmt.Errorf("suppression: lock acquire: %w", err)
		}
		if ok {
			return &Lease{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Lease is a held lock; it releases automatically on lease expiry even if
// Release is never called.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Release gives up the lock early, only if still held by this lease.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
