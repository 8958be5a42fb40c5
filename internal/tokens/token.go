// Package tokens issues and validates opaque bearer tokens for device
// sessions, backed by Redis.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken is returned when a token does not resolve to a device, has
// expired, or was already consumed (for single-use refresh tokens).
var ErrInvalidToken = errors.New("tokens: invalid or expired token")

const (
	accessPrefix  = "token:access:"
	refreshPrefix = "token:refresh:"
	deviceAccessSet = "device_access_tokens:"
)

// Pair is an issued access/refresh token set.
type Pair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager issues and validates opaque tokens against Redis.
type Manager struct {
	client      *redis.Client
	accessTTL   time.Duration
	refreshTTL  time.Duration
}

// NewManager builds a Manager with the given TTLs.
func NewManager(client *redis.Client, accessTTL, refreshTTL time.Duration) *Manager {
	return &Manager{client: client, accessTTL: accessTTL, refreshTTL: refreshTTL}
}

func generateOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("tokens: generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue mints a fresh access/refresh pair bound to deviceID, registering the
// access token in the device's active-token set so RevokeDevice can find it.
func (m *Manager) Issue(ctx context.Context, deviceID string) (*Pair, error) {
	access, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}
	refresh, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}

	pipe := m.client.Pipeline()
	pipe.Set(ctx, accessPrefix+access, deviceID, m.accessTTL)
	pipe.Set(ctx, refreshPrefix+refresh, deviceID, m.refreshTTL)
	pipe.SAdd(ctx, deviceAccessSet+deviceID, access)
	pipe.Expire(ctx, deviceAccessSet+deviceID, m.refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("tokens: issue: %w", err)
	}

	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(m.accessTTL),
	}, nil
}

// Validate resolves an access token to its owning device ID.
func (m *Manager) Validate(ctx context.Context, accessToken string) (string, error) {
	deviceID, err := m.client.Get(ctx, accessPrefix+accessToken).Result()
	if err == redis.Nil {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("tokens: validate: %w", err)
	}
	return deviceID, nil
}

// Refresh consumes refreshToken exactly once and issues a new pair for the
// same device. Access tokens issued earlier stay valid until they expire or
// are revoked.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Pair, error) {
	key := refreshPrefix + refreshToken
	deviceID, err := m.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("tokens: refresh lookup: %w", err)
	}

	// Single-use: delete immediately so a replayed refresh token fails even
	// under concurrent use.
	deleted, err := m.client.Del(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("tokens: refresh invalidate: %w", err)
	}
	if deleted == 0 {
		return nil, ErrInvalidToken
	}

	return m.Issue(ctx, deviceID)
}

// RevokeDevice invalidates every access token issued to deviceID. Refresh
// tokens are not tracked per device and are left untouched.
func (m *Manager) RevokeDevice(ctx context.Context, deviceID string) error {
	setKey := deviceAccessSet + deviceID
	tokensList, err := m.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("tokens: revoke device: %w", err)
	}
	if len(tokensList) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, tok := range tokensList {
		pipe.Del(ctx, accessPrefix+tok)
	}
	pipe.Del(ctx, setKey)
	_, err = pipe.Exec(ctx)
	return err
}
