package audio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// levelKey returns the Redis key the capture edge writes meter readings to.
// The DJ console (system/device methods) and the ingest edge (ingress method)
// publish the same shape.
func levelKey(method Method, params Params) string {
	switch method {
	case MethodIngress:
		return "levels:ingress:" + params.MountName
	default:
		return fmt.Sprintf("levels:%s:%s", method, params.DeviceID)
	}
}

// meterReading is the JSON shape written by the capture edge.
type meterReading struct {
	Amplitude  float64   `json:"amplitude"`
	Connected  bool      `json:"connected"`
	Permission bool      `json:"permission"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RedisDriver reads capture-edge meter readings from Redis. A reading older
// than staleAfter counts as a lost device.
type RedisDriver struct {
	client     *redis.Client
	staleAfter time.Duration
}

// NewRedisDriver creates a driver over the given client. staleAfter bounds
// how old a meter reading may be before the source counts as disconnected.
func NewRedisDriver(client *redis.Client, staleAfter time.Duration) *RedisDriver {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Second
	}
	return &RedisDriver{client: client, staleAfter: staleAfter}
}

// Open validates that the capture edge is reporting for this source and
// returns a Capture polling its meter readings.
func (d *RedisDriver) Open(ctx context.Context, method Method, params Params) (Capture, error) {
	key := levelKey(method, params)
	reading, err := d.read(ctx, key)
	if err == redis.Nil {
		switch method {
		case MethodDevice:
			return nil, ErrDeviceNotFound
		default:
			return nil, ErrNoAudioTrack
		}
	}
	if err != nil {
		return nil, fmt.Errorf("read meter: %w", err)
	}
	if !reading.Permission {
		return nil, ErrPermissionDenied
	}
	if !reading.Connected {
		switch method {
		case MethodDevice:
			return nil, ErrDeviceNotFound
		default:
			return nil, ErrNoAudioTrack
		}
	}
	return &redisCapture{driver: d, key: key}, nil
}

// errBadReading marks a meter payload the edge wrote but this service cannot
// decode. Unlike a transport failure, it does not heal by retrying.
var errBadReading = errors.New("audio: bad meter reading")

func (d *RedisDriver) read(ctx context.Context, key string) (*meterReading, error) {
	raw, err := d.client.Get(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	var r meterReading
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadReading, err)
	}
	return &r, nil
}

type redisCapture struct {
	driver *RedisDriver
	key    string
}

func (c *redisCapture) ReadLevel(ctx context.Context) (float64, error) {
	reading, err := c.driver.read(ctx, c.key)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, errBadReading):
		return 0, err
	default:
		// redis.Nil and transport errors alike: the meter is unreadable
		// right now, which the caller treats as a recoverable loss.
		return 0, ErrDeviceLost
	}
	if !reading.Connected || time.Since(reading.UpdatedAt) > c.driver.staleAfter {
		return 0, ErrDeviceLost
	}
	return reading.Amplitude, nil
}

// Close deletes the meter key so the capture edge sees the release and stops
// the underlying capture (turning off the OS-level indicator).
func (c *redisCapture) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.driver.client.Del(ctx, c.key).Err()
}
