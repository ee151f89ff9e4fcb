package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/mechanic-dispatch/internal/events"
)

// Audience values used to route real-time events.
const (
	AudienceCoordinators = "coordinators"
	audienceMechanic     = "mechanic:"
)

// MechanicAudience returns the audience of a single technician.
func MechanicAudience(mechanicID string) string {
	return audienceMechanic + mechanicID
}

// Publisher delivers an event to everyone listening on audience.
type Publisher interface {
	Publish(ctx context.Context, audience string, event events.Event) error
}

// RedisPublisher relays events over Redis pub/sub; socket servers subscribe to
// "<prefix>:<audience>" channels and push them to connected clients.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher builds a publisher using channel prefix.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	if strings.TrimSpace(prefix) == "" {
		prefix = "notifications"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for audience.
func (p *RedisPublisher) Channel(audience string) string {
	return p.prefix + ":" + audience
}

// Publish serializes event as JSON onto the audience channel.
func (p *RedisPublisher) Publish(ctx context.Context, audience string, event events.Event) error {
	if p == nil || p.client == nil {
		return errors.New("redis publisher not configured")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(audience), body).Err()
}
