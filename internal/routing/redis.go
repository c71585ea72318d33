// Package routing flips the active region in the traffic layer.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FairForge/failover/internal/ha"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNoActiveRegion is returned when routing has never been set for a dataset
var ErrNoActiveRegion = errors.New("no active region recorded")

// Cutover is published to subscribers whenever the active region changes
type Cutover struct {
	Dataset string      `json:"dataset"`
	Region  ha.RegionID `json:"region"`
	At      time.Time   `json:"at"`
}

// redisClient is the subset of *redis.Client the router needs
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisRouter stores the active region in Redis and announces changes
// on a pub/sub channel that edge proxies subscribe to.
type RedisRouter struct {
	client  redisClient
	dataset string
	logger  *zap.Logger
	now     func() time.Time
}

// NewRedisClient returns a connected Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// NewRedisRouter creates a router for one dataset
func NewRedisRouter(client redisClient, dataset string, logger *zap.Logger) *RedisRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRouter{
		client:  client,
		dataset: dataset,
		logger:  logger.Named("routing-redis"),
		now:     time.Now,
	}
}

func (r *RedisRouter) activeKey() string     { return "failover:" + r.dataset + ":active" }
func (r *RedisRouter) eventsChannel() string { return "failover:" + r.dataset + ":events" }

// SetActiveRegion records region as active and publishes the cutover.
// The key is written first so late subscribers read the new value.
func (r *RedisRouter) SetActiveRegion(ctx context.Context, region ha.RegionID) error {
	if err := r.client.Set(ctx, r.activeKey(), string(region), 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.activeKey(), err)
	}

	payload, err := json.Marshal(Cutover{Dataset: r.dataset, Region: region, At: r.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal cutover: %w", err)
	}

	receivers, err := r.client.Publish(ctx, r.eventsChannel(), payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", r.eventsChannel(), err)
	}

	r.logger.Info("active region updated",
		zap.String("dataset", r.dataset),
		zap.String("region", string(region)),
		zap.Int64("receivers", receivers))
	return nil
}

// ActiveRegion returns the region currently receiving traffic
func (r *RedisRouter) ActiveRegion(ctx context.Context) (ha.RegionID, error) {
	val, err := r.client.Get(ctx, r.activeKey()).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNoActiveRegion
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", r.activeKey(), err)
	}
	return ha.RegionID(val), nil
}
