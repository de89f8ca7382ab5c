/**
 * Job event publisher
 *
 * Tracks job state in Redis sets and publishes job:<status> events on
 * <queue>:events for streaming clients.
 */

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is one job state change
type Event struct {
	Event     string                 `json:"event"`
	JobID     string                 `json:"jobId"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventPublisher publishes job events through go-redis
type EventPublisher struct {
	client *redis.Client
	queue  string
}

// NewEventPublisher connects to redisURL
func NewEventPublisher(redisURL, queueName string) (*EventPublisher, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if queueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &EventPublisher{client: client, queue: queueName}, nil
}

// Channel is the pub/sub channel events are published on
func (p *EventPublisher) Channel() string {
	return fmt.Sprintf("%s:events", p.queue)
}

// Publish records the job's state and publishes the event
func (p *EventPublisher) Publish(ctx context.Context, jobID, status string, data map[string]interface{}) error {
	processing := fmt.Sprintf("%s:processing", p.queue)

	pipe := p.client.TxPipeline()
	switch status {
	case "processing":
		pipe.SAdd(ctx, processing, jobID)
	case "failed":
		pipe.SRem(ctx, processing, jobID)
		pipe.SAdd(ctx, fmt.Sprintf("%s:failed", p.queue), jobID)
	default:
		pipe.SRem(ctx, processing, jobID)
		pipe.SAdd(ctx, fmt.Sprintf("%s:finished", p.queue), jobID)
	}

	event, err := json.Marshal(Event{
		Event:     fmt.Sprintf("job:%s", status),
		JobID:     jobID,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	pipe.Publish(ctx, p.Channel(), event)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

// GetStats returns job counts by state
func (p *EventPublisher) GetStats(ctx context.Context) (map[string]int64, error) {
	stats := make(map[string]int64, 3)
	for _, state := range []string{"processing", "finished", "failed"} {
		n, err := p.client.SCard(ctx, fmt.Sprintf("%s:%s", p.queue, state)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s count: %w", state, err)
		}
		stats[state] = n
	}
	return stats, nil
}

// Close closes the Redis connection
func (p *EventPublisher) Close() error {
	return p.client.Close()
}
