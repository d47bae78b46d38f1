package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	EventRenderProgress  = "render.progress"
	EventRenderCompleted = "render.completed"
	EventRenderFailed    = "render.failed"
)

type Event struct {
	Type      string    `json:"type"`
	ProjectID uuid.UUID `json:"project_id"`
	Progress  float64   `json:"progress,omitempty"`
	VideoPath string    `json:"video_path,omitempty"`
	VideoURL  string    `json:"video_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// NotificationChannel is the pub/sub channel carrying a project's events.
func NotificationChannel(projectID uuid.UUID) string {
	return "notifications:" + projectID.String()
}

// RedisNotifier publishes render events on Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return n.client.Publish(ctx, NotificationChannel(event.ProjectID), data).Err()
}
