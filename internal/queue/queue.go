package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	QueueSceneTask      = "queue:scene_task"
	QueueEnsurePreviews = "queue:ensure_previews"
	QueueRender         = "queue:render"
)

const (
	JobTypeSceneTask      = "scene_task"
	JobTypeEnsurePreviews = "ensure_previews"
	JobTypeRender         = "render"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// statusTTL bounds how long finished job states stay queryable.
const statusTTL = 24 * time.Hour

// The render lock is shared by every API process. It is taken when a render
// is enqueued and released by the assembler when that render ends; the TTL
// frees it if the holder dies.
const (
	renderLockKey = "lock:render"
	renderLockTTL = 2 * time.Hour
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrRenderLocked = errors.New("a render is already queued or running")
)

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID  `json:"id"`
	Type      string     `json:"type"`
	ProjectID uuid.UUID  `json:"project_id"`
	SceneID   *uuid.UUID `json:"scene_id,omitempty"`
	Task      string     `json:"task,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// JobState is the last recorded status of a job.
type JobState struct {
	ID        uuid.UUID `json:"id"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Connect opens a Redis client from a URL and checks it answers.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func statusKey(id uuid.UUID) string {
	return "job:" + id.String()
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.SetStatus(ctx, job.ID, JobStatusQueued, ""); err != nil {
		return err
	}
	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	return decodeJob([]byte(result[1]))
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.ID == uuid.Nil || job.Type == "" {
		return nil, fmt.Errorf("malformed job: %s", string(data))
	}
	return &job, nil
}

// SetStatus records a job's state; it expires a day after the last update.
func (q *Queue) SetStatus(ctx context.Context, id uuid.UUID, status JobStatus, errMsg string) error {
	key := statusKey(id)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, "status", string(status), "error", errMsg, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, statusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record job status: %w", err)
	}
	return nil
}

func (q *Queue) GetStatus(ctx context.Context, id uuid.UUID) (*JobState, error) {
	fields, err := q.client.HGetAll(ctx, statusKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job status: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	state := &JobState{ID: id, Status: JobStatus(fields["status"]), Error: fields["error"]}
	state.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	return state, nil
}

// EnqueueSceneTask enqueues one generation task for one scene.
func (q *Queue) EnqueueSceneTask(ctx context.Context, projectID, sceneID uuid.UUID, task string) (uuid.UUID, error) {
	job := &Job{
		Type:      JobTypeSceneTask,
		ProjectID: projectID,
		SceneID:   &sceneID,
		Task:      task,
	}
	if err := q.Enqueue(ctx, QueueSceneTask, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// EnqueueEnsurePreviews enqueues a preview refresh for every scene of a project.
func (q *Queue) EnqueueEnsurePreviews(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	job := &Job{Type: JobTypeEnsurePreviews, ProjectID: projectID}
	if err := q.Enqueue(ctx, QueueEnsurePreviews, job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

// EnqueueRender enqueues the final assembly of a project. It fails with
// ErrRenderLocked while another render is queued or running anywhere.
func (q *Queue) EnqueueRender(ctx context.Context, projectID uuid.UUID) (uuid.UUID, error) {
	job := &Job{ID: uuid.New(), Type: JobTypeRender, ProjectID: projectID}

	acquired, err := q.client.SetNX(ctx, renderLockKey, job.ID.String(), renderLockTTL).Result()
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to take render lock: %w", err)
	}
	if !acquired {
		return uuid.Nil, ErrRenderLocked
	}

	if err := q.Enqueue(ctx, QueueRender, job); err != nil {
		q.client.Del(context.WithoutCancel(ctx), renderLockKey)
		return uuid.Nil, err
	}
	return job.ID, nil
}

// ReleaseRender frees the render lock.
func (q *Queue) ReleaseRender(ctx context.Context) error {
	if err := q.client.Del(ctx, renderLockKey).Err(); err != nil {
		return fmt.Errorf("failed to release render lock: %w", err)
	}
	return nil
}
