package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enums
type TaskType string

const (
	TaskGenerateImage TaskType = "generate_image"
	TaskChangeClothes TaskType = "change_clothes"
	TaskGenerateVideo TaskType = "generate_video"
)

// TaskTypes lists every task a scene can run, in display order.
var TaskTypes = []TaskType{TaskGenerateImage, TaskChangeClothes, TaskGenerateVideo}

// ParseTaskType validates a task name coming from the API or the job queue.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

type TaskState string

const (
	TaskStateIdle              TaskState = "idle"
	TaskStateEnqueuing         TaskState = "enqueuing"
	TaskStateWaitingForRelease TaskState = "waiting_for_release"
	TaskStateExecuting         TaskState = "executing"
	TaskStateSucceeded         TaskState = "succeeded"
	TaskStateFailed            TaskState = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s TaskState) Terminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

type ProjectStatus string

const (
	ProjectStatusDraft     ProjectStatus = "draft"
	ProjectStatusRendering ProjectStatus = "rendering"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusFailed    ProjectStatus = "failed"
)

// Models

// Scene is one unit of video content. It is only ever mutated through a
// read-all / replace-all cycle over the owning project's scene list.
type Scene struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Cena      string    `json:"cena,omitempty"` // Human-facing sequence label
	TimeStart float64   `json:"time_start"`
	TimeEnd   float64   `json:"time_end"`

	Prompt                string  `json:"prompt,omitempty"`                  // Image generation prompt
	VideoPrompt           *string `json:"video_prompt,omitempty"`            // Motion description for video generation
	ReferenceAssetPath    string  `json:"reference_asset_path,omitempty"`    // Source image/video chosen by the author
	ClothingReferencePath *string `json:"clothing_reference_path,omitempty"` // Garment image for the try-on task

	GeneratedAssetPath   *string `json:"generated_asset_path,omitempty"`
	ThumbPath            *string `json:"thumb_path,omitempty"`
	PreviewPath          *string `json:"preview_path,omitempty"`
	PreviewQueuePosition *int    `json:"preview_queue_position,omitempty"`

	IsGenerating      bool `json:"is_generating"`
	IsChangingClothes bool `json:"is_changing_clothes"`
	IsGeneratingVideo bool `json:"is_generating_video"`

	AttemptCounter     int     `json:"attempt_counter"`
	ErrorMessage       *string `json:"error_message,omitempty"`
	QueueRequestID     *string `json:"queue_request_id,omitempty"`
	QueueStatusMessage *string `json:"queue_status_message,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Label returns the cena label, falling back to the short scene id so cache
// file names stay unique for unlabeled scenes.
func (s *Scene) Label() string {
	if l := strings.TrimSpace(s.Cena); l != "" {
		return l
	}
	return s.ID.String()[:8]
}

// HasValidWindow reports whether the narration window can be rendered.
func (s *Scene) HasValidWindow() bool {
	return s.TimeEnd > s.TimeStart
}

// Duration is the narration window length in seconds.
func (s *Scene) Duration() float64 {
	return s.TimeEnd - s.TimeStart
}

// HasGeneratedAsset reports whether a generation task has produced a usable asset.
func (s *Scene) HasGeneratedAsset() bool {
	return s.GeneratedAssetPath != nil && strings.TrimSpace(*s.GeneratedAssetPath) != ""
}

// SourceAssetPath is the image a task starts from: the latest generated asset,
// or the author's reference when nothing was generated yet.
func (s *Scene) SourceAssetPath() string {
	if s.HasGeneratedAsset() {
		return *s.GeneratedAssetPath
	}
	return s.ReferenceAssetPath
}

// TaskFlag returns the in-progress flag for task t.
func (s *Scene) TaskFlag(t TaskType) bool {
	switch t {
	case TaskGenerateImage:
		return s.IsGenerating
	case TaskChangeClothes:
		return s.IsChangingClothes
	case TaskGenerateVideo:
		return s.IsGeneratingVideo
	}
	return false
}

// SetTaskFlag sets the in-progress flag for task t.
func (s *Scene) SetTaskFlag(t TaskType, v bool) {
	switch t {
	case TaskGenerateImage:
		s.IsGenerating = v
	case TaskChangeClothes:
		s.IsChangingClothes = v
	case TaskGenerateVideo:
		s.IsGeneratingVideo = v
	}
}

// Busy reports whether any task flag is raised.
func (s *Scene) Busy() bool {
	return s.IsGenerating || s.IsChangingClothes || s.IsGeneratingVideo
}

// ClearQueueBookkeeping drops the transient admission-protocol fields.
func (s *Scene) ClearQueueBookkeeping() {
	s.QueueRequestID = nil
	s.QueueStatusMessage = nil
	s.PreviewQueuePosition = nil
}

type Project struct {
	ID             uuid.UUID     `json:"id"`
	Name           string        `json:"name"`
	NarrationPath  string        `json:"narration_path"`
	MusicPath      *string       `json:"music_path,omitempty"`
	SubtitlePath   *string       `json:"subtitle_path,omitempty"`
	Status         ProjectStatus `json:"status"`
	RenderProgress float64       `json:"render_progress"`
	FinalVideoPath *string       `json:"final_video_path,omitempty"`
	FinalVideoURL  *string       `json:"final_video_url,omitempty"`
	ErrorMessage   *string       `json:"error_message,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// RenderSettings are the global settings that change how previews look.
// Every field participates in the preview cache fingerprint.
type RenderSettings struct {
	PanZoom    bool `json:"pan_zoom" yaml:"pan_zoom"`
	HighMotion bool `json:"high_motion" yaml:"high_motion"`
	Width      int  `json:"width" yaml:"width" validate:"required,min=16,max=7680"`
	Height     int  `json:"height" yaml:"height" validate:"required,min=16,max=7680"`
	FPS        int  `json:"fps" yaml:"fps" validate:"required,min=1,max=120"`
}

// DefaultRenderSettings is a 1080x1920 portrait render at 30fps with pan/zoom on.
func DefaultRenderSettings() RenderSettings {
	return RenderSettings{
		PanZoom: true,
		Width:   1080,
		Height:  1920,
		FPS:     30,
	}
}

// DTOs for API requests and responses

type CreateProjectRequest struct {
	Name          string  `json:"name" validate:"required"`
	NarrationPath string  `json:"narration_path" validate:"required"`
	MusicPath     *string `json:"music_path,omitempty"`
	SubtitlePath  *string `json:"subtitle_path,omitempty"`
}

type StartTaskRequest struct {
	Task string `json:"task" validate:"required,oneof=generate_image change_clothes generate_video"`
}

type ReplaceScenesRequest struct {
	Scenes []Scene `json:"scenes" validate:"dive"`
}

type ProjectResponse struct {
	Project
	Scenes    []Scene `json:"scenes"`
	Rendering bool    `json:"rendering"`
}

type AcceptedResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Status string    `json:"status"`
}
