package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseTaskType(t *testing.T) {
	for _, tt := range TaskTypes {
		got, err := ParseTaskType(string(tt))
		if err != nil || got != tt {
			t.Errorf("ParseTaskType(%q) = %q, %v", tt, got, err)
		}
	}
	if _, err := ParseTaskType("upscale"); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := map[TaskState]bool{
		TaskStateIdle:              false,
		TaskStateEnqueuing:         false,
		TaskStateWaitingForRelease: false,
		TaskStateExecuting:         false,
		TaskStateSucceeded:         true,
		TaskStateFailed:            true,
	}
	for state, want := range terminal {
		if got := state.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", state, got, want)
		}
	}
}

func TestSceneLabelFallsBackToID(t *testing.T) {
	s := Scene{ID: uuid.MustParse("0f0e0d0c-1111-2222-3333-444455556666")}
	if got := s.Label(); got != "0f0e0d0c" {
		t.Errorf("expected short id label, got %q", got)
	}
	s.Cena = " 12 "
	if got := s.Label(); got != "12" {
		t.Errorf("expected trimmed cena, got %q", got)
	}
}

func TestSceneTaskFlags(t *testing.T) {
	var s Scene
	for _, tt := range TaskTypes {
		s.SetTaskFlag(tt, true)
		if !s.TaskFlag(tt) || !s.Busy() {
			t.Errorf("flag for %s not raised", tt)
		}
		s.SetTaskFlag(tt, false)
		if s.Busy() {
			t.Errorf("flag for %s not cleared", tt)
		}
	}
}

func TestSceneWindow(t *testing.T) {
	s := Scene{TimeStart: 3, TimeEnd: 3}
	if s.HasValidWindow() {
		t.Error("zero-length window should be invalid")
	}
	s.TimeEnd = 7.5
	if !s.HasValidWindow() || s.Duration() != 4.5 {
		t.Errorf("unexpected window: valid=%v duration=%v", s.HasValidWindow(), s.Duration())
	}
}

func TestHasGeneratedAsset(t *testing.T) {
	var s Scene
	if s.HasGeneratedAsset() {
		t.Error("nil path should not count")
	}
	blank := "  "
	s.GeneratedAssetPath = &blank
	if s.HasGeneratedAsset() {
		t.Error("blank path should not count")
	}
	p := "/w/assets/a.png"
	s.GeneratedAssetPath = &p
	if !s.HasGeneratedAsset() {
		t.Error("expected asset")
	}
}
