package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobarin/cenaflow/internal/admission"
	"github.com/bobarin/cenaflow/internal/models"
	"github.com/bobarin/cenaflow/internal/scenes"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeAdmission struct {
	mu        sync.Mutex
	enqueues  int
	confirms  map[string]int
	statuses  []error // scripted: nil means released, errPending means waiting
	polls     int
	enqueueFn func() error
	onStatus  func(n int)
}

var errPending = errors.New("pending")

func newFakeAdmission(script ...error) *fakeAdmission {
	return &fakeAdmission{confirms: map[string]int{}, statuses: script}
}

func (f *fakeAdmission) Enqueue(ctx context.Context, requestID, lane string) (admission.EnqueueResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueues++
	if f.enqueueFn != nil {
		if err := f.enqueueFn(); err != nil {
			return admission.EnqueueResponse{}, err
		}
	}
	return admission.EnqueueResponse{Position: 2}, nil
}

func (f *fakeAdmission) Status(ctx context.Context, requestID, lane string) (admission.StatusResponse, error) {
	f.mu.Lock()
	f.polls++
	n := f.polls
	var next error = errPending
	if len(f.statuses) > 0 {
		next = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	hook := f.onStatus
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	switch {
	case next == nil:
		return admission.StatusResponse{Status: admission.StatusReleased, Position: 1}, nil
	case errors.Is(next, errPending):
		return admission.StatusResponse{Status: admission.StatusWaiting, Position: 2, Message: "Aguardando na fila: posição 2"}, nil
	default:
		return admission.StatusResponse{}, next
	}
}

func (f *fakeAdmission) Confirm(ctx context.Context, requestID, lane string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms[requestID]++
	return nil
}

func (f *fakeAdmission) totalConfirms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.confirms {
		total += n
	}
	return total
}

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, s models.Scene) (string, error)
}

func (g *fakeGenerator) Generate(ctx context.Context, s models.Scene) (string, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return g.fn(ctx, s)
}

func (g *fakeGenerator) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeThumbs struct{}

func (fakeThumbs) Thumbnail(ctx context.Context, videoPath string) (string, error) {
	return videoPath + ".jpg", nil
}

type fixture struct {
	orch      *Orchestrator
	admission *fakeAdmission
	gen       *fakeGenerator
	updater   *scenes.Updater
	projectID uuid.UUID
	sceneID   uuid.UUID
}

func newFixture(t *testing.T, task models.TaskType, adm *fakeAdmission, gen *fakeGenerator, attempts int) *fixture {
	t.Helper()

	store := scenes.NewMemoryStore()
	projectID, sceneID := uuid.New(), uuid.New()
	clothing := "/ref/jacket.png"
	err := store.ReplaceAll(context.Background(), projectID, []models.Scene{{
		ID:                    sceneID,
		ProjectID:             projectID,
		Cena:                  "1",
		TimeStart:             0,
		TimeEnd:               4,
		ReferenceAssetPath:    "/ref/scene1.png",
		ClothingReferencePath: &clothing,
	}})
	if err != nil {
		t.Fatal(err)
	}

	updater := scenes.NewUpdater(store, zerolog.Nop())
	t.Cleanup(updater.Close)

	policy := Policy{Lane: "imagem", PollInterval: time.Millisecond, MaxPolls: 5, MaxAttempts: attempts, RetryDelay: time.Millisecond}
	orch := New(Config{
		Admission:   adm,
		Scenes:      updater,
		Generators:  map[models.TaskType]Generator{task: gen},
		Thumbnailer: fakeThumbs{},
		Policies:    map[models.TaskType]Policy{task: policy},
		Logger:      zerolog.Nop(),
	})

	return &fixture{orch: orch, admission: adm, gen: gen, updater: updater, projectID: projectID, sceneID: sceneID}
}

func (f *fixture) scene(t *testing.T) models.Scene {
	t.Helper()
	s, err := f.updater.Get(context.Background(), f.projectID, f.sceneID)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func returns(path string) *fakeGenerator {
	return &fakeGenerator{fn: func(context.Context, models.Scene) (string, error) { return path, nil }}
}

func TestRunImageSuccess(t *testing.T) {
	f := newFixture(t, models.TaskGenerateImage, newFakeAdmission(errPending, nil), returns("/w/assets/new.png"), 1)

	if err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := f.scene(t)
	if s.IsGenerating || s.AttemptCounter != 0 || s.ErrorMessage != nil {
		t.Errorf("expected clean scene, got generating=%v attempts=%d err=%v", s.IsGenerating, s.AttemptCounter, s.ErrorMessage)
	}
	if !s.HasGeneratedAsset() || *s.GeneratedAssetPath != "/w/assets/new.png" {
		t.Errorf("unexpected asset: %v", s.GeneratedAssetPath)
	}
	if s.ThumbPath == nil || *s.ThumbPath != "/w/assets/new.png" {
		t.Errorf("expected thumb to be the image itself, got %v", s.ThumbPath)
	}
	if s.QueueRequestID != nil || s.QueueStatusMessage != nil || s.PreviewQueuePosition != nil {
		t.Error("expected queue bookkeeping cleared")
	}
	if got := f.admission.totalConfirms(); got != 1 {
		t.Errorf("expected exactly one confirm, got %d", got)
	}
}

func TestRunExhaustedRetriesClearsFlag(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, models.Scene) (string, error) {
		return "", errors.New("model overloaded")
	}}
	f := newFixture(t, models.TaskGenerateImage, newFakeAdmission(nil), gen, 3)

	err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	if !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected ErrGeneration, got %v", err)
	}
	if gen.count() != 3 {
		t.Errorf("expected 3 attempts, got %d", gen.count())
	}

	s := f.scene(t)
	if s.IsGenerating {
		t.Error("flag left raised after terminal failure")
	}
	if s.ErrorMessage == nil || *s.ErrorMessage == "" {
		t.Error("expected error message on scene")
	}
	if s.HasGeneratedAsset() {
		t.Error("no asset expected")
	}
	if got := f.admission.totalConfirms(); got != 1 {
		t.Errorf("expected exactly one confirm, got %d", got)
	}
}

func TestRunReenqueuesWhenCoordinatorForgets(t *testing.T) {
	adm := newFakeAdmission(errPending, admission.ErrNotRegistered, nil)
	f := newFixture(t, models.TaskGenerateImage, adm, returns("/w/assets/a.png"), 1)

	if err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage); err != nil {
		t.Fatalf("expected recovery from lost registration, got %v", err)
	}
	if adm.enqueues != 2 {
		t.Errorf("expected one re-enqueue, got %d enqueues", adm.enqueues)
	}
	if len(adm.confirms) != 1 {
		t.Errorf("expected re-enqueue to reuse the request id, got %v", adm.confirms)
	}
	if f.gen.count() != 1 {
		t.Errorf("expected generator to run once, got %d", f.gen.count())
	}
}

func TestCancelDuringWaitConfirmsOnce(t *testing.T) {
	adm := newFakeAdmission()
	f := newFixture(t, models.TaskGenerateImage, adm, returns("/w/assets/a.png"), 1)

	polled := make(chan struct{})
	var once sync.Once
	adm.onStatus = func(int) { once.Do(func() { close(polled) }) }

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	}()

	<-polled
	if !f.orch.Cancel(f.projectID, f.sceneID, models.TaskGenerateImage) {
		t.Fatal("expected running task to be cancellable")
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop after cancel")
	}

	if got := adm.totalConfirms(); got != 1 {
		t.Errorf("expected exactly one confirm, got %d", got)
	}
	if f.gen.count() != 0 {
		t.Error("generator must not run after cancel")
	}
	s := f.scene(t)
	if s.IsGenerating || s.ErrorMessage == nil || *s.ErrorMessage != "Tarefa cancelada" {
		t.Errorf("expected cancelled scene, got generating=%v err=%v", s.IsGenerating, s.ErrorMessage)
	}
}

func TestCancelDuringRetryDelayConfirmsOnce(t *testing.T) {
	failed := make(chan struct{})
	var once sync.Once
	gen := &fakeGenerator{fn: func(context.Context, models.Scene) (string, error) {
		once.Do(func() { close(failed) })
		return "", errors.New("model overloaded")
	}}
	adm := newFakeAdmission(nil)
	f := newFixture(t, models.TaskGenerateImage, adm, gen, 2)

	p := f.orch.policies[models.TaskGenerateImage]
	p.RetryDelay = time.Hour
	f.orch.policies[models.TaskGenerateImage] = p

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	}()

	<-failed
	if !f.orch.Cancel(f.projectID, f.sceneID, models.TaskGenerateImage) {
		t.Fatal("expected running task to be cancellable")
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task kept waiting out the retry delay after cancel")
	}

	if gen.count() != 1 {
		t.Errorf("expected a single attempt, got %d", gen.count())
	}
	if got := adm.totalConfirms(); got != 1 {
		t.Errorf("expected exactly one confirm, got %d", got)
	}
	s := f.scene(t)
	if s.IsGenerating || s.ErrorMessage == nil || *s.ErrorMessage != "Tarefa cancelada" {
		t.Errorf("expected cancelled scene, got generating=%v err=%v", s.IsGenerating, s.ErrorMessage)
	}
	if s.AttemptCounter != 0 {
		t.Errorf("attempt counter should reset, got %d", s.AttemptCounter)
	}
}

func TestClearStaleLowersOrphanedFlags(t *testing.T) {
	f := newFixture(t, models.TaskGenerateVideo, newFakeAdmission(nil), returns("/w/assets/v.mp4"), 1)
	ctx := context.Background()

	requestID := "req-from-dead-process"
	if _, err := f.updater.Update(ctx, f.projectID, f.sceneID, func(s *models.Scene) {
		s.IsGeneratingVideo = true
		s.QueueRequestID = &requestID
	}); err != nil {
		t.Fatal(err)
	}

	cleared, err := f.orch.ClearStale(ctx, f.projectID, f.sceneID)
	if err != nil {
		t.Fatal(err)
	}
	if !cleared {
		t.Fatal("expected orphaned flag to be cleared")
	}
	s := f.scene(t)
	if s.Busy() {
		t.Error("scene still busy")
	}
	if s.QueueRequestID == nil || *s.QueueRequestID != requestID {
		t.Errorf("request id should survive for re-registration, got %v", s.QueueRequestID)
	}

	if cleared, _ := f.orch.ClearStale(ctx, f.projectID, f.sceneID); cleared {
		t.Error("idle scene should report nothing cleared")
	}
}

func TestClearStaleKeepsLiveTask(t *testing.T) {
	started := make(chan struct{})
	gen := &fakeGenerator{fn: func(ctx context.Context, s models.Scene) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	f := newFixture(t, models.TaskGenerateImage, newFakeAdmission(nil), gen, 1)

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	}()
	<-started

	cleared, err := f.orch.ClearStale(context.Background(), f.projectID, f.sceneID)
	if err != nil {
		t.Fatal(err)
	}
	if cleared {
		t.Error("a live task's flag must not be cleared")
	}
	if !f.scene(t).IsGenerating {
		t.Error("flag should still be raised")
	}

	f.orch.Cancel(f.projectID, f.sceneID, models.TaskGenerateImage)
	<-done
}

func TestEnqueueFailureIsTerminal(t *testing.T) {
	adm := newFakeAdmission()
	adm.enqueueFn = func() error { return &admission.APIError{StatusCode: 503, Detail: "Fila indisponível"} }
	f := newFixture(t, models.TaskGenerateImage, adm, returns("/w/assets/a.png"), 1)

	err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	if !errors.Is(err, ErrAdmission) {
		t.Fatalf("expected ErrAdmission, got %v", err)
	}
	if f.gen.count() != 0 {
		t.Error("generator must not run without admission")
	}
	if s := f.scene(t); s.IsGenerating || s.ErrorMessage == nil {
		t.Errorf("expected failed scene, got %+v", s)
	}
}

func TestWaitTimeout(t *testing.T) {
	adm := newFakeAdmission()
	f := newFixture(t, models.TaskGenerateImage, adm, returns("/w/assets/a.png"), 1)

	err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if adm.polls != 5 {
		t.Errorf("expected 5 polls, got %d", adm.polls)
	}
	if got := adm.totalConfirms(); got != 1 {
		t.Errorf("expected exactly one confirm, got %d", got)
	}
}

func TestClothesChangeNoOpIsFailure(t *testing.T) {
	gen := &fakeGenerator{fn: func(_ context.Context, s models.Scene) (string, error) {
		return s.SourceAssetPath(), nil
	}}
	f := newFixture(t, models.TaskChangeClothes, newFakeAdmission(nil), gen, 1)

	err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskChangeClothes)
	if !errors.Is(err, ErrNoOp) || !errors.Is(err, ErrGeneration) {
		t.Fatalf("expected no-op generation error, got %v", err)
	}
	if s := f.scene(t); s.IsChangingClothes || s.HasGeneratedAsset() {
		t.Errorf("unexpected scene state: %+v", s)
	}
}

func TestVideoTaskExtractsThumbnail(t *testing.T) {
	f := newFixture(t, models.TaskGenerateVideo, newFakeAdmission(nil), returns("/w/assets/clip.mp4"), 1)

	if err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateVideo); err != nil {
		t.Fatal(err)
	}
	s := f.scene(t)
	if s.ThumbPath == nil || *s.ThumbPath != "/w/assets/clip.mp4.jpg" {
		t.Errorf("expected extracted thumbnail, got %v", s.ThumbPath)
	}
	if s.IsGeneratingVideo {
		t.Error("video flag left raised")
	}
}

func TestSecondTaskOnBusySceneRejected(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	gen := &fakeGenerator{fn: func(context.Context, models.Scene) (string, error) {
		close(entered)
		<-unblock
		return "/w/assets/a.png", nil
	}}
	f := newFixture(t, models.TaskGenerateImage, newFakeAdmission(nil), gen, 1)

	done := make(chan error, 1)
	go func() {
		done <- f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	}()
	<-entered

	err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage)
	if !errors.Is(err, ErrTaskInProgress) {
		t.Errorf("expected ErrTaskInProgress, got %v", err)
	}
	if running := f.orch.Running(f.projectID); len(running) != 1 || running[0].State != models.TaskStateExecuting {
		t.Errorf("expected one executing task, got %+v", running)
	}

	close(unblock)
	if err := <-done; err != nil {
		t.Errorf("first run failed: %v", err)
	}
}

func TestRunReusesAttachedRequestID(t *testing.T) {
	adm := newFakeAdmission(nil)
	f := newFixture(t, models.TaskGenerateImage, adm, returns("/w/assets/a.png"), 1)

	existing := "req-from-earlier-run"
	if _, err := f.updater.Update(context.Background(), f.projectID, f.sceneID, func(s *models.Scene) {
		s.QueueRequestID = &existing
	}); err != nil {
		t.Fatal(err)
	}

	if err := f.orch.Run(context.Background(), f.projectID, f.sceneID, models.TaskGenerateImage); err != nil {
		t.Fatal(err)
	}
	if adm.confirms[existing] != 1 {
		t.Errorf("expected confirm for attached id, got %v", adm.confirms)
	}
}
