// Package engine wires the repo, the event log and the generation pipeline
// behind one API used by both the HTTP server and the CLI.
package engine

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"go.uber.org/zap"

	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/events"
	"taskforge/internal/genai"
	"taskforge/internal/llm"
	"taskforge/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Gateway llm.Invoker
	Config  *config.Config
	Logger  *zap.Logger
	Actor   string
	Now     func() time.Time

	orch     *genai.Orchestrator
	pipeline *genai.Pipeline
}

func New(db *sql.DB, cfg *config.Config, gateway llm.Invoker, logger *zap.Logger) Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Gateway: gateway,
		Config:  cfg,
		Logger:  logger,
		Actor:   "local",
		Now:     time.Now,
	}
	e.orch = genai.NewOrchestrator(gateway, cfg, logger)
	e.pipeline = genai.NewPipeline(gateway, pipelineStore{e}, cfg, logger)
	return e
}

func (e Engine) actor() string {
	if e.Actor == "" {
		return "local"
	}
	return e.Actor
}

func idStr(id int64) string { return strconv.FormatInt(id, 10) }

// CreateStory validates and persists a story. A fresh story starts with a
// zero task effort total.
func (e Engine) CreateStory(ctx context.Context, s domain.UserStory) (domain.UserStory, error) {
	if s.Priority == "" {
		s.Priority = domain.PriorityMedium
	}
	if err := domain.ValidateStory(s, e.Config.Categories); err != nil {
		return domain.UserStory{}, err
	}
	s.EffortHoursTotal = 0
	created, err := e.Repo.InsertStory(ctx, s)
	if err != nil {
		return domain.UserStory{}, err
	}
	e.append(ctx, "story.created", "user_story", created.ID, events.EventPayload{"project": created.Project})
	return created, nil
}

// GenerateStory turns free-form intent into a persisted story.
func (e Engine) GenerateStory(ctx context.Context, idea string) (domain.UserStory, error) {
	draft, err := e.pipeline.GenerateStory(ctx, idea)
	if err != nil {
		return domain.UserStory{}, err
	}
	created, err := e.Repo.InsertStory(ctx, draft)
	if err != nil {
		return domain.UserStory{}, err
	}
	e.append(ctx, "story.generated", "user_story", created.ID, events.EventPayload{"project": created.Project})
	return created, nil
}

func (e Engine) GetStory(ctx context.Context, id int64) (domain.UserStory, error) {
	return e.Repo.GetStory(ctx, id)
}

func (e Engine) ListStories(ctx context.Context, limit, offset int) ([]domain.UserStory, error) {
	return e.Repo.ListStories(ctx, limit, offset)
}

// DeleteStory removes the story and, through the schema's cascade, every
// task attached to it.
func (e Engine) DeleteStory(ctx context.Context, id int64) error {
	if err := e.Repo.DeleteStory(ctx, id); err != nil {
		return err
	}
	e.append(ctx, "story.deleted", "user_story", id, nil)
	return nil
}

func (e Engine) ListStoryTasks(ctx context.Context, storyID int64) ([]domain.Task, error) {
	if _, err := e.Repo.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	return e.Repo.ListTasksByStory(ctx, storyID)
}

// CreateTask validates and persists a task. Omitted priority and status take
// their defaults before validation. When the task belongs to a story the
// story's effort total is refreshed.
func (e Engine) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if err := domain.ValidateTask(t, e.Config.Categories); err != nil {
		return domain.Task{}, err
	}
	if t.UserStoryID != nil {
		if _, err := e.Repo.GetStory(ctx, *t.UserStoryID); err != nil {
			return domain.Task{}, err
		}
	}
	created, err := e.Repo.InsertTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	e.append(ctx, "task.created", "task", created.ID, events.EventPayload{"title": created.Title})
	if created.UserStoryID != nil {
		if err := e.Recompute(ctx, *created.UserStoryID); err != nil {
			return domain.Task{}, err
		}
	}
	return created, nil
}

// UpdateTask replaces the stored task with t. Both the new story and, on
// reassignment, the previous one get their totals refreshed.
func (e Engine) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	old, err := e.Repo.GetTask(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.ValidateTask(t, e.Config.Categories); err != nil {
		return domain.Task{}, err
	}
	if t.UserStoryID != nil {
		if _, err := e.Repo.GetStory(ctx, *t.UserStoryID); err != nil {
			return domain.Task{}, err
		}
	}
	t.CreatedAt = old.CreatedAt
	if err := e.Repo.UpdateTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	e.append(ctx, "task.updated", "task", t.ID, nil)
	for _, storyID := range affectedStories(old.UserStoryID, t.UserStoryID) {
		if err := e.Recompute(ctx, storyID); err != nil {
			return domain.Task{}, err
		}
	}
	return e.Repo.GetTask(ctx, t.ID)
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

func (e Engine) DeleteTask(ctx context.Context, id int64) error {
	old, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteTask(ctx, id); err != nil {
		return err
	}
	e.append(ctx, "task.deleted", "task", id, nil)
	if old.UserStoryID != nil {
		return e.Recompute(ctx, *old.UserStoryID)
	}
	return nil
}

// EnrichTask runs the requested tracks against the stored task and persists
// whatever they produced. A request amounting to a single stage that fails
// is surfaced as an error and nothing is written; with several stages each
// outcome speaks for itself and partial results are kept.
func (e Engine) EnrichTask(ctx context.Context, id int64, tracks []genai.Track) (domain.Task, []genai.Outcome, error) {
	for _, tr := range tracks {
		if !genai.ValidTrack(tr) {
			return domain.Task{}, nil, domain.ValidationError{Field: "stages", Reason: "unknown stage " + string(tr)}
		}
	}
	if len(tracks) == 0 {
		tracks = genai.Tracks()
	}
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, nil, err
	}

	enriched, outcomes := e.orch.Enrich(ctx, task, tracks)
	if err := singleStageFailure(outcomes); err != nil {
		return task, outcomes, err
	}
	if err := e.Repo.UpdateTask(ctx, enriched); err != nil {
		return domain.Task{}, outcomes, err
	}
	e.append(ctx, "task.enriched", "task", id, events.EventPayload{
		"stages": outcomeSummary(outcomes),
	})
	if enriched.UserStoryID != nil && !equalEffort(task.EffortHours, enriched.EffortHours) {
		if err := e.Recompute(ctx, *enriched.UserStoryID); err != nil {
			return domain.Task{}, outcomes, err
		}
	}
	final, err := e.Repo.GetTask(ctx, id)
	return final, outcomes, err
}

// EnrichPayload runs tracks against a caller-supplied task without touching
// the store. Used by the stateless generation endpoints. The same
// single-stage error surfacing as EnrichTask applies.
func (e Engine) EnrichPayload(ctx context.Context, t domain.Task, tracks []genai.Track) (domain.Task, []genai.Outcome, error) {
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if err := domain.ValidateTask(t, e.Config.Categories); err != nil {
		return domain.Task{}, nil, err
	}
	enriched, outcomes := e.orch.Enrich(ctx, t, tracks)
	if err := singleStageFailure(outcomes); err != nil {
		return t, outcomes, err
	}
	return enriched, outcomes, nil
}

// singleStageFailure returns the error of a lone failed stage. With several
// stages each outcome speaks for itself and nil is returned.
func singleStageFailure(outcomes []genai.Outcome) error {
	if len(outcomes) == 1 && !outcomes[0].OK {
		return outcomes[0].Err
	}
	return nil
}

// GenerateTasksForStory decomposes the story into count enriched, persisted
// tasks.
func (e Engine) GenerateTasksForStory(ctx context.Context, storyID int64, count int) ([]genai.TaskResult, error) {
	results, err := e.pipeline.GenerateTasks(ctx, storyID, count)
	if err != nil {
		return results, err
	}
	e.append(ctx, "story.tasks_generated", "user_story", storyID, events.EventPayload{
		"count": len(results),
	})
	return results, nil
}

// Recompute refreshes the story's stored task effort total from the tasks
// table. Running it twice in a row is a no-op.
func (e Engine) Recompute(ctx context.Context, storyID int64) error {
	total, err := e.Repo.SumTaskHours(ctx, storyID)
	if err != nil {
		return err
	}
	return e.Repo.SetStoryEffortTotal(ctx, storyID, total)
}

// append writes an event and only logs failures. The event log is advisory;
// it never fails a mutation that already happened.
func (e Engine) append(ctx context.Context, evtType, entityKind string, entityID int64, payload events.EventPayload) {
	if err := e.Events.Append(ctx, evtType, entityKind, idStr(entityID), e.actor(), payload); err != nil {
		e.Logger.Warn("event append failed", zap.String("type", evtType), zap.Error(err))
	}
}

func affectedStories(before, after *int64) []int64 {
	var ids []int64
	if after != nil {
		ids = append(ids, *after)
	}
	if before != nil && (after == nil || *before != *after) {
		ids = append(ids, *before)
	}
	return ids
}

func equalEffort(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func outcomeSummary(outcomes []genai.Outcome) map[string]any {
	m := make(map[string]any, len(outcomes))
	for _, o := range outcomes {
		if o.OK {
			m[string(o.Kind)] = "ok"
		} else {
			m[string(o.Kind)] = o.Reason
		}
	}
	return m
}

// pipelineStore gives the generation pipeline its persistence surface while
// keeping event logging and aggregate maintenance in the engine.
type pipelineStore struct{ e Engine }

func (s pipelineStore) GetStory(ctx context.Context, id int64) (domain.UserStory, error) {
	return s.e.Repo.GetStory(ctx, id)
}

func (s pipelineStore) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := s.e.Repo.InsertTask(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	s.e.append(ctx, "task.generated", "task", created.ID, events.EventPayload{"title": created.Title})
	return created, nil
}

func (s pipelineStore) RecomputeStoryEffort(ctx context.Context, storyID int64) error {
	return s.e.Recompute(ctx, storyID)
}
