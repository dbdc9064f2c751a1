package genai

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/repo"
)

type memStore struct {
	stories    map[int64]domain.UserStory
	tasks      []domain.Task
	nextID     int64
	recomputes []int64
}

func newMemStore(stories ...domain.UserStory) *memStore {
	s := &memStore{stories: map[int64]domain.UserStory{}, nextID: 1}
	for _, st := range stories {
		s.stories[st.ID] = st
	}
	return s
}

func (s *memStore) GetStory(_ context.Context, id int64) (domain.UserStory, error) {
	st, ok := s.stories[id]
	if !ok {
		return domain.UserStory{}, repo.NotFoundError{Entity: "user story", ID: id}
	}
	return st, nil
}

func (s *memStore) InsertTask(_ context.Context, t domain.Task) (domain.Task, error) {
	t.ID = s.nextID
	s.nextID++
	s.tasks = append(s.tasks, t)
	return t, nil
}

func (s *memStore) RecomputeStoryEffort(_ context.Context, storyID int64) error {
	s.recomputes = append(s.recomputes, storyID)
	return nil
}

func sampleStory() domain.UserStory {
	return domain.UserStory{
		ID:          7,
		Project:     "Shop",
		Role:        "Backend",
		Goal:        "let customers pay by card",
		Reason:      "we currently only take bank transfers",
		Description: "Card checkout with a hosted payment page.",
		Priority:    domain.PriorityHigh,
		StoryPoints: 5,
	}
}

func pipelineGateway() *scriptedGateway {
	return &scriptedGateway{responses: map[Kind]string{
		KindCategorize: "Backend",
		KindDecompose: `[
		  {"title": "Integrate payment provider SDK", "priority": "high", "status": "pending", "assigned_to": "team"},
		  {"title": "Persist payment attempts", "priority": "medium", "status": "pending", "assigned_to": "team"},
		  {"title": "Handle provider webhooks", "priority": "medium", "status": "pending", "assigned_to": "team"}
		]`,
		KindDescribe:       "Covers the provider interaction end to end.",
		KindEstimate:       "4.5 hours",
		KindRiskAnalysis:   "Provider sandbox may differ from production.",
		KindRiskMitigation: "Verify flows against production config early.",
	}}
}

func TestGenerateTasksPersistsEnrichedDrafts(t *testing.T) {
	cfg := config.Default()
	store := newMemStore(sampleStory())
	gw := pipelineGateway()
	p := NewPipeline(gw, store, cfg, nil)

	results, err := p.GenerateTasks(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, store.tasks, 3)

	for _, r := range results {
		task := r.Task
		assert.NotZero(t, task.ID)
		require.NotNil(t, task.Category)
		assert.Equal(t, "Backend", *task.Category)
		require.NotNil(t, task.UserStoryID)
		assert.Equal(t, int64(7), *task.UserStoryID)
		require.NotNil(t, task.Description)
		require.NotNil(t, task.EffortHours)
		assert.Equal(t, 4.5, *task.EffortHours)
		require.NotNil(t, task.RiskAnalysis)
		require.NotNil(t, task.RiskMitigation)
		for _, o := range r.Outcomes {
			assert.True(t, o.OK, "stage %s: %s", o.Kind, o.Reason)
		}
	}

	// the aggregate is refreshed exactly once, after the last insert
	assert.Equal(t, []int64{7}, store.recomputes)
}

func TestGenerateTasksIsolatesEnrichmentFailures(t *testing.T) {
	cfg := config.Default()
	store := newMemStore(sampleStory())
	gw := pipelineGateway()
	// every audit analysis call fails; tasks must still be persisted
	gw.errs = map[Kind]error{KindRiskAnalysis: context.DeadlineExceeded}
	p := NewPipeline(gw, store, cfg, nil)

	results, err := p.GenerateTasks(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Len(t, store.tasks, 3)

	for _, r := range results {
		assert.Nil(t, r.Task.RiskAnalysis)
		assert.Nil(t, r.Task.RiskMitigation)
		assert.False(t, outcomeFor(t, r.Outcomes, KindRiskAnalysis).OK)
		assert.False(t, outcomeFor(t, r.Outcomes, KindRiskMitigation).OK)
		assert.True(t, outcomeFor(t, r.Outcomes, KindDescribe).OK)
		assert.True(t, outcomeFor(t, r.Outcomes, KindEstimate).OK)
	}
	assert.Equal(t, []int64{7}, store.recomputes)
}

// selectiveGateway fails one stage, but only for prompts mentioning marker.
type selectiveGateway struct {
	inner    *scriptedGateway
	failKind Kind
	marker   string
	err      error
}

func (g *selectiveGateway) Invoke(ctx context.Context, system, user string) (string, error) {
	if classifyPrompt(user) == g.failKind && strings.Contains(user, g.marker) {
		return "", g.err
	}
	return g.inner.Invoke(ctx, system, user)
}

func TestGenerateTasksAuditFailureStaysPerTask(t *testing.T) {
	cfg := config.Default()
	store := newMemStore(sampleStory())
	gw := &selectiveGateway{
		inner:    pipelineGateway(),
		failKind: KindRiskAnalysis,
		marker:   "Persist payment attempts",
		err:      context.DeadlineExceeded,
	}
	p := NewPipeline(gw, store, cfg, nil)

	results, err := p.GenerateTasks(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.Len(t, store.tasks, 3)

	for _, r := range results {
		if r.Task.Title == "Persist payment attempts" {
			assert.Nil(t, r.Task.RiskAnalysis)
			assert.Nil(t, r.Task.RiskMitigation)
			assert.False(t, outcomeFor(t, r.Outcomes, KindRiskAnalysis).OK)
			assert.False(t, outcomeFor(t, r.Outcomes, KindRiskMitigation).OK)
			continue
		}
		require.NotNil(t, r.Task.RiskAnalysis, "task %q", r.Task.Title)
		require.NotNil(t, r.Task.RiskMitigation, "task %q", r.Task.Title)
		assert.True(t, outcomeFor(t, r.Outcomes, KindRiskAnalysis).OK)
		assert.True(t, outcomeFor(t, r.Outcomes, KindRiskMitigation).OK)
	}
	assert.Equal(t, []int64{7}, store.recomputes)
}

func TestGenerateTasksAbortsOnBadDecomposition(t *testing.T) {
	cfg := config.Default()
	store := newMemStore(sampleStory())
	gw := pipelineGateway()
	gw.responses[KindDecompose] = "I'd rather not."
	p := NewPipeline(gw, store, cfg, nil)

	_, err := p.GenerateTasks(context.Background(), 7, 3)
	var derr *DecompositionError
	require.ErrorAs(t, err, &derr)
	assert.Empty(t, store.tasks, "nothing may be written before decomposition succeeds")
	assert.Empty(t, store.recomputes)
}

func TestGenerateTasksUnknownStory(t *testing.T) {
	cfg := config.Default()
	p := NewPipeline(pipelineGateway(), newMemStore(), cfg, nil)

	_, err := p.GenerateTasks(context.Background(), 99, 3)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestGenerateTasksRejectsBadCount(t *testing.T) {
	cfg := config.Default()
	p := NewPipeline(pipelineGateway(), newMemStore(sampleStory()), cfg, nil)

	_, err := p.GenerateTasks(context.Background(), 7, 0)
	var verr domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGenerateStory(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{responses: map[Kind]string{
		KindGenerateStory: "```json\n" + `{"project": "Shop", "role": "backend work mostly",
		  "goal": "let customers pay by card", "reason": "grow sales",
		  "description": "Card checkout.", "priority": "high",
		  "story_points": 13, "effort_hours": 20}` + "\n```",
	}}
	p := NewPipeline(gw, newMemStore(), cfg, nil)

	story, err := p.GenerateStory(context.Background(), "customers should be able to pay by card")
	require.NoError(t, err)
	assert.Equal(t, "Backend", story.Role, "role is normalized into the configured set")
	assert.Equal(t, 8, story.StoryPoints, "points are clamped to the scale")
	assert.Equal(t, domain.PriorityHigh, story.Priority)
	assert.NoError(t, domain.ValidateStory(story, cfg.Categories))
}

func TestGenerateStoryBadJSON(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{responses: map[Kind]string{KindGenerateStory: "nope"}}
	p := NewPipeline(gw, newMemStore(), cfg, nil)

	_, err := p.GenerateStory(context.Background(), "anything")
	assert.Error(t, err)
}
