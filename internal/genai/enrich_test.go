package genai

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskforge/internal/config"
	"taskforge/internal/domain"
)

// scriptedGateway answers by recognizing which stage a user message belongs
// to, so tests can script success and failure per stage without a server.
type scriptedGateway struct {
	responses map[Kind]string
	errs      map[Kind]error
	calls     []Kind
}

func (g *scriptedGateway) Invoke(_ context.Context, _, user string) (string, error) {
	kind := classifyPrompt(user)
	g.calls = append(g.calls, kind)
	if err := g.errs[kind]; err != nil {
		return "", err
	}
	return g.responses[kind], nil
}

func (g *scriptedGateway) callCount(kind Kind) int {
	n := 0
	for _, c := range g.calls {
		if c == kind {
			n++
		}
	}
	return n
}

func classifyPrompt(user string) Kind {
	switch {
	case strings.Contains(user, "Generate a description"):
		return KindDescribe
	case strings.Contains(user, "Classify the following task"),
		strings.Contains(user, "dominant work category"):
		return KindCategorize
	case strings.Contains(user, "Estimate the effort"):
		return KindEstimate
	case strings.Contains(user, "mitigation plan"):
		return KindRiskMitigation
	case strings.Contains(user, "Analyze the risks"):
		return KindRiskAnalysis
	case strings.Contains(user, "tasks to implement the following user story"):
		return KindDecompose
	case strings.Contains(user, "complete user story based on"):
		return KindGenerateStory
	}
	return Kind("unknown")
}

func bareTask() domain.Task {
	return domain.Task{
		Title:      "Wire up payment webhook",
		Priority:   domain.PriorityMedium,
		Status:     domain.StatusPending,
		AssignedTo: "team",
	}
}

func outcomeFor(t *testing.T, outcomes []Outcome, kind Kind) Outcome {
	t.Helper()
	for _, o := range outcomes {
		if o.Kind == kind {
			return o
		}
	}
	t.Fatalf("no outcome for stage %s", kind)
	return Outcome{}
}

func TestEnrichFillsNullFields(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{responses: map[Kind]string{
		KindDescribe:       "Receive and verify provider callbacks.",
		KindCategorize:     "Backend",
		KindEstimate:       "around 6 hours",
		KindRiskAnalysis:   "Provider retries may double-process events.",
		KindRiskMitigation: "Deduplicate by event id before processing.",
	}}
	orch := NewOrchestrator(gw, cfg, nil)

	got, outcomes := orch.Enrich(context.Background(), bareTask(), Tracks())

	require.Len(t, outcomes, 5)
	for _, o := range outcomes {
		assert.True(t, o.OK, "stage %s: %s", o.Kind, o.Reason)
	}
	require.NotNil(t, got.Description)
	assert.Equal(t, "Receive and verify provider callbacks.", *got.Description)
	require.NotNil(t, got.Category)
	assert.Equal(t, "Backend", *got.Category)
	require.NotNil(t, got.EffortHours)
	assert.Equal(t, 6.0, *got.EffortHours)
	require.NotNil(t, got.RiskAnalysis)
	require.NotNil(t, got.RiskMitigation)
}

func TestEnrichSkipsPopulatedFields(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{responses: map[Kind]string{KindEstimate: "3"}}
	orch := NewOrchestrator(gw, cfg, nil)

	desc := "Already written by hand."
	task := bareTask()
	task.Description = &desc

	got, outcomes := orch.Enrich(context.Background(), task, []Track{TrackDescription, TrackEffort})

	assert.Equal(t, desc, *got.Description)
	assert.True(t, outcomeFor(t, outcomes, KindDescribe).OK)
	assert.Zero(t, gw.callCount(KindDescribe), "populated field must not trigger a model call")
	assert.Equal(t, 3.0, *got.EffortHours)
}

func TestEnrichIsolatesTrackFailures(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{
		responses: map[Kind]string{
			KindDescribe:       "Handles the happy path.",
			KindRiskAnalysis:   "Low risk overall.",
			KindRiskMitigation: "Monitor error rates.",
		},
		errs: map[Kind]error{KindEstimate: context.DeadlineExceeded},
	}
	orch := NewOrchestrator(gw, cfg, nil)

	got, outcomes := orch.Enrich(context.Background(), bareTask(), []Track{TrackDescription, TrackEffort, TrackAudit})

	estimate := outcomeFor(t, outcomes, KindEstimate)
	assert.False(t, estimate.OK)
	assert.NotEmpty(t, estimate.Reason)
	assert.Nil(t, got.EffortHours)

	// the failed track never blocks the others
	assert.True(t, outcomeFor(t, outcomes, KindDescribe).OK)
	assert.True(t, outcomeFor(t, outcomes, KindRiskAnalysis).OK)
	assert.True(t, outcomeFor(t, outcomes, KindRiskMitigation).OK)
	require.NotNil(t, got.Description)
	require.NotNil(t, got.RiskMitigation)
}

func TestEnrichAuditSkipsMitigationWhenAnalysisFails(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{errs: map[Kind]error{KindRiskAnalysis: context.DeadlineExceeded}}
	orch := NewOrchestrator(gw, cfg, nil)

	got, outcomes := orch.Enrich(context.Background(), bareTask(), []Track{TrackAudit})

	assert.False(t, outcomeFor(t, outcomes, KindRiskAnalysis).OK)
	mitigation := outcomeFor(t, outcomes, KindRiskMitigation)
	assert.False(t, mitigation.OK)
	assert.Contains(t, mitigation.Reason, "risk_analysis failed")
	assert.Zero(t, gw.callCount(KindRiskMitigation))
	assert.Nil(t, got.RiskAnalysis)
	assert.Nil(t, got.RiskMitigation)
}

func TestEnrichMitigationEmbedsAnalysis(t *testing.T) {
	cfg := config.Default()
	var mitigationUser string
	gw := &recordingGateway{inner: &scriptedGateway{responses: map[Kind]string{
		KindRiskAnalysis:   "The migration may lock the table.",
		KindRiskMitigation: "Run it in batches off-peak.",
	}}, onInvoke: func(user string) {
		if classifyPrompt(user) == KindRiskMitigation {
			mitigationUser = user
		}
	}}
	orch := NewOrchestrator(gw, cfg, nil)

	_, outcomes := orch.Enrich(context.Background(), bareTask(), []Track{TrackAudit})

	require.True(t, outcomeFor(t, outcomes, KindRiskMitigation).OK)
	assert.Contains(t, mitigationUser, "The migration may lock the table.")
}

func TestEnrichRejectsInvalidParsedValue(t *testing.T) {
	cfg := config.Default()
	gw := &scriptedGateway{responses: map[Kind]string{KindCategorize: "Quantum Gardening"}}
	orch := NewOrchestrator(gw, cfg, nil)

	got, outcomes := orch.Enrich(context.Background(), bareTask(), []Track{TrackCategory})

	o := outcomeFor(t, outcomes, KindCategorize)
	assert.False(t, o.OK)
	assert.ErrorIs(t, o.Err, ErrUnknownCategory)
	assert.Nil(t, got.Category)
}

type recordingGateway struct {
	inner    *scriptedGateway
	onInvoke func(user string)
}

func (g *recordingGateway) Invoke(ctx context.Context, system, user string) (string, error) {
	g.onInvoke(user)
	return g.inner.Invoke(ctx, system, user)
}
