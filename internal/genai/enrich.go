package genai

import (
	"context"

	"go.uber.org/zap"

	"taskforge/internal/config"
	"taskforge/internal/domain"
	"taskforge/internal/llm"
)

// Track names an enrichable aspect of a task. The audit track covers the
// risk_analysis and risk_mitigation stages as one unit.
type Track string

const (
	TrackDescription Track = "description"
	TrackCategory    Track = "category"
	TrackEffort      Track = "effort"
	TrackAudit       Track = "audit"
)

// Tracks returns every enrichment track in execution order.
func Tracks() []Track {
	return []Track{TrackDescription, TrackCategory, TrackEffort, TrackAudit}
}

// ValidTrack reports whether t names a known enrichment track.
func ValidTrack(t Track) bool {
	for _, known := range Tracks() {
		if t == known {
			return true
		}
	}
	return false
}

// Outcome records the result of one generation stage. Err is kept for
// callers that surface a single failure directly; Reason is its
// serializable form.
type Outcome struct {
	Kind   Kind   `json:"stage"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
	Err    error  `json:"-"`
}

func okOutcome(kind Kind) Outcome {
	return Outcome{Kind: kind, OK: true}
}

func failedOutcome(kind Kind, err error) Outcome {
	return Outcome{Kind: kind, OK: false, Reason: err.Error(), Err: err}
}

// Orchestrator fills null task fields one model call per stage. Tracks are
// independent: a failed track never blocks the others, and fields that
// already hold a value are left untouched.
type Orchestrator struct {
	gateway llm.Invoker
	cfg     *config.Config
	logger  *zap.Logger
}

func NewOrchestrator(gateway llm.Invoker, cfg *config.Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{gateway: gateway, cfg: cfg, logger: logger}
}

// Enrich runs the requested tracks against t and returns the enriched copy
// plus one outcome per executed stage. The input task is never mutated.
// Tracks whose target fields are already populated report success without a
// model call.
func (o *Orchestrator) Enrich(ctx context.Context, t domain.Task, tracks []Track) (domain.Task, []Outcome) {
	outcomes := make([]Outcome, 0, len(tracks)+1)
	for _, track := range tracks {
		switch track {
		case TrackDescription:
			outcomes = append(outcomes, o.describe(ctx, &t))
		case TrackCategory:
			outcomes = append(outcomes, o.categorize(ctx, &t))
		case TrackEffort:
			outcomes = append(outcomes, o.estimate(ctx, &t))
		case TrackAudit:
			outcomes = append(outcomes, o.audit(ctx, &t)...)
		}
	}
	return t, outcomes
}

func (o *Orchestrator) describe(ctx context.Context, t *domain.Task) Outcome {
	if t.Description != nil {
		return okOutcome(KindDescribe)
	}
	text, err := o.generate(ctx, KindDescribe, *t)
	if err != nil {
		return failedOutcome(KindDescribe, err)
	}
	out, err := ParseBoundedText(text, o.cfg.Prompts.Describe.MaxWords)
	if err != nil {
		return failedOutcome(KindDescribe, err)
	}
	return o.assign(t, KindDescribe, func(c *domain.Task) { c.Description = &out })
}

func (o *Orchestrator) categorize(ctx context.Context, t *domain.Task) Outcome {
	if t.Category != nil {
		return okOutcome(KindCategorize)
	}
	text, err := o.generate(ctx, KindCategorize, *t)
	if err != nil {
		return failedOutcome(KindCategorize, err)
	}
	cat, err := ParseCategory(text, o.cfg.Categories)
	if err != nil {
		return failedOutcome(KindCategorize, err)
	}
	return o.assign(t, KindCategorize, func(c *domain.Task) { c.Category = &cat })
}

func (o *Orchestrator) estimate(ctx context.Context, t *domain.Task) Outcome {
	if t.EffortHours != nil {
		return okOutcome(KindEstimate)
	}
	text, err := o.generate(ctx, KindEstimate, *t)
	if err != nil {
		return failedOutcome(KindEstimate, err)
	}
	hours, err := ParseEffortHours(text)
	if err != nil {
		return failedOutcome(KindEstimate, err)
	}
	return o.assign(t, KindEstimate, func(c *domain.Task) { c.EffortHours = &hours })
}

// audit runs risk_analysis then risk_mitigation in order. When the analysis
// stage fails the mitigation stage is not attempted and reports the upstream
// failure.
func (o *Orchestrator) audit(ctx context.Context, t *domain.Task) []Outcome {
	analysis := okOutcome(KindRiskAnalysis)
	if t.RiskAnalysis == nil {
		analysis = o.riskStage(ctx, t, KindRiskAnalysis)
	}
	if !analysis.OK {
		skipped := failedOutcome(KindRiskMitigation, analysis.Err)
		skipped.Reason = "risk_analysis failed: " + analysis.Reason
		return []Outcome{analysis, skipped}
	}
	mitigation := okOutcome(KindRiskMitigation)
	if t.RiskMitigation == nil {
		mitigation = o.riskStage(ctx, t, KindRiskMitigation)
	}
	return []Outcome{analysis, mitigation}
}

func (o *Orchestrator) riskStage(ctx context.Context, t *domain.Task, kind Kind) Outcome {
	text, err := o.generate(ctx, kind, *t)
	if err != nil {
		return failedOutcome(kind, err)
	}
	ceiling := o.cfg.Prompts.RiskAnalysis.MaxWords
	if kind == KindRiskMitigation {
		ceiling = o.cfg.Prompts.RiskMitigation.MaxWords
	}
	out, err := ParseBoundedText(text, ceiling)
	if err != nil {
		return failedOutcome(kind, err)
	}
	if kind == KindRiskAnalysis {
		return o.assign(t, kind, func(c *domain.Task) { c.RiskAnalysis = &out })
	}
	return o.assign(t, kind, func(c *domain.Task) { c.RiskMitigation = &out })
}

func (o *Orchestrator) generate(ctx context.Context, kind Kind, t domain.Task) (string, error) {
	p, err := BuildTaskPrompt(kind, t, o.cfg)
	if err != nil {
		return "", err
	}
	text, err := o.gateway.Invoke(ctx, p.System, p.User)
	if err != nil {
		o.logger.Warn("generation stage failed",
			zap.String("stage", string(kind)),
			zap.Int64("task_id", t.ID),
			zap.Error(err))
		return "", err
	}
	return text, nil
}

// assign applies the parsed value to a copy of the task and accepts it only
// when the resulting task is still valid.
func (o *Orchestrator) assign(t *domain.Task, kind Kind, set func(*domain.Task)) Outcome {
	candidate := *t
	set(&candidate)
	if err := domain.ValidateTask(candidate, o.cfg.Categories); err != nil {
		return failedOutcome(kind, err)
	}
	*t = candidate
	return okOutcome(kind)
}
