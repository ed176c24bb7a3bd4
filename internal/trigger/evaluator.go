// Package trigger scores chat messages against the chat triggers of
// published workflows and optionally starts the best match.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/metrics"
	"github.com/rendis/opflow/pkg/schema"
)

// Defaults for the confidence computation.
const (
	DefaultThreshold = 0.72
	DefaultFormula   = "0.8*tokenCoverage + 0.2*messageCoverage"

	// lowMessageCoverage marks a match where the phrase explains less than
	// half of the message.
	lowMessageCoverage = 0.5
)

// DefinitionSource lists the latest published definitions, oldest first.
type DefinitionSource interface {
	ListPublished(ctx context.Context) ([]*schema.WorkflowDefinition, error)
}

// Submitter starts runs for activated matches.
type Submitter interface {
	Submit(ctx context.Context, req schema.RunRequest) (*schema.WorkflowRun, error)
}

// Request is a single evaluation call.
type Request struct {
	Message             string   `json:"message"`
	WorkflowIDs         []string `json:"workflow_ids,omitempty"`
	ActivationThreshold float64  `json:"activation_threshold,omitempty"`
	AutoRun             bool     `json:"auto_run,omitempty"`
}

// Result holds the ranked matches and the run started by AutoRun, if any.
type Result struct {
	Matches      []schema.TriggerMatch `json:"matches"`
	ActivatedRun *schema.WorkflowRun   `json:"activated_run,omitempty"`
}

// Config configures an Evaluator.
type Config struct {
	// Formula is an expr-lang expression over tokenCoverage, messageCoverage
	// and exactPhrase that yields the confidence. Empty means DefaultFormula.
	Formula string
	// Threshold is used when a request does not set one. Zero means DefaultThreshold.
	Threshold float64
}

// Evaluator is read-only and safe for concurrent use.
type Evaluator struct {
	defs      DefinitionSource
	submitter Submitter
	expr      *expressions.ExprEngine
	formula   string
	threshold float64
	logger    *slog.Logger
}

// NewEvaluator validates the confidence formula and returns an Evaluator.
// submitter may be nil, in which case AutoRun is ignored.
func NewEvaluator(defs DefinitionSource, submitter Submitter, cfg Config, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Formula == "" {
		cfg.Formula = DefaultFormula
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	engine := expressions.NewExprEngine()
	sample := features(0, 0, false)
	if err := engine.Compile(cfg.Formula, sample); err != nil {
		return nil, fmt.Errorf("confidence formula: %w", err)
	}
	if _, err := engine.EvaluateFloat(context.Background(), cfg.Formula, features(1, 1, true)); err != nil {
		return nil, fmt.Errorf("confidence formula: %w", err)
	}
	return &Evaluator{
		defs:      defs,
		submitter: submitter,
		expr:      engine,
		formula:   cfg.Formula,
		threshold: cfg.Threshold,
		logger:    logger,
	}, nil
}

func features(tokenCoverage, messageCoverage float64, exact bool) map[string]any {
	return map[string]any{
		"tokenCoverage":   tokenCoverage,
		"messageCoverage": messageCoverage,
		"exactPhrase":     exact,
	}
}

// Evaluate scores req.Message against every candidate chat trigger and
// returns one match per trigger, ranked by confidence.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) (*Result, error) {
	threshold := req.ActivationThreshold
	if threshold <= 0 {
		threshold = e.threshold
	}

	defs, err := e.candidates(ctx, req.WorkflowIDs)
	if err != nil {
		return nil, err
	}

	msgSeq := sequence(req.Message)
	msgTokens := Tokenize(req.Message)

	type ranked struct {
		match   schema.TriggerMatch
		defRank int
		trigIdx int
	}
	var all []ranked
	for di, def := range defs {
		for ti, t := range def.Triggers {
			if !t.ChatEnabled() {
				continue
			}
			m, err := e.score(ctx, def.ID, t, msgSeq, msgTokens, threshold)
			if err != nil {
				return nil, err
			}
			all = append(all, ranked{match: m, defRank: di, trigIdx: ti})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].match.Confidence != all[j].match.Confidence {
			return all[i].match.Confidence > all[j].match.Confidence
		}
		if all[i].defRank != all[j].defRank {
			return all[i].defRank < all[j].defRank
		}
		return all[i].trigIdx < all[j].trigIdx
	})

	res := &Result{Matches: make([]schema.TriggerMatch, 0, len(all))}
	for _, r := range all {
		res.Matches = append(res.Matches, r.match)
	}

	if len(res.Matches) == 0 || !res.Matches[0].ShouldActivate {
		metrics.TriggerEvaluations.WithLabelValues("no_match").Inc()
		return res, nil
	}
	if !req.AutoRun || e.submitter == nil {
		metrics.TriggerEvaluations.WithLabelValues("matched").Inc()
		return res, nil
	}

	top := res.Matches[0]
	run, err := e.submitter.Submit(ctx, schema.RunRequest{
		WorkflowID:  top.WorkflowID,
		TriggerKind: schema.TriggerKindChat,
		TriggerID:   top.TriggerID,
	})
	if err != nil {
		metrics.TriggerEvaluations.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("auto-run workflow %s: %w", top.WorkflowID, err)
	}
	metrics.TriggerEvaluations.WithLabelValues("activated").Inc()
	e.logger.InfoContext(ctx, "chat trigger activated run",
		"workflow_id", top.WorkflowID, "trigger_id", top.TriggerID,
		"run_id", run.ID, "confidence", top.Confidence)
	res.ActivatedRun = run
	return res, nil
}

// candidates returns the latest published definitions in creation order,
// restricted to ids when given.
func (e *Evaluator) candidates(ctx context.Context, ids []string) ([]*schema.WorkflowDefinition, error) {
	defs, err := e.defs.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list published workflows: %w", err)
	}
	if len(ids) == 0 {
		return defs, nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := defs[:0]
	for _, d := range defs {
		if want[d.ID] {
			out = append(out, d)
		}
	}
	return out, nil
}

// score picks the best phrase of one chat trigger.
func (e *Evaluator) score(ctx context.Context, workflowID string, t schema.Trigger, msgSeq, msgTokens []string, threshold float64) (schema.TriggerMatch, error) {
	best := schema.TriggerMatch{
		WorkflowID:  workflowID,
		TriggerID:   t.ID,
		Confidence:  -1,
		ReasonCodes: []string{},
	}
	for _, phrase := range t.Chat.Phrases {
		m, err := e.scorePhrase(ctx, phrase, t.Chat.StrictMatch, msgSeq, msgTokens)
		if err != nil {
			return best, err
		}
		if m.Confidence > best.Confidence {
			m.WorkflowID, m.TriggerID = workflowID, t.ID
			best = m
		}
	}
	if best.Confidence < 0 {
		best.Confidence = 0
		best.ReasonCodes = []string{schema.ReasonNoTokenOverlap}
	}
	best.ShouldActivate = best.Confidence >= threshold
	if !best.ShouldActivate {
		best.ReasonCodes = append(best.ReasonCodes, schema.ReasonBelowThreshold)
	}
	return best, nil
}

func (e *Evaluator) scorePhrase(ctx context.Context, phrase string, strict bool, msgSeq, msgTokens []string) (schema.TriggerMatch, error) {
	phraseTokens := Tokenize(phrase)
	m := schema.TriggerMatch{MatchedPhrase: phrase, ReasonCodes: []string{}}

	exact := containsRun(msgSeq, sequence(phrase))
	if strict && !exact {
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonStrictMismatch)
		return m, nil
	}

	shared := intersect(phraseTokens, msgTokens)
	if len(phraseTokens) > 0 {
		m.Breakdown.TokenCoverage = float64(shared) / float64(len(phraseTokens))
	}
	if len(msgTokens) > 0 {
		m.Breakdown.MessageCoverage = float64(shared) / float64(len(msgTokens))
	}

	conf, err := e.expr.EvaluateFloat(ctx, e.formula,
		features(m.Breakdown.TokenCoverage, m.Breakdown.MessageCoverage, exact))
	if err != nil {
		return m, err
	}
	if math.IsNaN(conf) {
		conf = 0
	}
	m.Confidence = math.Max(0, math.Min(1, conf))

	if exact {
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonExactPhrase)
	}
	switch {
	case shared == 0:
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonNoTokenOverlap)
	case shared == len(phraseTokens):
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonFullTokenCoverage)
	default:
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonPartialTokenOverlap)
	}
	if shared > 0 && m.Breakdown.MessageCoverage < lowMessageCoverage {
		m.ReasonCodes = append(m.ReasonCodes, schema.ReasonLowMessageCoverage)
	}
	return m, nil
}

func intersect(a, b []string) int {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	n := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}
