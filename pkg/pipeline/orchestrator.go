// Package pipeline sequences the per-message stages that turn a user's
// natural-language message into a safe database answer: intent analysis,
// context retrieval, query generation, safety validation, execution, and
// response synthesis. Each turn runs under the session store's per-user
// lock, so no two turns for the same user are ever in flight together.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edustack/mcp-lms-assistant/pkg/contextstore"
	"github.com/edustack/mcp-lms-assistant/pkg/llm"
	"github.com/edustack/mcp-lms-assistant/pkg/lmsdb"
	"github.com/edustack/mcp-lms-assistant/pkg/safety"
	"github.com/edustack/mcp-lms-assistant/pkg/session"
)

// Stage names a pipeline stage for timing and failure records.
type Stage = string

const (
	StageIntentAnalysis    Stage = "intent_analysis"
	StageContextRetrieval  Stage = "context_retrieval"
	StageQueryGeneration   Stage = "query_generation"
	StageSafetyValidation  Stage = "safety_validation"
	StageExecution         Stage = "execution"
	StageResponseSynthesis Stage = "response_synthesis"
)

// Confidence policy: fully answered turns score high, turns that reached
// the user despite a data-layer failure score medium, turns degraded by a
// model failure score low.
const (
	confidenceFull     = 0.9
	confidenceDegraded = 0.6
	confidenceFailed   = 0.1
)

// knowledgeWritebackThreshold gates learning from an answered turn.
const knowledgeWritebackThreshold = 0.7

const apologyText = "I'm sorry, I ran into a problem while processing your request. Please try again in a moment."

// refusalContext replaces query results during synthesis when validation
// rejects a candidate. It carries no SQL text and no rejection detail.
const refusalContext = "No data was retrieved: the request could not be safely answered from the database."

// Response is the envelope returned for one processed message.
type Response struct {
	Text             string  `json:"response"`
	Query            string  `json:"query,omitempty"`
	RowCount         int     `json:"row_count,omitempty"`
	Confidence       float64 `json:"confidence"`
	SessionID        string  `json:"session_id"`
	RequiresFollowup bool    `json:"requires_followup,omitempty"`
}

// Timeouts bounds each stage's external call.
type Timeouts struct {
	IntentAnalysis    time.Duration
	ContextRetrieval  time.Duration
	QueryGeneration   time.Duration
	Execution         time.Duration
	ResponseSynthesis time.Duration
}

// Config wires an Orchestrator.
type Config struct {
	Sessions  session.Store
	Model     llm.Provider
	Executor  lmsdb.Executor
	Knowledge contextstore.Provider
	Validator *safety.Validator
	Schema    lmsdb.Schema
	Timeouts  Timeouts

	// ContextResults is how many knowledge chunks retrieval asks for.
	ContextResults int

	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	TotalTurns     int64         `json:"total_turns"`
	Rejections     int64         `json:"rejections"`
	AverageLatency time.Duration `json:"average_latency"`
}

// Orchestrator drives the pipeline for each incoming message.
type Orchestrator struct {
	sessions       session.Store
	model          llm.Provider
	executor       lmsdb.Executor
	validator      *safety.Validator
	schemaContext  string
	timeouts       Timeouts
	contextResults int
	logger         *slog.Logger

	// knowledge can be swapped after construction; the platform resolves
	// the real provider during startup.
	knowledgeMu sync.RWMutex
	knowledge   contextstore.Provider

	totalTurns atomic.Int64
	rejections atomic.Int64
	latencyNS  atomic.Int64
}

// New creates an Orchestrator. Knowledge may be nil to disable retrieval.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	knowledge := cfg.Knowledge
	if knowledge == nil {
		knowledge = contextstore.NewNoopProvider()
	}
	contextResults := cfg.ContextResults
	if contextResults <= 0 {
		contextResults = 3
	}
	return &Orchestrator{
		sessions:       cfg.Sessions,
		model:          cfg.Model,
		executor:       cfg.Executor,
		knowledge:      knowledge,
		validator:      cfg.Validator,
		schemaContext:  cfg.Schema.Context(),
		timeouts:       cfg.Timeouts,
		contextResults: contextResults,
		logger:         logger.With("component", "pipeline"),
	}
}

// SetKnowledge swaps the knowledge provider. Nil restores the noop
// provider.
func (o *Orchestrator) SetKnowledge(provider contextstore.Provider) {
	if provider == nil {
		provider = contextstore.NewNoopProvider()
	}
	o.knowledgeMu.Lock()
	o.knowledge = provider
	o.knowledgeMu.Unlock()
}

func (o *Orchestrator) knowledgeProvider() contextstore.Provider {
	o.knowledgeMu.RLock()
	defer o.knowledgeMu.RUnlock()
	return o.knowledge
}

// turnState accumulates one turn's progress across stages.
type turnState struct {
	turn       session.Turn
	analysis   llm.IntentAnalysis
	facts      []string
	queryData  string
	text       string
	confidence float64
}

// ProcessMessage runs the full pipeline for one user message and commits
// the resulting turn. The caller's identity is the session key.
func (o *Orchestrator) ProcessMessage(ctx context.Context, userID, message string) (*Response, error) {
	release := o.sessions.Acquire(userID)
	defer release()

	start := time.Now()
	defer func() {
		o.totalTurns.Add(1)
		o.latencyNS.Add(int64(time.Since(start)))
	}()

	sess, err := o.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving session: %w", err)
	}
	history := sessionMessages(sess)

	st := &turnState{
		turn: session.Turn{
			Timestamp:    time.Now().UTC(),
			Input:        message,
			StageTimings: make(map[string]time.Duration),
		},
	}

	// IntentAnalysis. A model failure here degrades the whole turn: an
	// audit record commits, but no query or result fields are filled in.
	st.analysis, err = o.analyzeIntent(ctx, st, message, history)
	if err != nil {
		o.logger.Warn("intent analysis failed", "user_id", userID, "error", err)
		return o.commitDegraded(ctx, userID, sess, st, StageIntentAnalysis)
	}

	// ContextRetrieval is best-effort and never aborts the turn.
	st.facts = o.retrieveContext(ctx, st, message)

	if st.analysis.RequiresSQL {
		candidate, err := o.generateQuery(ctx, st, message)
		if err != nil {
			o.logger.Warn("query generation failed", "user_id", userID, "error", err)
			return o.commitDegraded(ctx, userID, sess, st, StageQueryGeneration)
		}
		if candidate != "" {
			o.validateAndExecute(ctx, userID, st, candidate)
		}
	}

	o.synthesize(ctx, st, message, history)

	return o.commit(ctx, userID, sess, st)
}

func (o *Orchestrator) analyzeIntent(ctx context.Context, st *turnState, message string, history []llm.Message) (llm.IntentAnalysis, error) {
	defer timeStage(st, StageIntentAnalysis)()
	callCtx, cancel := stageContext(ctx, o.timeouts.IntentAnalysis)
	defer cancel()
	return o.model.AnalyzeIntent(callCtx, message, history)
}

func (o *Orchestrator) retrieveContext(ctx context.Context, st *turnState, message string) []string {
	defer timeStage(st, StageContextRetrieval)()
	callCtx, cancel := stageContext(ctx, o.timeouts.ContextRetrieval)
	defer cancel()

	results, err := o.knowledgeProvider().SearchKnowledge(callCtx, message, o.contextResults)
	if err != nil {
		o.logger.Warn("context retrieval degraded", "error", err)
		return nil
	}
	facts := make([]string, 0, len(results))
	for _, r := range results {
		facts = append(facts, r.Content)
	}
	return facts
}

func (o *Orchestrator) generateQuery(ctx context.Context, st *turnState, message string) (string, error) {
	defer timeStage(st, StageQueryGeneration)()
	callCtx, cancel := stageContext(ctx, o.timeouts.QueryGeneration)
	defer cancel()
	return o.model.GenerateQuery(callCtx, llm.GenerateQueryRequest{
		UserMessage: message,
		Intent:      st.analysis,
		SchemaInfo:  o.schemaContext,
	})
}

// validateAndExecute runs SafetyValidation and, on acceptance, Execution.
// Rejections and execution failures are recorded on the turn; both paths
// continue into ResponseSynthesis.
func (o *Orchestrator) validateAndExecute(ctx context.Context, userID string, st *turnState, candidate string) {
	verdict := func() safety.Verdict {
		defer timeStage(st, StageSafetyValidation)()
		return o.validator.Validate(candidate)
	}()

	if !verdict.Accepted {
		o.rejections.Add(1)
		st.turn.Rejected = true
		st.turn.RejectionReason = string(verdict.Reason)
		st.queryData = refusalContext
		o.logger.Warn("candidate query rejected",
			"user_id", userID,
			"reason", verdict.Reason,
			"detail", verdict.Detail)
		return
	}

	// Only the normalized text ever executes.
	st.turn.Query = verdict.Normalized

	defer timeStage(st, StageExecution)()
	callCtx, cancel := stageContext(ctx, o.timeouts.Execution)
	defer cancel()

	result, err := o.executor.ExecuteReadOnly(callCtx, verdict.Normalized)
	if err != nil {
		st.turn.FailedStage = StageExecution
		st.queryData = "No data could be retrieved right now."
		o.logger.Warn("query execution failed", "user_id", userID, "error", err)
		return
	}
	st.turn.RowCount = result.RowCount
	st.queryData = result.JSON()
}

// synthesize produces the user-facing text and settles the confidence
// score. A cancelled parent context or a model failure degrades to a
// canned apology so the turn still commits consistently.
func (o *Orchestrator) synthesize(ctx context.Context, st *turnState, message string, history []llm.Message) {
	defer timeStage(st, StageResponseSynthesis)()

	st.confidence = o.settleConfidence(st)

	if ctx.Err() != nil {
		st.text = apologyText
		if st.turn.FailedStage == "" {
			st.turn.FailedStage = StageResponseSynthesis
		}
		st.confidence = confidenceFailed
		return
	}

	callCtx, cancel := stageContext(ctx, o.timeouts.ResponseSynthesis)
	defer cancel()

	query := st.turn.Query
	if st.turn.Rejected {
		query = ""
	}
	text, err := o.model.SynthesizeResponse(callCtx, llm.SynthesizeRequest{
		UserMessage: message,
		Query:       query,
		QueryData:   st.queryData,
		KnownFacts:  st.facts,
		History:     history,
	})
	if err != nil || text == "" {
		o.logger.Warn("response synthesis degraded", "error", err)
		st.text = apologyText
		if st.turn.FailedStage == "" {
			st.turn.FailedStage = StageResponseSynthesis
		}
		st.confidence = confidenceFailed
		return
	}
	st.text = text
}

// settleConfidence applies the scoring policy: a turn that needed no data
// or retrieved it successfully scores high; an accepted query whose
// execution failed, or a rejected candidate, scores medium.
func (o *Orchestrator) settleConfidence(st *turnState) float64 {
	if !st.analysis.RequiresSQL {
		return confidenceFull
	}
	if st.turn.Rejected || st.turn.FailedStage != "" {
		return confidenceDegraded
	}
	if st.turn.Query != "" {
		return confidenceFull
	}
	// the model produced no candidate despite wanting data
	return confidenceDegraded
}

// commit finalizes the turn, learns from it when warranted, and builds the
// response envelope.
func (o *Orchestrator) commit(ctx context.Context, userID string, sess *session.Session, st *turnState) (*Response, error) {
	st.turn.Output = st.text
	st.turn.Confidence = st.confidence

	// The commit must land even when the caller has gone away, otherwise a
	// cancelled turn would leave the session without its audit record.
	ctx = context.WithoutCancel(ctx)
	if err := o.sessions.Commit(ctx, userID, st.turn); err != nil {
		return nil, fmt.Errorf("committing turn: %w", err)
	}

	o.maybeLearn(ctx, st)

	return &Response{
		Text:             st.text,
		Query:            st.turn.Query,
		RowCount:         st.turn.RowCount,
		Confidence:       st.confidence,
		SessionID:        sess.ID,
		RequiresFollowup: st.analysis.Complexity == "complex",
	}, nil
}

// commitDegraded commits an audit turn for a model failure in an early
// stage. No query or result fields are recorded.
func (o *Orchestrator) commitDegraded(ctx context.Context, userID string, sess *session.Session, st *turnState, stage Stage) (*Response, error) {
	st.turn.FailedStage = stage
	st.text = apologyText
	st.confidence = confidenceFailed
	return o.commit(ctx, userID, sess, st)
}

// maybeLearn writes a successfully answered turn back into the knowledge
// store. Failures are logged and absorbed.
func (o *Orchestrator) maybeLearn(ctx context.Context, st *turnState) {
	if st.confidence <= knowledgeWritebackThreshold || st.turn.Query == "" || st.turn.FailedStage != "" {
		return
	}
	content := fmt.Sprintf("Q: %s\nA: %s", st.turn.Input, st.turn.Output)
	if _, err := o.knowledgeProvider().AddDocument(ctx, content, map[string]string{
		"source":     "conversation",
		"query_type": st.analysis.QueryType,
	}); err != nil {
		o.logger.Warn("knowledge writeback failed", "error", err)
	}
}

// Stats returns a snapshot of pipeline counters.
func (o *Orchestrator) Stats() Stats {
	turns := o.totalTurns.Load()
	stats := Stats{
		TotalTurns: turns,
		Rejections: o.rejections.Load(),
	}
	if turns > 0 {
		stats.AverageLatency = time.Duration(o.latencyNS.Load() / turns)
	}
	return stats
}

// sessionMessages converts a session's recent turns into model context.
func sessionMessages(sess *session.Session) []llm.Message {
	recent := sess.RecentContext(6)
	messages := make([]llm.Message, 0, len(recent))
	for _, m := range recent {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}
	return messages
}

// timeStage records a stage's duration on the turn.
func timeStage(st *turnState, stage Stage) func() {
	start := time.Now()
	return func() {
		st.turn.StageTimings[stage] = time.Since(start)
	}
}

// stageContext derives a per-stage deadline when one is configured.
func stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
