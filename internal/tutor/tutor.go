// Package tutor wires the Pedagogical State Machine, tool executor, tool
// client registry, per-learner session supervisor, persistence, metrics,
// and websocket transport into one runnable engine, the way
// cmd/nexus/main.go composes the chat gateway's own collaborators.
package tutor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/tutor-core/internal/tutor/config"
	"github.com/haasonsaas/tutor-core/internal/tutor/executor"
	"github.com/haasonsaas/tutor-core/internal/tutor/metrics"
	"github.com/haasonsaas/tutor-core/internal/tutor/psm"
	"github.com/haasonsaas/tutor-core/internal/tutor/registry"
	"github.com/haasonsaas/tutor-core/internal/tutor/session"
	"github.com/haasonsaas/tutor-core/internal/tutor/store"
	"github.com/haasonsaas/tutor-core/internal/tutor/transport"
	"github.com/haasonsaas/tutor-core/internal/tutor/tutortools"
)

// Engine owns every collaborator the tutoring server needs for its
// lifetime: the tool executor pool, the session supervisor, the durable
// store, and the Prometheus metrics they all report through.
type Engine struct {
	Config   config.Config
	Executor *executor.Executor
	Registry *registry.Registry
	Store    *store.SQLiteStore
	Metrics  *metrics.Metrics
	Handler  http.Handler

	logger *slog.Logger
	ticker *cron.Cron
}

// New constructs an Engine from cfg. It opens the durable store, builds the
// tool client (Anthropic-backed if an API key is configured, otherwise a
// client that always falls through to the deterministic fallbacks), and
// wires the executor -> tool registry -> session supervisor -> transport
// chain.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := store.New(cfg.ToStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("tutor: open store: %w", err)
	}

	toolClient, err := newToolClient(cfg)
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("tutor: build tool client: %w", err)
	}
	toolRegistry := tutortools.NewRegistry(toolClient)

	execCfg, err := cfg.ToExecutorConfig()
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("tutor: executor config: %w", err)
	}
	exec := executor.New(toolHandler(toolRegistry), execCfg, logger)
	submitter := session.NewExecutorAdapter(exec)

	metricsInstance := metrics.New()

	regCfg, err := cfg.ToRegistryConfig()
	if err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("tutor: registry config: %w", err)
	}
	reg := registry.New(regCfg, submitter, sqlStore, metricsInstance, logger)
	reg.SetLifecycleObserver(metricsInstance)
	reg.OnTransition(func(learnerID string, from, to psm.State) {
		logger.Debug("state transition", "learner_id", learnerID, "from", from, "to", to)
	})

	ws := transport.New(reg, logger, cfg.ToReconnectGrace())

	ticker := cron.New()
	if _, err := ticker.AddFunc("@every "+regCfg.SessionConfig.TickPeriod.String(), reg.Tick); err != nil {
		sqlStore.Close()
		return nil, fmt.Errorf("tutor: schedule tick: %w", err)
	}
	ticker.Start()

	return &Engine{
		Config:   cfg,
		Executor: exec,
		Registry: reg,
		Store:    sqlStore,
		Metrics:  metricsInstance,
		Handler:  ws,
		logger:   logger.With("component", "tutor.engine"),
		ticker:   ticker,
	}, nil
}

// Close stops the tick scheduler, shuts down every active session, and
// releases the durable store handle. Safe to call once, on process
// shutdown.
func (e *Engine) Close() error {
	e.ticker.Stop()
	e.Registry.StopAll(true)
	return e.Store.Close()
}

func newToolClient(cfg config.Config) (tutortools.Client, error) {
	if cfg.Anthropic.APIKey == "" {
		return fallbackOnlyClient{}, nil
	}
	return tutortools.NewAnthropicClient(tutortools.AnthropicConfig{
		APIKey:    cfg.Anthropic.APIKey,
		BaseURL:   cfg.Anthropic.BaseURL,
		Model:     cfg.Anthropic.Model,
		MaxTokens: cfg.Anthropic.MaxTokens,
	})
}

// toolHandler adapts tutortools.Registry.Execute to the executor.Handler
// signature, the seam between the name+JSON tool dispatch and the
// asynchronous submit/cancel contract the Session relies on.
func toolHandler(reg *tutortools.Registry) executor.Handler {
	return func(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
		return reg.Execute(ctx, tutortools.Name(tool), args)
	}
}

// fallbackOnlyClient implements tutortools.Client entirely in terms of the
// deterministic fallbacks, for operators running without an LLM provider
// configured — every session still works, just without generated prose.
type fallbackOnlyClient struct{}

func (fallbackOnlyClient) GenerateQuestion(ctx context.Context, topic tutortools.Topic, history []tutortools.HistoryTurn) (tutortools.Question, error) {
	return tutortools.FallbackQuestion(topic), nil
}

func (fallbackOnlyClient) CheckAnswer(ctx context.Context, question tutortools.Question, studentAnswer string) (tutortools.CheckAnswerResult, error) {
	return tutortools.FallbackCheckAnswer(question, studentAnswer), nil
}

func (fallbackOnlyClient) DiagnoseError(ctx context.Context, question tutortools.Question, answer tutortools.AnswerData) (tutortools.DiagnosisResult, error) {
	return tutortools.FallbackDiagnosis(), nil
}

func (fallbackOnlyClient) CreateRemediation(ctx context.Context, topic tutortools.Topic, d tutortools.DiagnosisResult) (string, error) {
	return tutortools.FallbackRemediation(topic), nil
}

func (fallbackOnlyClient) ExplainConcept(ctx context.Context, topic tutortools.Topic, message string, history []tutortools.HistoryTurn) (string, error) {
	return tutortools.FallbackExplanation(topic), nil
}

func (fallbackOnlyClient) ProvideHint(ctx context.Context, question tutortools.Question, context string) (string, error) {
	return tutortools.FallbackHint(question), nil
}

func (fallbackOnlyClient) ClassifyIntent(ctx context.Context, message string, history []tutortools.HistoryTurn) (tutortools.Intent, error) {
	return tutortools.FallbackIntent(message), nil
}

var _ tutortools.Client = fallbackOnlyClient{}
