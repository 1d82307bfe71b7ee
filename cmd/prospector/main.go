package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/prospecting-agent/internal/app/bootstrap"
	appconfig "github.com/wolfman30/prospecting-agent/internal/config"
	"github.com/wolfman30/prospecting-agent/internal/conversation"
	"github.com/wolfman30/prospecting-agent/internal/leads"
	"github.com/wolfman30/prospecting-agent/internal/observability/metrics"
	"github.com/wolfman30/prospecting-agent/internal/prompts"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := appconfig.Load()
	// stdout carries the conversation, so logs go to stderr.
	logger := logging.NewWithWriter(cfg.LogLevel, os.Stderr)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("prospector failed", "error", err)
		os.Exit(1)
	}
	logger.Info("prospector stopped")
}

func run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, in io.Reader, out io.Writer) error {
	lead, err := selectLead(ctx, cfg)
	if err != nil {
		return err
	}
	catalog, err := prompts.LoadFile(cfg.PromptsFile)
	if err != nil {
		return err
	}

	store, closeStore, err := bootstrap.BuildStateStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	llm, closeLLM, err := bootstrap.BuildLLMClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLLM()

	synth, err := bootstrap.BuildSynthesizer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	convMetrics := metrics.NewConversationMetrics(registry)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newMetricsRouter(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	orchestrator := conversation.NewOrchestrator(conversation.OrchestratorConfig{
		Store: store,
		LLM:   llm,
		Names: conversation.NewLLMNameExtractor(llm, catalog, ""),
		Sales: conversation.NewPitchSales(conversation.PitchSalesConfig{
			LLM:       llm,
			Catalog:   catalog,
			Audio:     synth,
			AgentName: cfg.AgentName,
			Logger:    logger,
		}),
		Sender:        &consoleSender{w: out, agent: cfg.AgentName},
		Catalog:       catalog,
		Metrics:       convMetrics,
		Logger:        logger,
		AgentName:     cfg.AgentName,
		Timezone:      cfg.GreetingTimezone,
		FollowupDelay: cfg.FollowupDelay,
	})

	return converse(ctx, orchestrator, conversation.Lead{
		Company: lead.Company,
		Segment: lead.Segment,
		Contact: lead.Contact,
	}, in, logger)
}

// converse runs the dispatcher, opens the lead's conversation and feeds stdin
// into it until ctx is done. A failed opening line is logged and the next
// incoming message continues the conversation.
func converse(ctx context.Context, orchestrator *conversation.Orchestrator, lead conversation.Lead, in io.Reader, logger *logging.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- orchestrator.Run(runCtx) }()

	key, err := orchestrator.Open(runCtx, lead)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrOrchestratorClosed), runCtx.Err() != nil:
		cancel()
		<-done
		return err
	case errors.Is(err, conversation.ErrConversationClosed):
		logger.Info("conversation already closed", "key", key)
	default:
		logger.Error("opening line failed; waiting for the lead to write", "key", key, "error", err)
	}
	logger.Info("prospecting lead", "company", lead.Company, "key", key)

	go readIncoming(runCtx, in, orchestrator, key, logger)

	select {
	case <-ctx.Done():
		cancel()
		<-done
		return nil
	case err := <-done:
		return err
	}
}

func selectLead(ctx context.Context, cfg *appconfig.Config) (*leads.Lead, error) {
	repo := leads.NewInMemoryRepository()
	if _, err := leads.LoadFile(ctx, cfg.LeadsFile, repo); err != nil {
		return nil, err
	}
	return repo.GetByIndex(ctx, cfg.LeadIndex)
}

// readIncoming treats every stdin line as one counterparty message.
func readIncoming(ctx context.Context, in io.Reader, orchestrator *conversation.Orchestrator, key string, logger *logging.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		err := orchestrator.Deliver(ctx, key, line)
		switch {
		case err == nil:
		case errors.Is(err, conversation.ErrConversationClosed):
			logger.Info("conversation is closed; ignoring input")
		case errors.Is(err, conversation.ErrOrchestratorClosed), ctx.Err() != nil:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("stdin read failed", "error", err)
	}
}

func newMetricsRouter(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}

// consoleSender prints agent messages to the terminal.
type consoleSender struct {
	w     io.Writer
	agent string
}

func (s *consoleSender) Send(_ context.Context, msg conversation.Outgoing) error {
	name := s.agent
	if name == "" {
		name = "agent"
	}
	if _, err := fmt.Fprintf(s.w, "%s: %s\n", name, msg.Text); err != nil {
		return err
	}
	if msg.AudioPath != "" {
		if _, err := fmt.Fprintf(s.w, "%s: [audio] %s\n", name, msg.AudioPath); err != nil {
			return err
		}
	}
	return nil
}
