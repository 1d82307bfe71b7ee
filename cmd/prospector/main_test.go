package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/prospecting-agent/internal/config"
	"github.com/wolfman30/prospecting-agent/internal/conversation"
	"github.com/wolfman30/prospecting-agent/internal/observability/metrics"
	"github.com/wolfman30/prospecting-agent/internal/prompts"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

func TestMetricsRouterExposesMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewConversationMetrics(registry)
	m.ObserveBotDetection("echo")

	handler := newMetricsRouter(registry)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "prospecting_conversation_bot_detections_total")

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestConsoleSender(t *testing.T) {
	var buf bytes.Buffer
	sender := &consoleSender{w: &buf, agent: "Lia"}

	require.NoError(t, sender.Send(context.Background(), conversation.Outgoing{Text: "Bom dia!"}))
	require.NoError(t, sender.Send(context.Background(), conversation.Outgoing{Text: "Pitch", AudioPath: "audios/x.mp3"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Lia: Bom dia!", lines[0])
	assert.Equal(t, "Lia: [audio] audios/x.mp3", lines[2])
}

func TestSelectLead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leads.csv")
	csv := "nome,numero,segmento\nClínica Sorriso,5511999990000,odontologia\nAcademia Forte,5511988880000,academia\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	lead, err := selectLead(context.Background(), &appconfig.Config{LeadsFile: path, LeadIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, "Academia Forte", lead.Company)

	_, err = selectLead(context.Background(), &appconfig.Config{LeadsFile: path, LeadIndex: 5})
	require.Error(t, err)
}

// flakyLLM fails its first call and answers every later one.
type flakyLLM struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyLLM) Complete(_ context.Context, _ conversation.LLMRequest) (conversation.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return conversation.LLMResponse{}, &conversation.GenerationError{Provider: "gemini", StatusCode: 503, Body: "overloaded"}
	}
	return conversation.LLMResponse{Text: "Bom dia! Falo com a Clínica Sorriso?"}, nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConverseSurvivesFailedOpening(t *testing.T) {
	logger := logging.New("error")
	llm := &flakyLLM{}
	out := &syncBuffer{}
	orchestrator := conversation.NewOrchestrator(conversation.OrchestratorConfig{
		Store:   conversation.NewFileStore(filepath.Join(t.TempDir(), "state.json"), logger),
		LLM:     llm,
		Sales:   conversation.NewPitchSales(conversation.PitchSalesConfig{LLM: llm, Catalog: prompts.Default(), Logger: logger}),
		Sender:  &consoleSender{w: out, agent: "Lia"},
		Catalog: prompts.Default(),
		Logger:  logger,
	})

	inR, inW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- converse(ctx, orchestrator, conversation.Lead{
			Company: "Clínica Sorriso",
			Segment: "odontologia",
			Contact: "5511999990000",
		}, inR, logger)
	}()

	_, err := io.WriteString(inW, "Oi, aqui é a recepção\n")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Lia: Bom dia! Falo com a Clínica Sorriso?")
	}, time.Second, 5*time.Millisecond)

	cancel()
	_ = inW.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("converse did not stop after cancel")
	}
}
