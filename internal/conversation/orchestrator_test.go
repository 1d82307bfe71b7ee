package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/prospecting-agent/internal/observability/metrics"
	"github.com/wolfman30/prospecting-agent/internal/prompts"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

const testKey = "5511999990000"

var testLead = Lead{Company: "Clínica Sorriso", Segment: "odontologia", Contact: "+55 11 99999-0000"}

type recordingSender struct {
	mu   sync.Mutex
	sent []Outgoing
	err  error
}

func (s *recordingSender) Send(_ context.Context, msg Outgoing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []Outgoing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outgoing, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *recordingSender) last() Outgoing {
	msgs := s.messages()
	return msgs[len(msgs)-1]
}

// keywordNames returns a name when the text contains one of its keys.
type keywordNames map[string]string

func (k keywordNames) ExtractFirstName(_ context.Context, text string) (string, bool, error) {
	for needle, name := range k {
		if strings.Contains(text, needle) {
			return name, true, nil
		}
	}
	return "", false, nil
}

type orchestratorHarness struct {
	o         *Orchestrator
	store     *FileStore
	sender    *recordingSender
	rapport   *scriptedLLM
	sales     *scriptedLLM
	scheduler *FollowupScheduler
	catalog   prompts.Catalog
}

func newOrchestratorHarness(t *testing.T, followupDelay time.Duration) *orchestratorHarness {
	t.Helper()
	logger := logging.New("error")
	h := &orchestratorHarness{
		store:     NewFileStore(filepath.Join(t.TempDir(), "state.json"), logger),
		sender:    &recordingSender{},
		rapport:   &scriptedLLM{fallback: "Entendi."},
		sales:     &scriptedLLM{fallback: "Posso te mostrar numa demonstração rápida?"},
		scheduler: NewFollowupScheduler(),
		catalog:   prompts.Default(),
	}
	h.o = NewOrchestrator(OrchestratorConfig{
		Store: h.store,
		LLM:   h.rapport,
		Names: keywordNames{"Carla": "Carla"},
		Sales: NewPitchSales(PitchSalesConfig{
			LLM:     h.sales,
			Catalog: h.catalog,
			Logger:  logger,
		}),
		Sender:        h.sender,
		Scheduler:     h.scheduler,
		Catalog:       h.catalog,
		Metrics:       metrics.NewConversationMetrics(prometheus.NewRegistry()),
		Logger:        logger,
		AgentName:     "Lia",
		FollowupDelay: followupDelay,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *orchestratorHarness) state(t *testing.T) State {
	t.Helper()
	s, err := h.store.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.NotNil(t, s)
	return *s
}

func (h *orchestratorHarness) deliver(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.o.Deliver(context.Background(), testKey, text))
}

// toSales walks a fresh conversation through rapport until the pitch is sent.
func (h *orchestratorHarness) toSales(t *testing.T) {
	t.Helper()
	h.rapport.replies = []string{"Bom dia! Falo com a Clínica Sorriso?"}
	_, err := h.o.Open(context.Background(), testLead)
	require.NoError(t, err)
	h.deliver(t, "Sou a Carla, pode falar")
	require.Equal(t, StageSalesWaiting, h.state(t).Stage)
}

func TestOrchestrator_OpenCreatesRapportState(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.rapport.replies = []string{"Bom dia! Falo com a Clínica Sorriso?"}

	key, err := h.o.Open(context.Background(), testLead)
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	s := h.state(t)
	assert.Equal(t, StageRapport, s.Stage)
	assert.Equal(t, 0, s.QuestionsAsked)
	assert.Nil(t, s.ContactName)
	assert.Equal(t, "Clínica Sorriso", s.Company)

	require.Len(t, h.sender.messages(), 1)
	assert.Equal(t, "Bom dia! Falo com a Clínica Sorriso?", h.sender.last().Text)

	req := h.rapport.lastRequest()
	require.Len(t, req.Messages, 1)
	assert.Equal(t, ChatRoleUser, req.Messages[0].Role)
	assert.Contains(t, req.System[0], "Clínica Sorriso")

	// Re-opening an active conversation does not greet twice.
	_, err = h.o.Open(context.Background(), testLead)
	require.NoError(t, err)
	assert.Len(t, h.sender.messages(), 1)
}

func TestOrchestrator_RapportAsksThreeQuestionsThenName(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.rapport.replies = []string{
		"Bom dia! Falo com a Clínica Sorriso?",
		"Vocês atendem convênio?",
		"E aos sábados, abrem?",
		"Quantos dentistas trabalham aí?",
		"Com quem estou falando?",
	}
	_, err := h.o.Open(context.Background(), testLead)
	require.NoError(t, err)

	h.deliver(t, "Sim, é aqui")
	h.deliver(t, "Atendemos alguns")
	h.deliver(t, "Só pela manhã")
	assert.Equal(t, MaxRapportQuestions, h.state(t).QuestionsAsked)

	h.deliver(t, "Somos três")
	req := h.rapport.lastRequest()
	nameHint := prompts.Render(h.catalog.NameHint, map[string]string{"segmento": "odontologia"})
	assert.Equal(t, nameHint, req.Messages[len(req.Messages)-1].Content)
	assert.Equal(t, MaxRapportQuestions, h.state(t).QuestionsAsked)
	assert.Equal(t, StageRapport, h.state(t).Stage)
}

func TestOrchestrator_NameHandsOffToSales(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)

	s := h.state(t)
	assert.Equal(t, "Carla", s.Name())
	assert.Contains(t, s.Timestamps, MilestonePitchSent)
	assert.True(t, h.scheduler.Pending(testKey))

	pitch := h.sender.last()
	assert.Equal(t, StageSalesWaiting, pitch.Stage)
	assert.True(t, strings.HasPrefix(pitch.Text, "Oi Carla,"))
}

func TestOrchestrator_EchoPausesForHuman(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	_, err := h.o.Open(context.Background(), testLead)
	require.NoError(t, err)

	h.deliver(t, "Hi")
	sentBefore := len(h.sender.messages())
	h.deliver(t, "Hi")

	s := h.state(t)
	assert.Equal(t, StageAwaitingHuman, s.Stage)
	assert.Equal(t, StageRapport, s.ResumeStage)
	assert.Contains(t, s.Timestamps, MilestoneBotDetected)
	assert.Len(t, h.sender.messages(), sentBefore)

	h.deliver(t, "Desculpe, agora sim é a recepção")
	s = h.state(t)
	assert.Equal(t, StageRapport, s.Stage)
	assert.Empty(t, s.ResumeStage)
	assert.Len(t, h.sender.messages(), sentBefore+1)
}

func TestOrchestrator_MenuDuringSalesCancelsFollowup(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)

	h.deliver(t, "Escolha uma opção:\n1 - Agendar\n2 - Falar com atendente")
	s := h.state(t)
	assert.Equal(t, StageAwaitingHuman, s.Stage)
	assert.Equal(t, StageSalesWaiting, s.ResumeStage)
	assert.False(t, h.scheduler.Pending(testKey))

	h.deliver(t, "Oi, vi o áudio, como funciona?")
	assert.Equal(t, StageSalesActive, h.state(t).Stage)
}

func TestOrchestrator_ReplyCancelsFollowup(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)

	h.deliver(t, "Interessante, quanto custa?")
	assert.Equal(t, StageSalesActive, h.state(t).Stage)
	assert.False(t, h.scheduler.Pending(testKey))
	assert.Equal(t, StageSalesActive, h.sender.last().Stage)
}

func TestOrchestrator_StaleFollowupIsNoop(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	h.deliver(t, "Interessante, quanto custa?")
	sent := len(h.sender.messages())

	// A fire that was already queued when the reply landed.
	require.NoError(t, h.o.enqueue(context.Background(), event{kind: eventFollowup, key: testKey}))

	assert.Equal(t, StageSalesActive, h.state(t).Stage)
	assert.Len(t, h.sender.messages(), sent)
}

func TestOrchestrator_FollowupFiresOnce(t *testing.T) {
	h := newOrchestratorHarness(t, 20*time.Millisecond)
	h.sales.replies = []string{"Conseguiu ouvir o áudio?"}
	h.toSales(t)
	sent := len(h.sender.messages())

	require.Eventually(t, func() bool {
		s, err := h.store.Get(context.Background(), testKey)
		return err == nil && s != nil && s.Stage == StageSalesFollowupSent
	}, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	msgs := h.sender.messages()
	require.Len(t, msgs, sent+1)
	assert.Equal(t, "Conseguiu ouvir o áudio?", msgs[sent].Text)
	assert.Equal(t, StageSalesFollowupSent, msgs[sent].Stage)
	assert.Contains(t, h.state(t).Timestamps, MilestoneFollowup)

	h.deliver(t, "Ouvi sim")
	assert.Equal(t, StageSalesActive, h.state(t).Stage)
}

func TestOrchestrator_BlankFollowupNotSent(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	sent := len(h.sender.messages())
	h.sales.replies = []string{"[END]"}

	err := h.o.enqueue(context.Background(), event{kind: eventFollowup, key: testKey})
	require.Error(t, err)
	assert.Equal(t, StageSalesWaiting, h.state(t).Stage)
	assert.Len(t, h.sender.messages(), sent)
}

func TestOrchestrator_EndMarkerCloses(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	h.sales.replies = []string{"Perfeito, quinta às 10h então. Até lá! [END]"}

	h.deliver(t, "Pode ser quinta às 10h")
	s := h.state(t)
	assert.Equal(t, StageClosed, s.Stage)
	assert.Contains(t, s.Timestamps, MilestoneClosed)
	assert.Equal(t, "Perfeito, quinta às 10h então. Até lá!", h.sender.last().Text)

	sent := len(h.sender.messages())
	err := h.o.Deliver(context.Background(), testKey, "Obrigada!")
	require.True(t, errors.Is(err, ErrConversationClosed))
	assert.Len(t, h.sender.messages(), sent)

	_, err = h.o.Open(context.Background(), testLead)
	require.True(t, errors.Is(err, ErrConversationClosed))
}

func TestOrchestrator_SendFailureLeavesStage(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	h.sender.mu.Lock()
	h.sender.err = errors.New("channel down")
	h.sender.mu.Unlock()

	err := h.o.Deliver(context.Background(), testKey, "E o preço?")
	require.Error(t, err)
	assert.Equal(t, StageSalesWaiting, h.state(t).Stage)
	assert.True(t, h.scheduler.Pending(testKey))
}

func TestOrchestrator_GenerationFailureKeepsFollowup(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	sent := len(h.sender.messages())
	h.sales.mu.Lock()
	h.sales.errs = []error{&GenerationError{StatusCode: 503, Body: "overloaded"}}
	h.sales.mu.Unlock()

	err := h.o.Deliver(context.Background(), testKey, "E quanto custa?")
	require.Error(t, err)
	assert.Equal(t, StageSalesWaiting, h.state(t).Stage)
	assert.True(t, h.scheduler.Pending(testKey))
	assert.Len(t, h.sender.messages(), sent)

	h.deliver(t, "Oi? Quanto custa?")
	assert.Equal(t, StageSalesActive, h.state(t).Stage)
	assert.False(t, h.scheduler.Pending(testKey))
}

func TestOrchestrator_EndMarkerFromWaitingCloses(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	h.toSales(t)
	h.sales.replies = []string{"Tudo bem, obrigado pelo retorno! [END]"}

	h.deliver(t, "Não tenho interesse")
	s := h.state(t)
	assert.Equal(t, StageClosed, s.Stage)
	assert.False(t, h.scheduler.Pending(testKey))
	assert.Equal(t, StageClosed, h.sender.last().Stage)
}

func TestOrchestrator_BlankMessageIgnored(t *testing.T) {
	h := newOrchestratorHarness(t, time.Hour)
	_, err := h.o.Open(context.Background(), testLead)
	require.NoError(t, err)
	calls := h.rapport.calls()

	h.deliver(t, "   ")
	assert.Equal(t, calls, h.rapport.calls())
}

func TestOrchestrator_ClosedAfterRunStops(t *testing.T) {
	o := NewOrchestrator(OrchestratorConfig{
		Store:  NewFileStore(filepath.Join(t.TempDir(), "state.json"), logging.New("error")),
		LLM:    &scriptedLLM{},
		Sales:  NewPitchSales(PitchSalesConfig{LLM: &scriptedLLM{}}),
		Sender: &recordingSender{},
		Logger: logging.New("error"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, o.Run(ctx), context.Canceled)

	err := o.Deliver(context.Background(), testKey, "oi")
	require.ErrorIs(t, err, ErrOrchestratorClosed)
}
