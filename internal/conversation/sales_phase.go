package conversation

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/wolfman30/prospecting-agent/internal/prompts"
	"github.com/wolfman30/prospecting-agent/pkg/logging"
)

// EndMarker is appended by the generator when the sales conversation is over.
const EndMarker = "[END]"

var (
	endMarkerPattern = regexp.MustCompile(`(?i)\[\s*end\s*\]`)
	optOutPattern    = regexp.MustCompile(`(?i)\b(nao tenho interesse|sem interesse|nao quero|pare de (me )?mandar|para de (me )?mandar|descadastr\w*|nao me (mande|envie) mais|not interested|unsubscribe|stop messaging|remove me)\b`)
)

// SalesReply is one agent turn produced by the sales phase.
type SalesReply struct {
	Text      string
	AudioPath string
	// Close asks the orchestrator to end the conversation after sending Text.
	Close bool
}

// SalesPhase produces the agent's lines once rapport is over.
type SalesPhase interface {
	Open(ctx context.Context, state State) (SalesReply, error)
	FollowUp(ctx context.Context, state State, transcript *Transcript) (SalesReply, error)
	Respond(ctx context.Context, state State, transcript *Transcript, incoming string) (SalesReply, error)
}

// AudioSynthesizer turns text into a playable artifact for recipient.
type AudioSynthesizer interface {
	Synthesize(ctx context.Context, text, recipient string) (string, error)
}

// PitchSales opens with a fixed pitch (optionally voiced), nudges once on
// silence, and answers through the generator until it emits EndMarker or the
// counterparty opts out.
type PitchSales struct {
	llm       LLMClient
	catalog   prompts.Catalog
	audio     AudioSynthesizer
	agentName string
	model     string
	logger    *logging.Logger
}

type PitchSalesConfig struct {
	LLM       LLMClient
	Catalog   prompts.Catalog
	Audio     AudioSynthesizer
	AgentName string
	Model     string
	Logger    *logging.Logger
}

var _ SalesPhase = (*PitchSales)(nil)

func NewPitchSales(cfg PitchSalesConfig) *PitchSales {
	if cfg.LLM == nil {
		panic("conversation: llm client cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &PitchSales{
		llm:       cfg.LLM,
		catalog:   cfg.Catalog,
		audio:     cfg.Audio,
		agentName: cfg.AgentName,
		model:     cfg.Model,
		logger:    cfg.Logger,
	}
}

// Open renders the pitch for the named contact and voices it when a
// synthesizer is configured. A synthesis failure fails the opening.
func (s *PitchSales) Open(ctx context.Context, state State) (SalesReply, error) {
	text := prompts.Render(s.catalog.Pitch, map[string]string{
		"saudacao_nome": prompts.NameSalutation(state.Name()),
		"nome":          state.Name(),
		"empresa":       state.Company,
		"segmento":      state.Segment,
		"agente":        s.agentName,
	})
	reply := SalesReply{Text: strings.TrimSpace(text)}
	if s.audio == nil {
		return reply, nil
	}
	path, err := s.audio.Synthesize(ctx, reply.Text, state.Key)
	if err != nil {
		return SalesReply{}, fmt.Errorf("conversation: synthesize pitch: %w", err)
	}
	reply.AudioPath = path
	return reply, nil
}

// FollowUp writes the nudge sent when the counterparty stays silent after the
// pitch. It never closes the conversation.
func (s *PitchSales) FollowUp(ctx context.Context, state State, transcript *Transcript) (SalesReply, error) {
	directive := prompts.Render(s.catalog.FollowupHint, s.vars(state))
	text, err := s.generate(ctx, state, transcript, directive)
	if err != nil {
		return SalesReply{}, err
	}
	text, _ = StripEndMarker(text)
	if text == "" {
		return SalesReply{}, errors.New("conversation: follow-up generation returned no text")
	}
	return SalesReply{Text: text}, nil
}

// Respond answers the counterparty's latest message, already appended to transcript.
func (s *PitchSales) Respond(ctx context.Context, state State, transcript *Transcript, incoming string) (SalesReply, error) {
	text, err := s.generate(ctx, state, transcript, "")
	if err != nil {
		return SalesReply{}, err
	}
	text, ended := StripEndMarker(text)
	closing := ended || IsOptOut(incoming)
	if text == "" && !closing {
		return SalesReply{}, errors.New("conversation: sales generation returned no text")
	}
	return SalesReply{Text: text, Close: closing}, nil
}

func (s *PitchSales) generate(ctx context.Context, state State, transcript *Transcript, directive string) (string, error) {
	system := prompts.Render(s.catalog.SalesSystem, s.vars(state))
	messages := transcript.Messages()
	if directive != "" {
		messages = append(messages, ChatMessage{Role: ChatRoleUser, Content: directive})
	}
	resp, err := s.llm.Complete(ctx, LLMRequest{
		Model:    s.model,
		System:   []string{system},
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("conversation: sales generation: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", errors.New("conversation: sales generation returned no text")
	}
	return text, nil
}

func (s *PitchSales) vars(state State) map[string]string {
	name := state.Name()
	if name == "" {
		name = "o contato"
	}
	return map[string]string{
		"agente":   s.agentName,
		"nome":     name,
		"empresa":  state.Company,
		"segmento": state.Segment,
	}
}

// StripEndMarker removes EndMarker from text and reports whether it was present.
func StripEndMarker(text string) (string, bool) {
	if !endMarkerPattern.MatchString(text) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(endMarkerPattern.ReplaceAllString(text, "")), true
}

// IsOptOut reports whether the counterparty explicitly asked to stop.
func IsOptOut(text string) bool {
	return optOutPattern.MatchString(strings.ToLower(foldAccents(text)))
}
