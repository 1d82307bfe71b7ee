package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/prospecting-agent/internal/prompts"
)

func TestNormalizeFirstName(t *testing.T) {
	cases := map[string]string{
		"null":        "",
		"NULL.":       "",
		"":            "",
		"maria":       "Maria",
		"JOÃO silva":  "João",
		"Ana.":        "Ana",
		"  d'ávila  ": "D'ávila",
		"123":         "",
		"\"Carla\"":   "Carla",
		"ana-paula":   "Ana-paula",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeFirstName(in), "input %q", in)
	}
}

func TestLLMNameExtractor(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"carla"}}
	extractor := NewLLMNameExtractor(llm, prompts.Default(), "")

	name, ok, err := extractor.ExtractFirstName(context.Background(), "Aqui é a Carla, da recepção")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Carla", name)
	assert.True(t, strings.Contains(llm.lastRequest().Messages[0].Content, "Aqui é a Carla"))
}

func TestLLMNameExtractor_NoName(t *testing.T) {
	extractor := NewLLMNameExtractor(&scriptedLLM{replies: []string{"null"}}, prompts.Default(), "")
	_, ok, err := extractor.ExtractFirstName(context.Background(), "sim, atendemos")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLLMNameExtractor_BlankTextSkipsCall(t *testing.T) {
	llm := &scriptedLLM{}
	extractor := NewLLMNameExtractor(llm, prompts.Default(), "")
	_, ok, err := extractor.ExtractFirstName(context.Background(), "   ")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, llm.calls())
}

func TestLLMNameExtractor_Error(t *testing.T) {
	extractor := NewLLMNameExtractor(&scriptedLLM{errs: []error{errors.New("down")}}, prompts.Default(), "")
	_, _, err := extractor.ExtractFirstName(context.Background(), "Sou o Pedro")
	require.Error(t, err)
}
