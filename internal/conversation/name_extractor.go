package conversation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/wolfman30/prospecting-agent/internal/prompts"
)

// NameExtractor pulls the counterparty's first name out of free text.
// ok is false when no name was found.
type NameExtractor interface {
	ExtractFirstName(ctx context.Context, text string) (name string, ok bool, err error)
}

const noNameSentinel = "null"

var nonNameChars = regexp.MustCompile(`[^\p{L}\s'-]`)

// LLMNameExtractor asks the generator for the first name and normalizes the
// answer to one capitalized word.
type LLMNameExtractor struct {
	llm     LLMClient
	catalog prompts.Catalog
	model   string
}

func NewLLMNameExtractor(llm LLMClient, catalog prompts.Catalog, model string) *LLMNameExtractor {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	return &LLMNameExtractor{llm: llm, catalog: catalog, model: model}
}

func (e *LLMNameExtractor) ExtractFirstName(ctx context.Context, text string) (string, bool, error) {
	if strings.TrimSpace(text) == "" {
		return "", false, nil
	}
	prompt := prompts.Render(e.catalog.NameExtract, map[string]string{"mensagem": text})
	resp, err := e.llm.Complete(ctx, LLMRequest{
		Model:    e.model,
		Messages: []ChatMessage{{Role: ChatRoleUser, Content: prompt}},
	})
	if err != nil {
		return "", false, fmt.Errorf("conversation: extract name: %w", err)
	}
	name := NormalizeFirstName(resp.Text)
	return name, name != "", nil
}

// NormalizeFirstName keeps the first word of out, title-cased, or returns ""
// for the no-name sentinel or an answer with no letters.
func NormalizeFirstName(out string) string {
	out = strings.TrimSpace(out)
	if out == "" || strings.EqualFold(strings.Trim(out, `."'`), noNameSentinel) {
		return ""
	}
	fields := strings.Fields(nonNameChars.ReplaceAllString(out, " "))
	if len(fields) == 0 {
		return ""
	}
	first := strings.Trim(fields[0], "'-")
	if first == "" || strings.EqualFold(first, noNameSentinel) {
		return ""
	}
	r, size := utf8.DecodeRuneInString(first)
	return string(unicode.ToUpper(r)) + strings.ToLower(first[size:])
}
