package conversation

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wolfman30/prospecting-agent/internal/prompts"
)

var (
	trailingQuestionMark = regexp.MustCompile(`\?\s*$`)
	interrogativeLead    = regexp.MustCompile(`(?i)\b(como|quando|onde|qual|quais|fazem|oferecem|trabalham|atendem|aceitam|tem|têm|how|when|where|what|which|do you|does|are you|can you)\s`)
	nameRequestPattern   = regexp.MustCompile(`(?i)com quem (eu )?estou falando|seu nome|qual (é )?o seu nome|quem (está|esta|tá) falando|posso saber seu nome|who am i (talking|speaking) (to|with)|your name|may i ask your name`)
)

// RapportPolicy paces the rapport phase: up to MaxRapportQuestions segment
// questions, then a name request.
type RapportPolicy struct {
	catalog prompts.Catalog
}

func NewRapportPolicy(catalog prompts.Catalog) *RapportPolicy {
	return &RapportPolicy{catalog: catalog}
}

// NextDirective returns the instruction for the next generated rapport line.
func (p *RapportPolicy) NextDirective(segment string, questionsAsked int) string {
	if questionsAsked < MaxRapportQuestions {
		return prompts.Render(p.catalog.QuestionHint, map[string]string{
			"segmento":  segment,
			"perguntas": strconv.Itoa(questionsAsked),
		})
	}
	return prompts.Render(p.catalog.NameHint, map[string]string{"segmento": segment})
}

// ObserveGeneratedReply returns the question counter after the agent sent text.
// Only a reply that reads as a question and is not the name request counts.
func (p *RapportPolicy) ObserveGeneratedReply(text string, questionsAsked int) int {
	if questionsAsked >= MaxRapportQuestions {
		return questionsAsked
	}
	if LooksLikeQuestion(text) && !LooksLikeNameRequest(text) {
		return questionsAsked + 1
	}
	return questionsAsked
}

// ShouldHandoff reports whether rapport is over. A known name is the only
// completion signal; the counter just paces the questions.
func (p *RapportPolicy) ShouldHandoff(contactName *string) bool {
	return contactName != nil && strings.TrimSpace(*contactName) != ""
}

// LooksLikeQuestion reports whether text ends with a question mark or carries
// an interrogative lead word.
func LooksLikeQuestion(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	return trailingQuestionMark.MatchString(t) || interrogativeLead.MatchString(t)
}

// LooksLikeNameRequest reports whether text asks for the counterparty's name.
func LooksLikeNameRequest(text string) bool {
	return nameRequestPattern.MatchString(strings.ToLower(text))
}
