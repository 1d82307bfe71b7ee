package conversation

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Reasons reported by ClassifyBotLike.
const (
	BotReasonEcho          = "echo"
	BotReasonMenuPhrase    = "menu_phrase"
	BotReasonNumberedLines = "numbered_lines"
	BotReasonInlineChoices = "inline_choices"
)

// Classification is the verdict for one incoming message. It is a heuristic,
// not an authoritative answer: both false positives and negatives happen.
type Classification struct {
	BotLike bool
	Reason  string
}

// menuPhrases are matched as substrings of the normalized text.
var menuPhrases = normalizePhrases(
	"escolha uma opção",
	"escolher uma opção",
	"digite o número",
	"não entendi sua opção",
	"não entendi a sua opção",
	"selecione uma opção",
	"choose an option",
	"select an option",
	"type the number",
	"didn't understand your option",
)

var (
	menuWordPattern     = regexp.MustCompile(`\b(menu|opcoes|opcao|options|option)\b`)
	numberedLinePattern = regexp.MustCompile(`^\s*\d+\s*[-–—]`)
	inlineChoicePattern = regexp.MustCompile(`\b1\s*[–—]?\s*[a-z]+.*\b2\s*[–—]?\s*[a-z]+`)
	whitespacePattern   = regexp.MustCompile(`\s+`)
	strippedPunctuation = regexp.MustCompile(`[.,!?:;()\[\]'"“”‘’\-_/\\|]+`)
)

// ClassifyBotLike decides whether current reads like an automated system:
// an exact repeat of the previous counterparty message, a menu phrase, two or
// more numbered lines, or inline "1 ... 2 ..." choices.
func ClassifyBotLike(current, previous string) Classification {
	normalized := normalizeForDetection(current)
	if normalized != "" && normalized == normalizeForDetection(previous) {
		return Classification{BotLike: true, Reason: BotReasonEcho}
	}
	if reason, ok := menuLike(current, normalized); ok {
		return Classification{BotLike: true, Reason: reason}
	}
	return Classification{}
}

func menuLike(raw, normalized string) (string, bool) {
	for _, phrase := range menuPhrases {
		if strings.Contains(normalized, phrase) {
			return BotReasonMenuPhrase, true
		}
	}
	if menuWordPattern.MatchString(normalized) {
		return BotReasonMenuPhrase, true
	}

	// Line structure is lost by normalization, so count on the raw text.
	numbered := 0
	for _, line := range strings.Split(strings.ToLower(raw), "\n") {
		if numberedLinePattern.MatchString(line) {
			numbered++
		}
	}
	if numbered >= 2 {
		return BotReasonNumberedLines, true
	}

	if inlineChoicePattern.MatchString(normalized) {
		return BotReasonInlineChoices, true
	}
	return "", false
}

// normalizeForDetection lowercases, folds accents, collapses whitespace and
// drops the punctuation set that menus and echoes vary on.
func normalizeForDetection(s string) string {
	s = strings.ToLower(foldAccents(s))
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strippedPunctuation.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func normalizePhrases(phrases ...string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, normalizeForDetection(p))
	}
	return out
}
