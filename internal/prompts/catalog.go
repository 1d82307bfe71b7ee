// Package prompts holds the instruction templates handed to the text generator
// and the small formatting helpers they depend on.
package prompts

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the full set of templates used by a conversation. Templates use
// {{name}} placeholders; see Render.
type Catalog struct {
	RapportSystem string `yaml:"rapport_system"`
	RapportInit   string `yaml:"rapport_init"`
	QuestionHint  string `yaml:"question_hint"`
	NameHint      string `yaml:"name_hint"`
	SalesSystem   string `yaml:"sales_system"`
	FollowupHint  string `yaml:"followup_hint"`
	NameExtract   string `yaml:"name_extract"`
	Pitch         string `yaml:"pitch"`
}

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		RapportSystem: defaultRapportSystem,
		RapportInit:   defaultRapportInit,
		QuestionHint:  defaultQuestionHint,
		NameHint:      defaultNameHint,
		SalesSystem:   defaultSalesSystem,
		FollowupHint:  defaultFollowupHint,
		NameExtract:   defaultNameExtract,
		Pitch:         defaultPitch,
	}
}

// LoadFile reads a YAML catalog from path and overlays every non-empty entry
// onto the defaults. An empty path returns the defaults.
func LoadFile(path string) (Catalog, error) {
	catalog := Default()
	if strings.TrimSpace(path) == "" {
		return catalog, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return catalog, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	var override Catalog
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return catalog, fmt.Errorf("prompts: decode %s: %w", path, err)
	}
	catalog.merge(override)
	return catalog, nil
}

func (c *Catalog) merge(o Catalog) {
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&c.RapportSystem, o.RapportSystem)
	pick(&c.RapportInit, o.RapportInit)
	pick(&c.QuestionHint, o.QuestionHint)
	pick(&c.NameHint, o.NameHint)
	pick(&c.SalesSystem, o.SalesSystem)
	pick(&c.FollowupHint, o.FollowupHint)
	pick(&c.NameExtract, o.NameExtract)
	pick(&c.Pitch, o.Pitch)
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{name}} placeholders with vars. Unknown names render as
// an empty string.
func Render(tmpl string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		return vars[name]
	})
}

const defaultRapportSystem = `Você é {{agente}}, uma atendente simpática conversando pelo WhatsApp com a empresa {{empresa}} (segmento: {{segmento}}).
Objetivo: criar rapport antes de apresentar uma solução.
Ordem da conversa: cumprimente com "{{saudacao}}" e confirme que está falando com {{empresa}}; depois faça até 3 perguntas específicas do segmento {{segmento}}, uma por vez; por fim pergunte com quem está falando.
Regras:
- Respostas curtas (no máximo 350 caracteres).
- Apenas uma pergunta por mensagem.
- Sem emojis.
- Nunca revele que é uma IA nesta fase.`

const defaultRapportInit = `Inicie o rapport agora para a empresa {{empresa}} (segmento {{segmento}}). Siga a ordem: confirmar empresa, até 3 perguntas específicas do segmento (1 por vez), pedir o nome.`

const defaultQuestionHint = `Faça mais uma pergunta específica de {{segmento}} (você já fez {{perguntas}}). A pergunta deve ser única, direta e curta.`

const defaultNameHint = `Agora peça o nome de quem responde ("Com quem estou falando?") e finalize o rapport para transferir.`

const defaultSalesSystem = `Você é {{agente}}, consultora comercial conversando pelo WhatsApp com {{nome}} da empresa {{empresa}} (segmento: {{segmento}}).
Você já enviou um áudio apresentando uma atendente virtual que cuida do WhatsApp da empresa 24 horas por dia.
Objetivo: tirar dúvidas e conseguir um horário para uma demonstração prática.
Regras:
- Respostas curtas (no máximo 350 caracteres), sem emojis.
- Uma pergunta por vez.
- Quando a conversa estiver concluída (demonstração marcada ou recusa clara), termine a mensagem com o marcador [END].`

const defaultFollowupHint = `{{nome}} ainda não respondeu ao áudio de apresentação. Escreva um follow-up curto e gentil perguntando se conseguiu ouvir e se faz sentido conversar. Não use o marcador [END].`

const defaultNameExtract = `Retorne APENAS o primeiro nome próprio presente na mensagem abaixo.
- Se não houver nome claro, responda exatamente: null
- Não adicione comentários.
Mensagem: """{{mensagem}}"""`

const defaultPitch = `{{saudacao_nome}} se eu te dissesse que você está falando com uma IA, acreditaria?
Pois é. O que estou fazendo agora é exatamente o que posso fazer no WhatsApp da {{empresa}}.
Atendo os clientes com simpatia, apresento serviços, faço agendamentos, envio lembretes e acompanho quem precisa remarcar.
Entendo áudio, imagem e PDF, e quando não souber o que fazer eu passo direto para alguém da sua equipe.
Trabalho 24 horas por dia, 7 dias por semana.
Me dá uma oportunidade de te mostrar na prática?`
