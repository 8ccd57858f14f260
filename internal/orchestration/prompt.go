package orchestration

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/zulandar/sitechat/internal/conversation"
	"github.com/zulandar/sitechat/internal/retrieval"
)

const promptTemplate = `You are an AI assistant that answers queries based on scraped website data.
Use the website knowledge and conversation context to provide helpful answers.

Website Knowledge:
{{ .Knowledge }}

Previous Conversation:
{{ range .History }}{{ .Role }}: {{ .Content }}
{{ end }}
User Message:
{{ .Message }}
`

var prompt = template.Must(template.New("answer").Parse(promptTemplate))

type promptData struct {
	Knowledge string
	History   []conversation.Message
	Message   string
}

// BuildPrompt renders the model prompt. Passages keep their rank order and
// are not deduplicated; history is oldest first.
func BuildPrompt(passages []retrieval.Passage, history []conversation.Message, message string) (string, error) {
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}
	var buf bytes.Buffer
	err := prompt.Execute(&buf, promptData{
		Knowledge: strings.Join(texts, "\n\n"),
		History:   history,
		Message:   message,
	})
	if err != nil {
		return "", fmt.Errorf("orchestration: render prompt: %w", err)
	}
	return buf.String(), nil
}
