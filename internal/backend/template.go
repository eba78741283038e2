package backend

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/cascade/internal/prompt"
)

// ChatTemplate renders a conversation into the raw prompt string a
// completion endpoint expects.
type ChatTemplate string

const (
	TemplateChatML ChatTemplate = "chatml"
	TemplateLlama3 ChatTemplate = "llama3"
	TemplatePlain  ChatTemplate = "plain"
)

// ParseChatTemplate validates a template name. Empty selects ChatML.
func ParseChatTemplate(name string) (ChatTemplate, error) {
	switch t := ChatTemplate(strings.ToLower(name)); t {
	case "":
		return TemplateChatML, nil
	case TemplateChatML, TemplateLlama3, TemplatePlain:
		return t, nil
	default:
		return "", fmt.Errorf("unknown chat template %q", name)
	}
}

// Render writes messages and opens an assistant turn that continues after
// prefix.
func (t ChatTemplate) Render(messages []prompt.Message, prefix string) string {
	var b strings.Builder
	switch t {
	case TemplateLlama3:
		b.WriteString("<|begin_of_text|>")
		for _, m := range messages {
			fmt.Fprintf(&b, "<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", m.Role, m.Content)
		}
		b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	case TemplatePlain:
		for _, m := range messages {
			fmt.Fprintf(&b, "%s: %s\n", roleTitle(m.Role), m.Content)
		}
		b.WriteString("Assistant: ")
	default:
		for _, m := range messages {
			fmt.Fprintf(&b, "<|im_start|>%s\n%s<|im_end|>\n", m.Role, m.Content)
		}
		b.WriteString("<|im_start|>assistant\n")
	}
	b.WriteString(prefix)
	return b.String()
}

// StopSequences returns the end-of-turn markers of the template.
func (t ChatTemplate) StopSequences() []string {
	switch t {
	case TemplateLlama3:
		return []string{"<|eot_id|>"}
	case TemplatePlain:
		return []string{"\nUser:"}
	default:
		return []string{"<|im_end|>"}
	}
}

func roleTitle(r prompt.Role) string {
	switch r {
	case prompt.RoleSystem:
		return "System"
	case prompt.RoleAssistant:
		return "Assistant"
	default:
		return "User"
	}
}
