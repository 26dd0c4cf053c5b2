package generation

import "strings"

const (
	contextPlaceholder  = "{{context}}"
	questionPlaceholder = "{{question}}"
)

// DefaultTemplate instructs the model to answer only from the context.
const DefaultTemplate = `You are a helpful assistant answering questions from a knowledge base.
Use only the numbered sources below. If they do not contain the answer, say you don't know.

Sources:
{{context}}

Question: {{question}}

Answer:`

// ValidateTemplate checks that tpl holds both placeholders.
func ValidateTemplate(tpl string) error {
	if !strings.Contains(tpl, contextPlaceholder) || !strings.Contains(tpl, questionPlaceholder) {
		return ErrInvalidTemplate
	}
	return nil
}

// BuildPrompt fills the template. Placeholders inside the context or the
// question are not expanded.
func BuildPrompt(tpl, context, question string) string {
	r := strings.NewReplacer(contextPlaceholder, context, questionPlaceholder, question)
	return r.Replace(tpl)
}
