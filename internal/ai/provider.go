// Package ai defines the boundary to the external text-completion provider
// and to the website-context collaborator whose business facts season the
// prompt. The engine treats the model as opaque: prompt in, text out, with a
// bounded timeout and at most one retry decided by the caller.
package ai

import (
	"context"
	"errors"
	"strings"
)

// Reply is a provider answer. Intent is optional and free-form ("hours",
// "pricing", ...); providers that do not classify leave it empty.
type Reply struct {
	Text   string
	Intent string
}

// Provider generates a reply to a visitor question. Implementations must
// respect ctx cancellation; callers wrap calls in their own deadline.
type Provider interface {
	Generate(ctx context.Context, prompt string, facts []string) (*Reply, error)
}

// ContextProvider supplies the business facts (scraped site content,
// knowledge-base snippets) injected into the prompt for a widget. External
// collaborator; a nil or empty fact list is valid.
type ContextProvider interface {
	Facts(ctx context.Context, widgetID string) ([]string, error)
}

// StaticContext is a trivial ContextProvider over a fixed fact list. Handy
// for single-tenant setups and tests.
type StaticContext []string

// Facts returns the fixed fact list regardless of widget.
func (s StaticContext) Facts(context.Context, string) ([]string, error) { return s, nil }

// BuildPrompt assembles the provider prompt: the business facts followed by
// the visitor question, with an instruction to stay grounded in the facts.
func BuildPrompt(question string, facts []string) string {
	var b strings.Builder
	b.WriteString("You are a careful support agent for this business. Answer only from the facts below; if they do not cover the question, say you will hand over to a colleague.\n\n")
	if len(facts) > 0 {
		b.WriteString("Facts:\n")
		for _, f := range facts {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	b.WriteString("Visitor: ")
	b.WriteString(strings.TrimSpace(question))
	return b.String()
}

// ErrEmptyReply is returned when the provider answered with no usable text.
var ErrEmptyReply = errors.New("provider returned empty reply")
