// Package prompt turns a conversation snapshot plus the incoming message into the text
// submitted to the completion backend.
//
// Assembly is pure: the same message and snapshot always render the same prompt.
package prompt

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

const (
	HistoryPlaceholder = "{history}"
	MessagePlaceholder = "{message}"

	// DefaultTemplate frames the conversation for a Telegram assistant.
	DefaultTemplate = "You are a helpful assistant responding to Telegram messages. Here is the conversation history:\n" +
		HistoryPlaceholder + "\nUser: " + MessagePlaceholder + "\nRespond with a helpful and engaging answer."

	UserLabel      = "User"
	AssistantLabel = "Assistant"
	turnDelimiter  = "\n"
)

var ErrInvalidTemplate = errors.New("prompt template must contain {history} and {message}")

// Request is the immutable payload of one completion call.
type Request struct {
	RenderedHistory string
	UserMessage     string
	// Text is the template with both segments interpolated.
	Text string
}

// TokenCounter counts tokens the way the upstream model does.
type TokenCounter interface {
	Count(text string) int
}

type Assembler struct {
	template  string
	counter   TokenCounter
	maxTokens int
}

type Option func(*Assembler) error

func WithTemplate(template string) Option {
	return func(a *Assembler) error {
		if !strings.Contains(template, HistoryPlaceholder) || !strings.Contains(template, MessagePlaceholder) {
			return ErrInvalidTemplate
		}
		a.template = template
		return nil
	}
}

// WithHistoryTokenBudget drops the oldest turns until the rendered history fits in
// maxTokens. A non-positive budget or nil counter disables trimming.
func WithHistoryTokenBudget(counter TokenCounter, maxTokens int) Option {
	return func(a *Assembler) error {
		a.counter = counter
		a.maxTokens = maxTokens
		return nil
	}
}

func NewAssembler(opts ...Option) (*Assembler, error) {
	a := &Assembler{template: DefaultTemplate}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Build renders the snapshot and interpolates it with userMessage into the template.
func (a *Assembler) Build(userMessage string, snapshot []history.Turn) Request {
	rendered := a.renderWithinBudget(snapshot)
	r := strings.NewReplacer(HistoryPlaceholder, rendered, MessagePlaceholder, userMessage)
	return Request{
		RenderedHistory: rendered,
		UserMessage:     userMessage,
		Text:            r.Replace(a.template),
	}
}

func (a *Assembler) renderWithinBudget(snapshot []history.Turn) string {
	if a.counter == nil || a.maxTokens <= 0 {
		return RenderHistory(snapshot)
	}
	lines := make([]string, len(snapshot))
	costs := make([]int, len(snapshot))
	total := 0
	for i, t := range snapshot {
		lines[i] = renderTurn(t)
		costs[i] = a.counter.Count(lines[i])
		total += costs[i]
	}
	start := 0
	for start < len(lines) && total > a.maxTokens {
		total -= costs[start]
		start++
	}
	return strings.Join(lines[start:], turnDelimiter)
}

// RenderHistory renders turns as "User: ..." / "Assistant: ..." lines in order.
// An empty history renders to the empty string.
func RenderHistory(turns []history.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteString(turnDelimiter)
		}
		b.WriteString(renderTurn(t))
	}
	return b.String()
}

func renderTurn(t history.Turn) string {
	return roleLabel(t.Role) + ": " + t.Text
}

func roleLabel(r history.Role) string {
	switch r {
	case history.RoleAssistant:
		return AssistantLabel
	case history.RoleUser:
		return UserLabel
	default:
		return string(r)
	}
}
