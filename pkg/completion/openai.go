package completion

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/chatrelay/pkg/prompt"
)

const (
	DefaultModel   = "gpt-4"
	DefaultTimeout = 60 * time.Second
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAIClient talks to an OpenAI compatible chat completions endpoint.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	temperature float32
	maxTokens   int
}

var _ Client = (*OpenAIClient)(nil)

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key must be provided")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		timeout:     timeout,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (c *OpenAIClient) Model() string { return c.model }

// Complete sends the assembled prompt as a single user message.
func (c *OpenAIClient) Complete(ctx context.Context, req prompt.Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		cerr := Classify(err)
		log.Debug().Str("component", "completion").Str("model", c.model).Str("kind", string(cerr.Kind)).
			Dur("elapsed", time.Since(started)).Err(err).Msg("chat completion failed")
		return Result{}, cerr
	}

	if len(resp.Choices) == 0 {
		return Result{}, NewError(KindMalformedResponse, nil, "response has no choices")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Result{}, NewError(KindMalformedResponse, nil, "response choice has no text content")
	}

	log.Debug().Str("component", "completion").Str("model", c.model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Dur("elapsed", time.Since(started)).Msg("chat completion finished")
	return Result{Text: text}, nil
}

// Classify maps a go-openai error onto the failure taxonomy.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTransientNetwork, err, "request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return NewError(KindTransientNetwork, err, "request cancelled")
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, isQuotaError(apiErr), err, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, false, err, reqErr.Error())
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return NewError(KindMalformedResponse, err, "decode response: %v", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewError(KindTransientNetwork, err, "network: %v", err)
	}
	return NewError(KindTransientNetwork, err, "%v", err)
}

func classifyStatus(status int, quota bool, cause error, detail string) *Error {
	switch {
	case status == 0:
		return NewError(KindTransientNetwork, cause, "%s", detail)
	case status == http.StatusTooManyRequests && !quota:
		return NewError(KindTransientNetwork, cause, "status %d: %s", status, detail)
	case status == http.StatusRequestTimeout || status >= 500:
		return NewError(KindTransientNetwork, cause, "status %d: %s", status, detail)
	default:
		return NewError(KindUpstreamRejected, cause, "status %d: %s", status, detail)
	}
}

func isQuotaError(e *openai.APIError) bool {
	if e.Type == "insufficient_quota" {
		return true
	}
	if code, ok := e.Code.(string); ok && code == "insufficient_quota" {
		return true
	}
	return false
}
