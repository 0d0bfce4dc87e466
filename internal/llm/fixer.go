// Package llm asks a chat-completion model to repair a generated bundle.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You repair generated web applications whose container build failed.
You receive the application bundle as JSON and the build log.
Answer with the complete corrected bundle as JSON in exactly the same shape as the input.
Do not add explanations or markdown.`

// maxLogBytes keeps the prompt bounded; the tail of a build log carries the failure.
const maxLogBytes = 16 * 1024

// Config configures a Fixer.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Fixer implements autofix.Fixer on top of the OpenAI chat API.
type Fixer struct {
	client      completer
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewFixer returns a Fixer, or an error when no API key is configured.
func NewFixer(cfg Config, logger *slog.Logger) (*Fixer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key not configured")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fixer{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: cfg.Temperature,
		logger:      logger,
	}, nil
}

// Fix implements autofix.Fixer.
func (f *Fixer) Fix(ctx context.Context, bundle, buildLog string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       f.model,
		Temperature: f.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(bundle, buildLog)},
		},
	}
	f.logger.Debug("requesting bundle fix", "model", f.model)
	resp, err := f.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	answer := StripFences(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("chat completion returned empty content")
	}
	return answer, nil
}

func userPrompt(bundle, buildLog string) string {
	buildLog = logTail(buildLog, maxLogBytes)
	var b strings.Builder
	b.WriteString("Build log:\n")
	b.WriteString(buildLog)
	b.WriteString("\n\nBundle:\n")
	b.WriteString(bundle)
	return b.String()
}

// StripFences removes a surrounding markdown code fence from a model answer.
func StripFences(answer string) string {
	answer = strings.TrimSpace(answer)
	if !strings.HasPrefix(answer, "```") {
		return answer
	}
	answer = strings.TrimPrefix(answer, "```")
	if nl := strings.IndexByte(answer, '\n'); nl >= 0 {
		answer = answer[nl+1:]
	} else {
		answer = ""
	}
	answer = strings.TrimSpace(answer)
	answer = strings.TrimSuffix(answer, "```")
	return strings.TrimSpace(answer)
}

// logTail returns at most limit trailing bytes of s, starting on a rune boundary.
func logTail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	start := len(s) - limit
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
