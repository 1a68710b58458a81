// Package bots produces the chat lines bot players post during a session.
package bots

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/yungsuk53-pixel/crime/internal/config"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
)

const (
	maxRetries = 3
	retryDelay = 1 * time.Second
)

// PlainNarrator posts bot lines verbatim.
type PlainNarrator struct{}

func (PlainNarrator) Narrate(_ context.Context, line interfaces.BotLine) (string, error) {
	return line.Text, nil
}

// chatCompleter is the slice of the go-openai client the narrator uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAINarrator rephrases bot lines in character through an
// OpenAI-compatible chat completion endpoint. Any failure falls back to
// the plain line so a session never stalls on the model.
type OpenAINarrator struct {
	client      chatCompleter
	model       string
	maxTokens   int
	temperature float32
	timeout     time.Duration
	retryDelay  time.Duration
}

func NewOpenAINarrator(cfg config.OpenAIConfig) *OpenAINarrator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAINarrator(openai.NewClientWithConfig(clientCfg), cfg)
}

func newOpenAINarrator(client chatCompleter, cfg config.OpenAIConfig) *OpenAINarrator {
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OpenAINarrator{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
		retryDelay:  retryDelay,
	}
}

func (n *OpenAINarrator) Narrate(ctx context.Context, line interfaces.BotLine) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		Temperature: n.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt(line)},
			{Role: openai.ChatMessageRoleUser, Content: line.Text},
		},
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				log.Printf("[Bots] Narration for %s cancelled: %v", line.BotName, ctx.Err())
				return line.Text, nil
			case <-time.After(n.retryDelay * time.Duration(attempt)):
			}
		}

		resp, err := n.client.CreateChatCompletion(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = fmt.Errorf("no choices in response")
			continue
		}
		text := strings.TrimSpace(resp.Choices[0].Message.Content)
		if text == "" {
			lastErr = fmt.Errorf("empty completion")
			continue
		}
		return text, nil
	}

	log.Printf("[Bots] Falling back to plain line for %s after %d attempts: %v", line.BotName, maxRetries, lastErr)
	return line.Text, nil
}

func systemPrompt(line interfaces.BotLine) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s", line.BotName)
	if line.Character != "" {
		fmt.Fprintf(&b, ", playing %s", line.Character)
	}
	b.WriteString(" in a murder mystery party game. ")
	if line.Kind == "intro" {
		b.WriteString("Introduce yourself to the table in one or two short sentences. ")
	} else {
		fmt.Fprintf(&b, "It is the %s stage. Share the clue you are given as natural table talk in at most two sentences. ", line.Stage)
	}
	b.WriteString("Keep every fact from the user message and never reveal your secret role unless the message already does.")
	return b.String()
}
