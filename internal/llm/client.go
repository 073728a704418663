package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kbgateway/backend/pkg/circuitbreaker"
	"github.com/kbgateway/backend/pkg/logger"
	"github.com/kbgateway/backend/pkg/retry"
)

var ErrGenerationFailed = errors.New("generation failed")

// Client talks to one OpenAI-compatible chat backend. Groq is served
// through the same protocol with a different base URL.
type Client struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type ClientConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type Message struct {
	Role    string
	Content string
}

type CompletionRequest struct {
	SystemPrompt string
	History      []Message
	UserPrompt   string
	Model        string
	Temperature  float32
	MaxTokens    int
}

func NewClient(cfg ClientConfig) *Client {
	openaiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiCfg.BaseURL = cfg.BaseURL
	}

	cb := circuitbreaker.NewCircuitBreaker(cfg.Name, circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	logger.Info("LLM client initialized",
		zap.String("backend", cfg.Name),
		zap.String("model", cfg.Model),
	)

	return &Client{
		client:      openai.NewClientWithConfig(openaiCfg),
		name:        cfg.Name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     timeout,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) buildMessages(req CompletionRequest) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})

	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserPrompt,
	})

	return messages
}

func (c *Client) completionRequest(req CompletionRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    c.buildMessages(req),
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// StreamCompletion starts a streamed completion. The circuit breaker
// and retry policy guard stream establishment; fragments then flow
// until the backend finishes or ctx is cancelled.
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest) (*FragmentStream, error) {
	// Bounds the whole completion, establishment through last fragment.
	ctx, cancel := context.WithTimeout(ctx, c.timeout)

	var upstream *openai.ChatCompletionStream

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			var err error
			upstream, err = c.client.CreateChatCompletionStream(ctx, c.completionRequest(req))
			if err != nil {
				return fmt.Errorf("failed to open completion stream: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s backend: %v", ErrGenerationFailed, c.name, err)
	}

	stream := NewFragmentStream()

	go func() {
		defer cancel()
		defer upstream.Close()
		for {
			resp, err := upstream.Recv()
			if err == io.EOF {
				stream.Finish(nil)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					stream.Finish(ctx.Err())
					return
				}
				stream.Finish(fmt.Errorf("%w: %s backend: %v", ErrGenerationFailed, c.name, err))
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if !stream.Send(ctx, resp.Choices[0].Delta.Content) {
				stream.Finish(ctx.Err())
				return
			}
		}
	}()

	return stream, nil
}
