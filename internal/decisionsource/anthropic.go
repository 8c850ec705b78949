package decisionsource

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/loom/internal/huddle"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// Anthropic decides operations by calling the Messages API with the manifest
// as tools and tool choice forced, so every response is a concrete operation.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *zap.Logger
}

// NewAnthropic creates a source for the given API key and model.
func NewAnthropic(apiKey, model string, logger *zap.Logger) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Anthropic{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.Model(model),
		maxTokens: 2048,
		logger:    logger,
	}, nil
}

// Decide asks the model for the next operation. Transient API failures are
// retried with exponential backoff; non-retryable errors surface immediately.
func (a *Anthropic) Decide(ctx context.Context, system, state string, tools []ToolDef) (Proposal, error) {
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(state)),
		},
		Tools: toToolParams(tools),
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfAny: &anthropic.ToolChoiceAnyParam{},
		},
	}

	msg, err := a.callWithBackoff(ctx, params)
	if err != nil {
		return Proposal{}, err
	}
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.ToolUseBlock); ok {
			return Proposal{
				Tool: variant.Name,
				Args: []byte(variant.JSON.Input.Raw()),
			}, nil
		}
	}
	return Proposal{}, errors.New("response carried no tool use block")
}

// Speak implements huddle.Speaker using a plain text exchange.
func (a *Anthropic) Speak(ctx context.Context, topic, participant string, transcript []huddle.Turn) (string, error) {
	prompt := fmt.Sprintf("You are %q in a design huddle on: %s\n", participant, topic)
	for _, turn := range transcript {
		prompt += fmt.Sprintf("\n[round %d] %s: %s", turn.Round, turn.Participant, turn.Content)
	}
	prompt += "\n\nGive your position in a few sentences, then end with a line 'AGREE: yes' or 'AGREE: no'."

	msg, err := a.callWithBackoff(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	for _, block := range msg.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			return variant.Text, nil
		}
	}
	return "", errors.New("response carried no text block")
}

func (a *Anthropic) callWithBackoff(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var msg *anthropic.Message
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	op := func() error {
		m, err := a.client.Messages.New(ctx, params)
		if err != nil {
			if !isRetryable(err) {
				return backoff.Permanent(err)
			}
			a.logger.Debug("anthropic call failed, backing off", zap.Error(err))
			return err
		}
		msg = m
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return msg, nil
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	// Transport-level failures without a status are worth retrying.
	return true
}

func toToolParams(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Schema,
				},
			},
		}
	}
	return out
}
