package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"marketpulse/internal/resilience/circuitbreaker"
)

// ClaudeModel is the Anthropic model used for sentiment/impact analysis.
const ClaudeModel = anthropic.ModelClaudeSonnet4_5_20250929

// claudeMaxTokens bounds the response; the schema is compact, but
// geopolitical themes/regions lists can run long for multi-region stories.
const claudeMaxTokens = 1536

// Claude implements Provider using Anthropic's Claude API, grounded on the
// same circuit-breaker-wrapped call shape as the content summarizer.
type Claude struct {
	client         anthropic.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	modelTag       string
}

// NewClaude creates a Claude analysis provider tagged modelTag (the
// cost-table key AnalysisRunManager prices this run at).
func NewClaude(apiKey, modelTag string) *Claude {
	return &Claude{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		circuitBreaker: circuitbreaker.New(circuitbreaker.ClaudeAPIConfig()),
		modelTag:       modelTag,
	}
}

func (c *Claude) ModelTag() string { return c.modelTag }

func (c *Claude) Analyze(ctx context.Context, in Input) (Output, error) {
	out, err := c.call(ctx, buildPrompt(in))
	if err == nil {
		return out, nil
	}
	if Classify(err) != KindInvalidJSON {
		return Output{}, err
	}

	slog.WarnContext(ctx, "claude analyzer: invalid json, retrying with repair prompt")
	out, repairErr := c.call(ctx, repairPrompt(in, err.Error()))
	if repairErr != nil {
		if Classify(repairErr) == KindInvalidJSON {
			return Output{}, &Error{Kind: KindInvalidJSON, Err: repairErr}
		}
		return Output{}, repairErr
	}
	return out, nil
}

func (c *Claude) call(ctx context.Context, prompt string) (Output, error) {
	start := time.Now()
	cbResult, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     ClaudeModel,
			MaxTokens: claudeMaxTokens,
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
	})
	if err != nil {
		return Output{}, &Error{Kind: Classify(err), Err: err}
	}

	message := cbResult.(*anthropic.Message)
	if len(message.Content) == 0 {
		return Output{}, &Error{Kind: KindInvalidJSON, Err: fmt.Errorf("empty response")}
	}
	textBlock, ok := message.Content[0].AsAny().(anthropic.TextBlock)
	if !ok {
		return Output{}, &Error{Kind: KindInvalidJSON, Err: fmt.Errorf("unexpected content block type")}
	}

	sentiment, impact, err := parseAnalysis(textBlock.Text)
	if err != nil {
		return Output{}, &Error{Kind: KindInvalidJSON, Err: err}
	}

	slog.DebugContext(ctx, "claude analyzer: analysis complete",
		slog.Duration("duration", time.Since(start)),
		slog.Int64("input_tokens", message.Usage.InputTokens),
		slog.Int64("output_tokens", message.Usage.OutputTokens))

	return Output{
		Sentiment:  sentiment,
		Impact:     impact,
		TokensUsed: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}, nil
}
