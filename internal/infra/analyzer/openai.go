package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"marketpulse/internal/resilience/circuitbreaker"
)

// OpenAI implements Provider using OpenAI's chat completions API, grounded
// on the same circuit-breaker-wrapped call shape as the content summarizer.
type OpenAI struct {
	client         *openai.Client
	circuitBreaker *circuitbreaker.CircuitBreaker
	model          string
	modelTag       string
}

// NewOpenAI creates an OpenAI analysis provider. model is the OpenAI model
// id (e.g. "gpt-4o-mini"); modelTag is the cost-table key AnalysisRunManager
// prices this run at, which need not match the API model id 1:1.
func NewOpenAI(apiKey, model, modelTag string) *OpenAI {
	return &OpenAI{
		client:         openai.NewClient(apiKey),
		circuitBreaker: circuitbreaker.New(circuitbreaker.OpenAIAPIConfig()),
		model:          model,
		modelTag:       modelTag,
	}
}

func (o *OpenAI) ModelTag() string { return o.modelTag }

func (o *OpenAI) Analyze(ctx context.Context, in Input) (Output, error) {
	out, err := o.call(ctx, buildPrompt(in))
	if err == nil {
		return out, nil
	}
	if Classify(err) != KindInvalidJSON {
		return Output{}, err
	}

	slog.WarnContext(ctx, "openai analyzer: invalid json, retrying with repair prompt")
	out, repairErr := o.call(ctx, repairPrompt(in, err.Error()))
	if repairErr != nil {
		if Classify(repairErr) == KindInvalidJSON {
			return Output{}, &Error{Kind: KindInvalidJSON, Err: repairErr}
		}
		return Output{}, repairErr
	}
	return out, nil
}

func (o *OpenAI) call(ctx context.Context, prompt string) (Output, error) {
	start := time.Now()
	cbResult, err := o.circuitBreaker.Execute(func() (interface{}, error) {
		return o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: o.model,
			Messages: []openai.ChatCompletionMessage{{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			}},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
	})
	if err != nil {
		return Output{}, &Error{Kind: Classify(err), Err: err}
	}

	resp := cbResult.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return Output{}, &Error{Kind: KindInvalidJSON, Err: fmt.Errorf("empty response")}
	}

	sentiment, impact, err := parseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return Output{}, &Error{Kind: KindInvalidJSON, Err: err}
	}

	slog.DebugContext(ctx, "openai analyzer: analysis complete",
		slog.Duration("duration", time.Since(start)),
		slog.Int("total_tokens", resp.Usage.TotalTokens))

	return Output{
		Sentiment:  sentiment,
		Impact:     impact,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}
