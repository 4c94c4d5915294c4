package analyzer

import (
	"encoding/json"
	"fmt"

	"marketpulse/internal/domain/entity"
)

// schemaInstructions is appended to every analysis prompt: the exact JSON
// shape item_analysis.sentiment_json/impact_json expect, per the analysis
// result schema.
const schemaInstructions = `Respond with a single JSON object and nothing else, in exactly this shape:
{
  "sentiment": {
    "overall": {"label": "positive"|"neutral"|"negative", "score": float -1..1, "confidence": float 0..1},
    "market": {"bullish": float 0..1, "bearish": float 0..1, "uncertainty": float 0..1, "time_horizon": "short"|"medium"|"long"},
    "urgency": float 0..1,
    "themes": [string],
    "geopolitical": {
      "stability_score": float -1..1, "economic_impact": float 0..1, "security_relevance": float 0..1,
      "diplomatic_impact": {"global": float 0..1, "western": float 0..1, "regional": float 0..1},
      "escalation_potential": float 0..1,
      "regions_affected": [string], "impact_beneficiaries": [string], "impact_affected": [string],
      "time_horizon": "short_term"|"medium_term"|"long_term",
      "confidence": float 0..1,
      "alliance_activation": [string], "conflict_type": "diplomatic"|"economic"|"military"|"hybrid"
    }
  },
  "impact": {"overall": float 0..1, "volatility": float 0..1}
}
If the article has no geopolitical content, set every geopolitical numeric field to 0, every list to an empty array, and confidence to 0.`

func buildPrompt(in Input) string {
	return fmt.Sprintf("Analyze the following news article for market sentiment and geopolitical impact.\n\n%s\n\n%s",
		buildText(in), schemaInstructions)
}

// repairPrompt re-asks the model for the same analysis, quoting its own
// invalid output so it can self-correct rather than starting from scratch.
func repairPrompt(in Input, invalid string) string {
	return fmt.Sprintf("Your previous response was not valid JSON matching the required schema:\n%s\n\nRe-emit a corrected response for the same article.\n\n%s\n\n%s",
		invalid, buildText(in), schemaInstructions)
}

type analysisPayload struct {
	Sentiment entity.Sentiment `json:"sentiment"`
	Impact    entity.Impact    `json:"impact"`
}

// parseAnalysis extracts the JSON object from a model response (tolerating
// surrounding prose some models add despite instructions) and validates it
// decodes into the expected shape.
func parseAnalysis(raw string) (entity.Sentiment, entity.Impact, error) {
	start, end := jsonBounds(raw)
	if start < 0 {
		return entity.Sentiment{}, entity.Impact{}, fmt.Errorf("no JSON object found in response")
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(raw[start:end]), &payload); err != nil {
		return entity.Sentiment{}, entity.Impact{}, fmt.Errorf("decode analysis json: %w", err)
	}
	return payload.Sentiment, payload.Impact, nil
}

func jsonBounds(s string) (int, int) {
	start := -1
	depth := 0
	for i, r := range s {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}
