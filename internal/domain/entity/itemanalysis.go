package entity

import "time"

// SentimentOverall is the top-level sentiment call for one item.
type SentimentOverall struct {
	Label      string  `json:"label"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// SentimentMarket captures directional market reads.
type SentimentMarket struct {
	Bullish     float64 `json:"bullish"`
	Bearish     float64 `json:"bearish"`
	Uncertainty float64 `json:"uncertainty"`
	TimeHorizon string  `json:"time_horizon"`
}

// DiplomaticImpact breaks impact down by alliance bloc.
type DiplomaticImpact struct {
	Global   float64 `json:"global"`
	Western  float64 `json:"western"`
	Regional float64 `json:"regional"`
}

// Geopolitical is the extended geopolitical-relevance subtree. Items with no
// geopolitical content set every numeric field to zero, every slice to nil,
// and Confidence to 0.
type Geopolitical struct {
	StabilityScore      float64          `json:"stability_score"`
	EconomicImpact      float64          `json:"economic_impact"`
	SecurityRelevance   float64          `json:"security_relevance"`
	DiplomaticImpact    DiplomaticImpact `json:"diplomatic_impact"`
	EscalationPotential float64          `json:"escalation_potential"`
	RegionsAffected     []string         `json:"regions_affected"`
	ImpactBeneficiaries []string         `json:"impact_beneficiaries"`
	ImpactAffected      []string         `json:"impact_affected"`
	TimeHorizon         string           `json:"time_horizon"`
	Confidence          float64          `json:"confidence"`
	AllianceActivation  []string         `json:"alliance_activation"`
	ConflictType        string           `json:"conflict_type"`
}

// Sentiment is the full sentiment payload written to item_analysis.sentiment_json.
type Sentiment struct {
	Overall      SentimentOverall `json:"overall"`
	Market       SentimentMarket  `json:"market"`
	Urgency      float64          `json:"urgency"`
	Themes       []string         `json:"themes"`
	Geopolitical Geopolitical     `json:"geopolitical"`
}

// Impact is the payload written to item_analysis.impact_json.
type Impact struct {
	Overall    float64 `json:"overall"`
	Volatility float64 `json:"volatility"`
}

// NeutralSentiment is the fallback analysis written when a worker exhausts
// its retries: a zero-confidence neutral result rather than a guess.
func NeutralSentiment() Sentiment {
	return Sentiment{
		Overall: SentimentOverall{Label: "neutral", Score: 0, Confidence: 0},
		Market:  SentimentMarket{TimeHorizon: "short"},
		Geopolitical: Geopolitical{
			TimeHorizon: "short_term",
			Confidence:  0,
		},
	}
}

// NeutralImpact is the fallback impact payload paired with NeutralSentiment.
func NeutralImpact() Impact {
	return Impact{}
}

// ItemAnalysis is the latest LLM analysis for one item. It is upsert-only:
// re-analysis overwrites the previous row, there is no history.
type ItemAnalysis struct {
	ItemID      int64
	Sentiment   Sentiment
	Impact      Impact
	ModelTag    string
	UpdatedAt   time.Time
}
