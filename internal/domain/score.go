package domain

import (
	"time"
)

// FlagThreshold is the score at or above which a transaction is flagged.
const FlagThreshold = 0.7

// RiskLevel is the bucketed form of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor buckets a score: <0.4 LOW, <0.7 MEDIUM, <0.9 HIGH, else CRITICAL.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score >= 0.9:
		return RiskCritical
	case score >= FlagThreshold:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// AnomalyFactor is one weighted signal contributing to a score.
type AnomalyFactor struct {
	Factor      string  `json:"factor"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description"`
}

// ScoreResult is the outcome of scoring a single transaction.
type ScoreResult struct {
	TransactionID  string          `json:"transactionId"`
	RiskScore      float64         `json:"riskScore"`
	IsFlagged      bool            `json:"isFlagged"`
	RiskLevel      RiskLevel       `json:"riskLevel"`
	AnomalyFactors []AnomalyFactor `json:"anomalyFactors"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// NewScoreResult builds a result with the flag and level derived from score.
func NewScoreResult(txID string, score float64, factors []AnomalyFactor) *ScoreResult {
	if factors == nil {
		factors = []AnomalyFactor{}
	}
	return &ScoreResult{
		TransactionID:  txID,
		RiskScore:      score,
		IsFlagged:      score >= FlagThreshold,
		RiskLevel:      RiskLevelFor(score),
		AnomalyFactors: factors,
	}
}

// ModelMetadata is the externally visible training report.
type ModelMetadata struct {
	ID              string         `json:"id,omitempty"`
	ModelType       string         `json:"modelType"`
	Version         string         `json:"version"`
	Description     string         `json:"description,omitempty"`
	TrainedAt       time.Time      `json:"trainedAt"`
	SamplesUsed     int            `json:"samplesUsed"`
	Features        []string       `json:"features"`
	Hyperparameters map[string]any `json:"hyperparameters"`
}

// UserRiskSummary aggregates the stored transactions of one user.
// Unscored transactions count toward the totals but not the score figures.
type UserRiskSummary struct {
	UserID            string  `json:"userId"`
	TotalTransactions int     `json:"totalTransactions"`
	NumberFlagged     int     `json:"numberFlagged"`
	PercentFlagged    float64 `json:"percentFlagged"`
	MaxRiskScore      float64 `json:"maxRiskScore"`
	AvgRiskScore      float64 `json:"avgRiskScore"`
}
