package domain

import (
	"time"
)

// ConditionType selects the transaction value an alert condition reads.
type ConditionType string

const (
	ConditionRiskScore  ConditionType = "RISK_SCORE"
	ConditionAmount     ConditionType = "AMOUNT"
	ConditionVelocity   ConditionType = "VELOCITY"
	ConditionCountry    ConditionType = "COUNTRY"
	ConditionChannel    ConditionType = "CHANNEL"
	ConditionExpression ConditionType = "EXPRESSION"
)

// Operator compares the condition's source value against its threshold.
type Operator string

const (
	OpGT  Operator = "GT"
	OpGTE Operator = "GTE"
	OpLT  Operator = "LT"
	OpLTE Operator = "LTE"
	OpEQ  Operator = "EQ"
)

// AlertCondition is the predicate of an alert config.
type AlertCondition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator,omitempty"`

	// Value is the numeric threshold for RISK_SCORE, AMOUNT and VELOCITY.
	Value float64 `json:"value,omitempty"`

	// Text is the comparison string for COUNTRY and CHANNEL.
	Text string `json:"text,omitempty"`

	// Expression is a CEL boolean expression for EXPRESSION conditions.
	Expression string `json:"expression,omitempty"`
}

// AlertConfig is a named, toggleable alert rule.
type AlertConfig struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Condition AlertCondition `json:"condition"`
	IsActive  bool           `json:"isActive"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Alert records one triggering of an alert config by a transaction.
type Alert struct {
	ID             string     `json:"id"`
	ConfigID       string     `json:"configId"`
	ConfigName     string     `json:"configName"`
	TransactionID  string     `json:"transactionId"`
	RiskScore      float64    `json:"riskScore"`
	Amount         float64    `json:"amount"`
	TriggeredAt    time.Time  `json:"triggeredAt"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}
