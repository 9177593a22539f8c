package domain

import (
	"time"
)

// Channel is the medium a transaction was made through.
type Channel string

const (
	ChannelOnline Channel = "ONLINE"
	ChannelPOS    Channel = "POS"
	ChannelATM    Channel = "ATM"
	ChannelMobile Channel = "MOBILE"
	ChannelWire   Channel = "WIRE"
)

// Transaction is a financial transaction known to the engine, either as
// training data or as a scored submission.
type Transaction struct {
	// Core identifiers
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`

	// Financial details
	Amount           float64 `json:"amount"`
	MerchantCategory string  `json:"merchantCategory"`
	Country          string  `json:"country"`
	Channel          Channel `json:"channel"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`

	// Score fields, written once by the scoring pipeline
	RiskScore *float64 `json:"riskScore"`
	IsFlagged bool     `json:"isFlagged"`

	// Optional enrichment
	MerchantName string `json:"merchantName,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`

	// Ground-truth label when known (training corpora, benchmarks)
	IsFraud *bool `json:"isFraud,omitempty"`
}

// SetScore records the risk score and flag. It fails if the transaction
// already carries a score.
func (t *Transaction) SetScore(score float64) error {
	if t.RiskScore != nil {
		return ErrAlreadyScored
	}
	t.RiskScore = &score
	t.IsFlagged = score >= FlagThreshold
	return nil
}

// Scored reports whether the score fields have been written.
func (t *Transaction) Scored() bool {
	return t.RiskScore != nil
}

// TransactionInput is the pre-scoring submission shape. Amount is a
// pointer so that an explicit zero is distinguishable from a missing field.
type TransactionInput struct {
	TransactionID    string   `json:"transactionId" validate:"required"`
	UserID           string   `json:"userId" validate:"required"`
	Amount           *float64 `json:"amount" validate:"required"`
	MerchantCategory string   `json:"merchantCategory" validate:"required"`
	Country          string   `json:"country" validate:"required"`
	Channel          Channel  `json:"channel" validate:"required"`
	Timestamp        string   `json:"timestamp" validate:"required"`

	MerchantName string `json:"merchantName,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
}
