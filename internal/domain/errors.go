package domain

import (
	"errors"
	"strings"
)

var (
	// ErrNotTrained is returned when scoring is attempted before training.
	ErrNotTrained = errors.New("model not trained")

	// ErrEmptyDataset is returned when training is attempted with no records.
	ErrEmptyDataset = errors.New("cannot train on empty dataset")

	// ErrAlreadyScored is returned when a transaction's score is written twice.
	ErrAlreadyScored = errors.New("transaction already scored")

	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError carries every constraint a TransactionInput violated.
type ValidationError struct {
	Errors []string `json:"errors"`
}

func (e *ValidationError) Error() string {
	return "Validation failed: " + strings.Join(e.Errors, ", ")
}

// Is lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
