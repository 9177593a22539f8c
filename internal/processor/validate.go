package processor

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once

	maxAmount = decimal.NewFromInt(1_000_000)
)

// timestampLayouts are tried in order when parsing submitted timestamps.
// Layouts without a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// getValidator returns the shared validator. Field errors are reported
// under their JSON names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// parseTimestamp accepts RFC 3339 and the date-only forms.
func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		if ts, err = time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, err
}

// Validate checks in against every rule and collects all violations.
// The returned error is a *domain.ValidationError.
func (p *Processor) Validate(in *domain.TransactionInput) error {
	var msgs []string

	if err := getValidator().Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			msgs = append(msgs, "Missing required field: "+fe.Field())
		}
	}

	if in.Amount != nil {
		msgs = append(msgs, checkAmount(*in.Amount)...)
	}

	if in.Timestamp != "" {
		msgs = append(msgs, p.checkTimestamp(in.Timestamp)...)
	}

	if len(msgs) > 0 {
		return &domain.ValidationError{Errors: msgs}
	}
	return nil
}

func checkAmount(amount float64) []string {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return []string{"Amount must be a finite number"}
	}

	var msgs []string
	d := decimal.NewFromFloat(amount)
	if !d.IsPositive() {
		msgs = append(msgs, "Amount must be positive")
	}
	if d.GreaterThan(maxAmount) {
		msgs = append(msgs, "Amount exceeds maximum allowed value")
	}
	return msgs
}

// checkTimestamp rejects unparseable, future and older-than-one-year
// timestamps. The year bound is exact: now minus one calendar year.
func (p *Processor) checkTimestamp(raw string) []string {
	ts, err := parseTimestamp(raw)
	if err != nil {
		return []string{"Invalid timestamp format"}
	}

	now := p.now()
	var msgs []string
	if ts.After(now) {
		msgs = append(msgs, "Timestamp cannot be in the future")
	}
	if ts.Before(now.AddDate(-1, 0, 0)) {
		msgs = append(msgs, "Timestamp is too old")
	}
	return msgs
}
