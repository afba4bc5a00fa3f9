package services

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"beanbrain/internal/ledger"
	"beanbrain/internal/models"
)

// TransactionIntent is the one shape the orchestrator consumes, whether it
// came from a stored automation template, an interactive API call, or the
// natural-language extraction collaborator.
type TransactionIntent struct {
	Amount    string            `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	From      string            `json:"from_account,omitempty"`
	To        string            `json:"to_account,omitempty"`
	Narration string            `json:"narration"`
	Payee     string            `json:"payee,omitempty"`
	Date      string            `json:"date,omitempty"` // YYYY-MM-DD
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// MissingFieldError reports a template or intent that cannot produce a
// transaction. At firing time it aborts that one firing only; the automation's
// schedule is unaffected.
type MissingFieldError struct {
	Field   string
	Message string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("payload field %q: %s", e.Field, e.Message)
}

func missingf(field, format string, args ...interface{}) *MissingFieldError {
	return &MissingFieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IntentFromPayload adapts a stored automation template to an intent.
func IntentFromPayload(p models.Payload) TransactionIntent {
	return TransactionIntent{
		Amount:    p.Amount,
		Currency:  p.Currency,
		From:      p.From,
		To:        p.To,
		Narration: p.Narration,
		Payee:     p.Payee,
		Date:      p.Date,
		Metadata:  p.Metadata,
	}
}

// BuildTransaction turns an intent into a ledger transaction. With a non-zero
// amount and a currency it emits a balanced 2-leg entry: the amount negated on
// the from account, positive on the to account. Without an amount it emits a
// single elastic-leg posting on the to account, whose value the ledger's own
// balancing rule infers. The intent's date, when absent, defaults to today in
// the supplied location.
func BuildTransaction(intent TransactionIntent, loc *time.Location, now time.Time) (*ledger.Transaction, error) {
	if intent.To == "" {
		return nil, missingf("to", "destination account is required")
	}

	date := now.In(loc)
	if intent.Date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", intent.Date, loc)
		if err != nil {
			return nil, missingf("date", "invalid date %q, expected YYYY-MM-DD", intent.Date)
		}
		date = parsed
	}

	tx := &ledger.Transaction{
		Date:      time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC),
		Flag:      "*",
		Payee:     intent.Payee,
		Narration: intent.Narration,
		Meta:      intent.Metadata,
	}

	if intent.Amount == "" {
		tx.Postings = []ledger.Posting{{Account: intent.To}}
		return tx, nil
	}

	value, err := decimal.NewFromString(intent.Amount)
	if err != nil {
		return nil, missingf("amount", "invalid amount %q", intent.Amount)
	}
	if value.IsZero() {
		tx.Postings = []ledger.Posting{{Account: intent.To}}
		return tx, nil
	}
	if intent.Currency == "" {
		return nil, missingf("currency", "required when amount is set")
	}
	if intent.From == "" {
		return nil, missingf("from", "source account is required when amount is set")
	}

	tx.Postings = []ledger.Posting{
		{Account: intent.From, Amount: &ledger.Amount{Value: value.Neg(), Currency: intent.Currency}},
		{Account: intent.To, Amount: &ledger.Amount{Value: value, Currency: intent.Currency}},
	}
	return tx, nil
}
