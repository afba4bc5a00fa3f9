package services

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"beanbrain/internal/ledger"
	"beanbrain/pkg/llm"
)

// ExtractionService turns free-text descriptions ("rent 1200 euros from the
// checking account") into transaction intents via an OpenAI-compatible model.
// The model only ever sees accounts that exist as open directives in the
// ledger; its output is not trusted beyond that — it flows through the same
// orchestrator and append-engine checks as every other writer.
type ExtractionService struct {
	client          llm.ChatCompleter
	ledger          *LedgerService
	defaultCurrency string
	logger          *logrus.Logger
}

func NewExtractionService(client llm.ChatCompleter, ledgerSvc *LedgerService, defaultCurrency string, logger *logrus.Logger) *ExtractionService {
	if logger == nil {
		logger = logrus.New()
	}
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	return &ExtractionService{
		client:          client,
		ledger:          ledgerSvc,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

// extractionResult is the strict JSON shape the model must answer with.
type extractionResult struct {
	AmountValue json.Number `json:"amount_value"`
	Currency    string      `json:"currency"`
	FromAccount string      `json:"from_account"`
	ToAccount   string      `json:"to_account"`
	Narration   string      `json:"narration"`
	Payee       string      `json:"payee"`
}

// Extract asks the model for a structured intent for the given text.
func (s *ExtractionService) Extract(ctx context.Context, text string) (TransactionIntent, error) {
	tracer := otel.Tracer("beanbrain/extraction")
	ctx, span := tracer.Start(ctx, "ExtractionService.Extract")
	defer span.End()

	if strings.TrimSpace(text) == "" {
		return TransactionIntent{}, &ValidationError{Field: "text", Message: "required"}
	}

	prompt, err := s.buildPrompt(ctx, text)
	if err != nil {
		return TransactionIntent{}, err
	}

	content, err := s.client.Complete(ctx, []llm.Message{
		{Role: "system", Content: "You are a finance assistant that translates natural language into double-entry ledger transactions."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return TransactionIntent{}, err
	}

	var result extractionResult
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &result); err != nil {
		return TransactionIntent{}, fmt.Errorf("extraction response is not valid JSON: %w", err)
	}

	intent := TransactionIntent{
		Amount:    result.AmountValue.String(),
		Currency:  result.Currency,
		From:      result.FromAccount,
		To:        result.ToAccount,
		Narration: result.Narration,
		Payee:     result.Payee,
	}
	if intent.Amount != "" && intent.Currency == "" {
		intent.Currency = s.defaultCurrency
	}
	return intent, nil
}

// ExtractAndAppend runs Extract and commits the result through the normal
// append path.
func (s *ExtractionService) ExtractAndAppend(ctx context.Context, text string) (TransactionIntent, *ledger.AppendResult, *ledger.Transaction, error) {
	intent, err := s.Extract(ctx, text)
	if err != nil {
		return TransactionIntent{}, nil, nil, err
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]string{}
	}
	intent.Metadata["source"] = "extraction"

	result, tx, err := s.ledger.AppendIntent(ctx, intent, time.Local)
	if err != nil {
		return intent, nil, nil, err
	}
	return intent, result, tx, nil
}

func (s *ExtractionService) buildPrompt(ctx context.Context, text string) (string, error) {
	grouped, err := s.ledger.GroupedAccounts(ctx)
	if err != nil {
		return "", err
	}

	roots := make([]string, 0, len(grouped))
	for root := range grouped {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	var sections []string
	for _, root := range roots {
		entries := make([]string, 0, len(grouped[root]))
		for _, account := range grouped[root] {
			entries = append(entries, "  - "+account)
		}
		sections = append(sections, fmt.Sprintf("%s accounts:\n%s", root, strings.Join(entries, "\n")))
	}
	accountContext := strings.Join(sections, "\n\n")
	if accountContext == "" {
		accountContext = "(no accounts opened yet)"
	}

	history, err := s.ledger.RecentHistory(ctx, 10)
	if err != nil {
		s.logger.WithError(err).Debug("skipping narration history in prompt")
		history = nil
	}
	historyContext := ""
	if len(history) > 0 {
		historyContext = "\n\nRecent transactions for style reference:\n  " + strings.Join(history, "\n  ")
	}

	prompt := fmt.Sprintf(`Extract ledger transaction details from the user's text.

Respond ONLY with a valid JSON object with these keys:
- amount_value: number, no currency symbol
- currency: ISO code, default to %q if unspecified
- from_account: must match one of the accounts listed below
- to_account: must match one of the accounts listed below
- narration: short and clean summary (e.g. "groceries")
- payee: optional, or empty string

Available accounts:
%s%s

User input:
"""%s"""`, s.defaultCurrency, accountContext, historyContext, text)
	return prompt, nil
}

var codeFenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

// stripCodeFences unwraps a response the model insisted on fencing.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}
