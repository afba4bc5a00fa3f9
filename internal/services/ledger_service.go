package services

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"beanbrain/internal/ledger"
	"beanbrain/internal/metrics"
)

// LedgerService fronts the append engine for every writer: scheduled firings,
// interactive structured appends and extraction results all funnel through
// AppendIntent, so they share one validation path and one lock discipline.
type LedgerService struct {
	engine *ledger.Engine
	logger *logrus.Logger
}

func NewLedgerService(engine *ledger.Engine, logger *logrus.Logger) *LedgerService {
	if logger == nil {
		logger = logrus.New()
	}
	return &LedgerService{engine: engine, logger: logger}
}

// AppendIntent builds a transaction from the intent and commits it. The
// returned transaction is the rendered one, including synthesized metadata.
func (s *LedgerService) AppendIntent(ctx context.Context, intent TransactionIntent, loc *time.Location) (*ledger.AppendResult, *ledger.Transaction, error) {
	tracer := otel.Tracer("beanbrain/ledger")
	ctx, span := tracer.Start(ctx, "LedgerService.AppendIntent")
	defer span.End()

	if loc == nil {
		loc = time.UTC
	}
	tx, err := BuildTransaction(intent, loc, time.Now())
	if err != nil {
		return nil, nil, err
	}
	span.SetAttributes(
		attribute.String("ledger.date", tx.Date.Format("2006-01-02")),
		attribute.Int("ledger.postings", len(tx.Postings)),
	)

	result, err := s.engine.Append(ctx, tx)
	if err != nil {
		metrics.IncAppendRejected()
		return nil, nil, err
	}
	metrics.IncAppendCommitted()
	return result, tx, nil
}

// Accounts returns every opened account, sorted.
func (s *LedgerService) Accounts(ctx context.Context) ([]string, error) {
	return s.engine.Accounts(ctx)
}

// GroupedAccounts buckets accounts by root category.
func (s *LedgerService) GroupedAccounts(ctx context.Context) (map[string][]string, error) {
	return s.engine.GroupedAccounts(ctx)
}

// RecentHistory returns up to n "payee | narration" lines from the newest
// transactions, newest first. Used as extraction context.
func (s *LedgerService) RecentHistory(ctx context.Context, n int) ([]string, error) {
	doc, err := s.engine.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	txs := doc.Transactions
	var out []string
	for i := len(txs) - 1; i >= 0 && len(out) < n; i-- {
		if txs[i].Payee != "" {
			out = append(out, fmt.Sprintf("%s | %s", txs[i].Payee, txs[i].Narration))
		} else {
			out = append(out, txs[i].Narration)
		}
	}
	return out, nil
}
