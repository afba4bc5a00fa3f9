package ledger

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// Engine is the transactional appender for a single ledger file. Every
// mutation goes through Append, which validates the complete candidate text
// before a single byte reaches disk. The engine never rewrites prior history:
// commits are pure appends, so a crash mid-write can at worst leave a
// partially written trailing fragment.
type Engine struct {
	path   string
	locker Locker
	logger *logrus.Logger
}

func NewEngine(path string, locker Locker, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{path: path, locker: locker, logger: logger}
}

// Path returns the ledger file location.
func (e *Engine) Path() string { return e.path }

// AppendResult describes a committed append.
type AppendResult struct {
	// Fragment is the exact text appended to the file.
	Fragment string `json:"fragment"`
	// Opened lists accounts auto-opened by this append, in sorted order.
	Opened []string `json:"opened,omitempty"`
}

// Append validates and commits one transaction. Accounts the ledger has not
// opened yet get open directives synthesized on the transaction's date, in
// lexicographic order, ahead of the transaction itself. If the full re-parse
// of existing+fragment fails, the file is left byte-for-byte unchanged and the
// first error is returned.
func (e *Engine) Append(ctx context.Context, tx *Transaction) (*AppendResult, error) {
	release, err := e.locker.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.readAll()
	if err != nil {
		return nil, err
	}
	doc, err := Parse(existing)
	if err != nil {
		// The file is already unparsable; refuse to build on top of it.
		return nil, err
	}

	var missing []string
	for _, account := range tx.Accounts() {
		if !doc.HasAccount(account) {
			missing = append(missing, account)
		}
	}
	sort.Strings(missing)

	opens := make([]Open, 0, len(missing))
	for _, account := range missing {
		opens = append(opens, Open{Date: tx.Date, Account: account})
	}

	fragment := separator(existing) + RenderFragment(opens, tx)
	if _, err := Parse(existing + fragment); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.WriteString(fragment); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	e.logger.WithFields(logrus.Fields{
		"date":     tx.Date.Format(dateLayout),
		"postings": len(tx.Postings),
		"opened":   missing,
	}).Info("ledger append committed")
	return &AppendResult{Fragment: fragment, Opened: missing}, nil
}

// Snapshot parses the current file without taking the write lock. It works
// from one fully-read immutable string, so a concurrent appender is observed
// either entirely or not at all.
func (e *Engine) Snapshot(ctx context.Context) (*Document, error) {
	_ = ctx
	text, err := e.readAll()
	if err != nil {
		return nil, err
	}
	return Parse(text)
}

// Accounts returns every opened account, sorted.
func (e *Engine) Accounts(ctx context.Context) ([]string, error) {
	doc, err := e.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.OpenedAccounts))
	for account := range doc.OpenedAccounts {
		out = append(out, account)
	}
	sort.Strings(out)
	return out, nil
}

// GroupedAccounts buckets opened accounts by their root (Assets, Expenses,
// ...), each bucket sorted. Used as context for the extraction collaborator.
func (e *Engine) GroupedAccounts(ctx context.Context) (map[string][]string, error) {
	accounts, err := e.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	grouped := map[string][]string{}
	for _, account := range accounts {
		root := account[:strings.Index(account, ":")]
		grouped[root] = append(grouped[root], account)
	}
	return grouped, nil
}

func (e *Engine) readAll() (string, error) {
	data, err := os.ReadFile(e.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// separator yields the newlines needed so exactly one blank line sits between
// the file's last directive and the new fragment.
func separator(existing string) string {
	if strings.TrimSpace(existing) == "" {
		return ""
	}
	trailing := 0
	for i := len(existing) - 1; i >= 0 && existing[i] == '\n'; i-- {
		trailing++
	}
	if trailing >= 2 {
		return ""
	}
	return strings.Repeat("\n", 2-trailing)
}
