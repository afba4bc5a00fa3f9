package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Amount is a quantity of a single commodity, e.g. "-1200.00 EUR".
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// Posting is one leg of a transaction. A nil Amount is an elastic leg: the
// ledger's own balancing rule infers its value, this package never computes it.
//
//	Assets:Bank      -1200.00 EUR
//	Expenses:Rent
type Posting struct {
	Account string  `json:"account"`
	Amount  *Amount `json:"amount,omitempty"`
}

// Transaction records a dated financial entry with a flag ('*' cleared,
// '!' pending), optional payee, narration and at least one posting. It is
// built once per firing and never mutated after it has been written out.
type Transaction struct {
	Date      time.Time         `json:"date"`
	Flag      string            `json:"flag"`
	Payee     string            `json:"payee,omitempty"`
	Narration string            `json:"narration"`
	Tags      []string          `json:"tags,omitempty"`
	Links     []string          `json:"links,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Postings  []Posting         `json:"postings"`
}

// Open declares an account as postable from a date on. It must textually
// precede the first posting that references the account.
type Open struct {
	Date    time.Time `json:"date"`
	Account string    `json:"account"`
}

// Accounts returns the distinct account names referenced by the transaction's
// postings, in posting order.
func (t *Transaction) Accounts() []string {
	seen := make(map[string]bool, len(t.Postings))
	out := make([]string, 0, len(t.Postings))
	for _, p := range t.Postings {
		if !seen[p.Account] {
			seen[p.Account] = true
			out = append(out, p.Account)
		}
	}
	return out
}

// Document is the parsed form of a ledger file: the directives in file order
// plus the set of accounts opened anywhere in it.
type Document struct {
	Opens        []Open
	Transactions []Transaction
	// OpenedAccounts maps account name -> open date.
	OpenedAccounts map[string]time.Time
}

// HasAccount reports whether an open directive for the account exists.
func (d *Document) HasAccount(account string) bool {
	_, ok := d.OpenedAccounts[account]
	return ok
}
