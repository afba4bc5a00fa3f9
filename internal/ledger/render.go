package ledger

import (
	"fmt"
	"sort"
	"strings"
)

// RenderOpen renders a single open directive.
//
//	2024-03-01 open Expenses:Rent
func RenderOpen(o Open) string {
	return fmt.Sprintf("%s open %s\n", o.Date.Format(dateLayout), o.Account)
}

// RenderTransaction renders a transaction with postings aligned on a common
// amount column. The output always ends with a single newline; directives are
// separated by blank lines at the fragment level, not here.
func RenderTransaction(tx *Transaction) string {
	var b strings.Builder

	b.WriteString(tx.Date.Format(dateLayout))
	b.WriteByte(' ')
	flag := tx.Flag
	if flag == "" {
		flag = "*"
	}
	b.WriteString(flag)
	if tx.Payee != "" {
		fmt.Fprintf(&b, " %q", tx.Payee)
	}
	fmt.Fprintf(&b, " %q", tx.Narration)
	for _, tag := range tx.Tags {
		b.WriteString(" #" + tag)
	}
	for _, link := range tx.Links {
		b.WriteString(" ^" + link)
	}
	b.WriteByte('\n')

	// Metadata in sorted key order so rendering is deterministic.
	keys := make([]string, 0, len(tx.Meta))
	for k := range tx.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "    %s: %q\n", k, tx.Meta[k])
	}

	width := 0
	for _, p := range tx.Postings {
		if len(p.Account) > width {
			width = len(p.Account)
		}
	}
	for _, p := range tx.Postings {
		if p.Amount == nil {
			fmt.Fprintf(&b, "    %s\n", p.Account)
			continue
		}
		fmt.Fprintf(&b, "    %-*s  %s %s\n", width, p.Account, p.Amount.Value.String(), p.Amount.Currency)
	}
	return b.String()
}

// RenderFragment renders opens followed by the transaction, blank-line
// separated, ready to be appended to an existing ledger.
func RenderFragment(opens []Open, tx *Transaction) string {
	var parts []string
	for _, o := range opens {
		parts = append(parts, RenderOpen(o))
	}
	parts = append(parts, RenderTransaction(tx))
	return strings.Join(parts, "\n")
}
