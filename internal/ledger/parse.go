package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Account roots accepted by the grammar, matching the five beancount account
// categories.
var accountRoots = map[string]bool{
	"Assets":      true,
	"Liabilities": true,
	"Equity":      true,
	"Income":      true,
	"Expenses":    true,
}

const dateLayout = "2006-01-02"

// Parse validates ledger text and returns its parsed form. The empty string is
// a valid, empty ledger. Parse is the single arbiter of well-formedness: the
// append engine re-parses every candidate through it before committing.
func Parse(text string) (*Document, error) {
	doc := &Document{OpenedAccounts: map[string]time.Time{}}

	lines := strings.Split(text, "\n")
	i := 0
	for i < len(lines) {
		lineNo := i + 1
		line := stripComment(lines[i])
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			i++
			continue
		}
		if isIndented(line) {
			return nil, parseErrf(lineNo, "unexpected indented line outside a transaction")
		}

		fields := strings.Fields(trimmed)
		date, err := time.Parse(dateLayout, fields[0])
		if err != nil {
			return nil, parseErrf(lineNo, "expected a YYYY-MM-DD date, got %q", fields[0])
		}

		if len(fields) >= 2 && fields[1] == "open" {
			if err := parseOpen(doc, lineNo, date, fields); err != nil {
				return nil, err
			}
			i++
			continue
		}

		tx, consumed, err := parseTransaction(doc, lineNo, date, trimmed, lines[i+1:])
		if err != nil {
			return nil, err
		}
		doc.Transactions = append(doc.Transactions, *tx)
		i += 1 + consumed
	}
	return doc, nil
}

func parseOpen(doc *Document, lineNo int, date time.Time, fields []string) error {
	if len(fields) < 3 {
		return parseErrf(lineNo, "open directive needs an account")
	}
	account := fields[2]
	if err := validateAccount(account); err != nil {
		return parseErrf(lineNo, "open %s: %v", account, err)
	}
	if _, dup := doc.OpenedAccounts[account]; dup {
		return parseErrf(lineNo, "account %s is already open", account)
	}
	// Trailing currency constraints ("open DATE ACCOUNT EUR,USD") are accepted
	// but not enforced here.
	doc.Opens = append(doc.Opens, Open{Date: date, Account: account})
	doc.OpenedAccounts[account] = date
	return nil
}

// parseTransaction consumes the header line plus following indented lines.
// It returns the number of extra lines consumed.
func parseTransaction(doc *Document, lineNo int, date time.Time, header string, rest []string) (*Transaction, int, error) {
	tx := &Transaction{Date: date}

	hdr := strings.TrimSpace(header[len(dateLayout):])
	flag, hdr := splitToken(hdr)
	switch flag {
	case "*", "!", "txn":
		if flag == "txn" {
			flag = "*"
		}
		tx.Flag = flag
	default:
		return nil, 0, parseErrf(lineNo, "expected a transaction flag (* or !), got %q", flag)
	}

	strs, tail, err := parseQuoted(hdr)
	if err != nil {
		return nil, 0, parseErrf(lineNo, "%v", err)
	}
	switch len(strs) {
	case 0:
		return nil, 0, parseErrf(lineNo, "transaction needs a quoted narration")
	case 1:
		tx.Narration = strs[0]
	case 2:
		tx.Payee, tx.Narration = strs[0], strs[1]
	default:
		return nil, 0, parseErrf(lineNo, "too many quoted strings in transaction header")
	}
	for _, tok := range strings.Fields(tail) {
		switch {
		case strings.HasPrefix(tok, "#"):
			tx.Tags = append(tx.Tags, strings.TrimPrefix(tok, "#"))
		case strings.HasPrefix(tok, "^"):
			tx.Links = append(tx.Links, strings.TrimPrefix(tok, "^"))
		default:
			return nil, 0, parseErrf(lineNo, "unexpected token %q after narration", tok)
		}
	}

	consumed := 0
	for consumed < len(rest) {
		raw := rest[consumed]
		line := stripComment(raw)
		if strings.TrimSpace(line) == "" {
			// A blank line ends the transaction; trailing comment-only lines
			// inside a transaction are skipped.
			if strings.TrimSpace(raw) == "" {
				break
			}
			consumed++
			continue
		}
		if !isIndented(line) {
			break
		}
		bodyNo := lineNo + consumed + 1
		body := strings.TrimSpace(line)
		if key, val, ok := parseMetaLine(body); ok {
			if tx.Meta == nil {
				tx.Meta = map[string]string{}
			}
			tx.Meta[key] = val
			consumed++
			continue
		}
		posting, err := parsePosting(doc, bodyNo, body)
		if err != nil {
			return nil, 0, err
		}
		tx.Postings = append(tx.Postings, *posting)
		consumed++
	}

	if len(tx.Postings) == 0 {
		return nil, 0, parseErrf(lineNo, "transaction %q has no postings", tx.Narration)
	}
	if err := checkBalance(lineNo, tx); err != nil {
		return nil, 0, err
	}
	return tx, consumed, nil
}

func parsePosting(doc *Document, lineNo int, body string) (*Posting, error) {
	fields := strings.Fields(body)
	account := fields[0]
	if err := validateAccount(account); err != nil {
		return nil, parseErrf(lineNo, "posting %s: %v", account, err)
	}
	if !doc.HasAccount(account) {
		return nil, parseErrf(lineNo, "account %s is not open at this point in the file", account)
	}
	p := &Posting{Account: account}
	switch len(fields) {
	case 1:
		// Elastic leg: amount inferred by the balancing rule.
	case 3:
		value, err := decimal.NewFromString(fields[1])
		if err != nil {
			return nil, parseErrf(lineNo, "invalid amount %q", fields[1])
		}
		if !isCurrency(fields[2]) {
			return nil, parseErrf(lineNo, "invalid currency %q", fields[2])
		}
		p.Amount = &Amount{Value: value, Currency: fields[2]}
	default:
		return nil, parseErrf(lineNo, "posting must be ACCOUNT or ACCOUNT AMOUNT CURRENCY")
	}
	return p, nil
}

// checkBalance enforces the double-entry rule: at most one elastic leg, and if
// every leg is explicit the amounts must sum to zero per currency.
func checkBalance(lineNo int, tx *Transaction) error {
	elastic := 0
	sums := map[string]decimal.Decimal{}
	for _, p := range tx.Postings {
		if p.Amount == nil {
			elastic++
			continue
		}
		sums[p.Amount.Currency] = sums[p.Amount.Currency].Add(p.Amount.Value)
	}
	if elastic > 1 {
		return parseErrf(lineNo, "transaction %q has %d elastic legs, at most one is allowed", tx.Narration, elastic)
	}
	if elastic == 1 {
		return nil
	}
	for currency, sum := range sums {
		if !sum.IsZero() {
			return parseErrf(lineNo, "transaction %q does not balance: %s %s left over", tx.Narration, sum.String(), currency)
		}
	}
	return nil
}

func validateAccount(account string) error {
	parts := strings.Split(account, ":")
	if len(parts) < 2 {
		return parseErrf(0, "account needs at least a root and one component")
	}
	if !accountRoots[parts[0]] {
		return parseErrf(0, "unknown account root %q", parts[0])
	}
	for _, part := range parts[1:] {
		if part == "" {
			return parseErrf(0, "empty account component")
		}
		c := part[0]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return parseErrf(0, "account component %q must start with an uppercase letter or digit", part)
		}
	}
	return nil
}

func isCurrency(s string) bool {
	if len(s) < 1 || len(s) > 24 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '.' && c != '_' && c != '-' {
			return false
		}
	}
	return s[0] >= 'A' && s[0] <= 'Z'
}

func isIndented(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// stripComment removes a trailing ";" comment, honoring quoted strings.
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

func splitToken(s string) (string, string) {
	s = strings.TrimSpace(s)
	if idx := strings.IndexAny(s, " \t"); idx >= 0 {
		return s[:idx], strings.TrimSpace(s[idx:])
	}
	return s, ""
}

// parseQuoted extracts leading quoted strings and returns the unquoted values
// plus whatever follows them.
func parseQuoted(s string) ([]string, string, error) {
	var out []string
	for {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, `"`) {
			return out, s, nil
		}
		end := -1
		for i := 1; i < len(s); i++ {
			if s[i] == '"' && s[i-1] != '\\' {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, "", parseErrf(0, "unterminated quoted string")
		}
		out = append(out, unescape(s[1:end]))
		s = s[end+1:]
	}
}

// parseMetaLine matches `key: "value"` metadata lines. Metadata keys start
// with a lowercase letter, which is what distinguishes them from postings.
func parseMetaLine(body string) (string, string, bool) {
	idx := strings.Index(body, ":")
	if idx <= 0 {
		return "", "", false
	}
	key := body[:idx]
	if key[0] < 'a' || key[0] > 'z' {
		return "", "", false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return "", "", false
		}
	}
	val := strings.TrimSpace(body[idx+1:])
	if strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) && len(val) >= 2 {
		val = unescape(val[1 : len(val)-1])
	}
	return key, val, true
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, `\\`, `\`)
}
