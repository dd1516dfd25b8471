package graphstore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "t", "yes":
		return true
	}
	return false
}

// csvTable reads a header row and resolves columns by name.
type csvTable struct {
	r      *csv.Reader
	index  map[string]int
	record []string
	line   int
}

func newCSVTable(r io.Reader, required ...string) (*csvTable, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, col := range required {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", domain.ErrInvalidInput, col)
		}
	}
	return &csvTable{r: cr, index: index, line: 1}, nil
}

func (t *csvTable) next() (bool, error) {
	rec, err := t.r.Read()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.record = rec
	t.line++
	return true, nil
}

func (t *csvTable) get(col string) string {
	i, ok := t.index[col]
	if !ok || i >= len(t.record) {
		return ""
	}
	return strings.TrimSpace(t.record[i])
}

// ReadAccountsCSV parses the ledger's accounts export.
func ReadAccountsCSV(r io.Reader) ([]domain.Account, error) {
	t, err := newCSVTable(r, "account_id")
	if err != nil {
		return nil, err
	}

	var out []domain.Account
	for {
		ok, err := t.next()
		if err != nil {
			return nil, fmt.Errorf("accounts line %d: %w", t.line+1, err)
		}
		if !ok {
			return out, nil
		}

		a := domain.Account{
			ID:         t.get("account_id"),
			CustomerID: t.get("customer_id"),
			PAN:        t.get("pan_card"),
			Type:       t.get("account_type"),
			City:       t.get("city"),
			State:      t.get("state"),
			BranchIFSC: t.get("branch_ifsc"),
		}
		if a.ID == "" {
			return nil, fmt.Errorf("%w: accounts line %d has no account_id", domain.ErrInvalidInput, t.line)
		}
		if v := t.get("initial_risk_rating"); v != "" {
			rating, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%w: accounts line %d: initial_risk_rating %q", domain.ErrInvalidInput, t.line, v)
			}
			a.InitialRiskRating = rating
		}
		if v := t.get("created_at"); v != "" {
			if a.CreatedAt, err = parseTime(v); err != nil {
				return nil, fmt.Errorf("%w: accounts line %d: %v", domain.ErrInvalidInput, t.line, err)
			}
		}
		out = append(out, a)
	}
}

// ReadTransfersCSV parses the ledger's transactions export. Amounts are
// parsed as decimals and rounded to the paisa.
func ReadTransfersCSV(r io.Reader) ([]domain.Transfer, error) {
	t, err := newCSVTable(r, "transaction_id", "source_account", "target_account", "amount_inr")
	if err != nil {
		return nil, err
	}

	var out []domain.Transfer
	for {
		ok, err := t.next()
		if err != nil {
			return nil, fmt.Errorf("transactions line %d: %w", t.line+1, err)
		}
		if !ok {
			return out, nil
		}

		amount, err := decimal.NewFromString(t.get("amount_inr"))
		if err != nil {
			return nil, fmt.Errorf("%w: transactions line %d: amount_inr %q", domain.ErrInvalidInput, t.line, t.get("amount_inr"))
		}
		if amount.IsNegative() {
			return nil, fmt.Errorf("%w: transactions line %d: negative amount", domain.ErrInvalidInput, t.line)
		}

		tr := domain.Transfer{
			ID:          t.get("transaction_id"),
			Source:      t.get("source_account"),
			Target:      t.get("target_account"),
			Amount:      amount.Round(2).InexactFloat64(),
			Type:        t.get("transaction_type"),
			Remarks:     t.get("remarks"),
			SourceIP:    t.get("source_ip"),
			IsIllicit:   parseBool(t.get("is_illicit")),
			PatternType: strings.ToUpper(t.get("illicit_pattern_type")),
		}
		if tr.ID == "" || tr.Source == "" || tr.Target == "" {
			return nil, fmt.Errorf("%w: transactions line %d: missing id or endpoint", domain.ErrInvalidInput, t.line)
		}
		if v := t.get("timestamp"); v != "" {
			if tr.Timestamp, err = parseTime(v); err != nil {
				return nil, fmt.Errorf("%w: transactions line %d: %v", domain.ErrInvalidInput, t.line, err)
			}
		}
		out = append(out, tr)
	}
}

// LoadCSVFiles ingests an accounts and a transactions export into a loader.
func LoadCSVFiles(ctx context.Context, loader domain.GraphLoader, accountsPath, transfersPath string) (accounts, transfers int, err error) {
	af, err := os.Open(accountsPath)
	if err != nil {
		return 0, 0, err
	}
	defer af.Close()

	acc, err := ReadAccountsCSV(af)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", accountsPath, err)
	}

	tf, err := os.Open(transfersPath)
	if err != nil {
		return 0, 0, err
	}
	defer tf.Close()

	trs, err := ReadTransfersCSV(tf)
	if err != nil {
		return 0, 0, fmt.Errorf("%s: %w", transfersPath, err)
	}

	slog.Info("loading ledger", "accounts", len(acc), "transfers", len(trs))
	if err := loader.LoadAccounts(ctx, acc); err != nil {
		return 0, 0, err
	}
	if err := loader.LoadTransfers(ctx, trs); err != nil {
		return len(acc), 0, err
	}
	return len(acc), len(trs), nil
}
