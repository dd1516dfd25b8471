package graphstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/repository"
)

// SQLStore keeps the ledger in relational tables (SQLite or PostgreSQL) and
// answers graph queries with joins. It is the Community tier datastore.
type SQLStore struct {
	db        *sql.DB
	driver    string
	timeout   time.Duration
	maxEdges  int
	batchSize int
}

// NewSQLStore opens the ledger database and creates its tables.
func NewSQLStore(dbCfg domain.RepositoryConfig, cfg domain.GraphConfig) (*SQLStore, error) {
	db, err := repository.Open(dbCfg)
	if err != nil {
		return nil, datastoreErr("open ledger", err)
	}
	s := &SQLStore{
		db:        db,
		driver:    dbCfg.Driver,
		timeout:   cfg.QueryTimeout,
		maxEdges:  cfg.MaxNeighborEdges,
		batchSize: cfg.LoadBatchSize,
	}
	for _, schema := range allSchemas() {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, datastoreErr("migrate ledger", err)
		}
	}
	return s, nil
}

func (s *SQLStore) rebind(q string) string {
	return repository.Rebind(s.driver, q)
}

func (s *SQLStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// LoadAccounts upserts accounts in batches, one transaction per batch.
func (s *SQLStore) LoadAccounts(ctx context.Context, accounts []domain.Account) error {
	query := s.rebind(`
		INSERT INTO accounts (
			account_id, customer_id, pan_card, account_type, city, state,
			branch_ifsc, initial_risk_rating, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			customer_id = excluded.customer_id,
			pan_card = excluded.pan_card,
			account_type = excluded.account_type,
			city = excluded.city,
			state = excluded.state,
			branch_ifsc = excluded.branch_ifsc,
			initial_risk_rating = excluded.initial_risk_rating,
			created_at = excluded.created_at
	`)
	for _, batch := range chunk(accounts, s.batchSize) {
		err := s.inTx(ctx, query, func(stmt *sql.Stmt) error {
			for _, a := range batch {
				var created any
				if !a.CreatedAt.IsZero() {
					created = a.CreatedAt.UTC()
				}
				if _, err := stmt.ExecContext(ctx,
					a.ID, a.CustomerID, a.PAN, a.Type, a.City, a.State,
					a.BranchIFSC, a.InitialRiskRating, created,
				); err != nil {
					return fmt.Errorf("account %s: %w", a.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return datastoreErr("load accounts", err)
		}
	}
	return nil
}

// LoadTransfers inserts transfers in batches; already loaded ids are skipped.
// Endpoints missing from the accounts table are created as bare accounts.
func (s *SQLStore) LoadTransfers(ctx context.Context, transfers []domain.Transfer) error {
	ensure := s.rebind(`INSERT INTO accounts (account_id) VALUES (?) ON CONFLICT (account_id) DO NOTHING`)
	query := s.rebind(`
		INSERT INTO transfers (
			transaction_id, source_account, target_account, timestamp, amount_inr,
			transaction_type, remarks, source_ip, is_illicit, illicit_pattern_type
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`)
	for _, batch := range chunk(transfers, s.batchSize) {
		err := s.inTx(ctx, ensure, func(stmt *sql.Stmt) error {
			for _, t := range batch {
				for _, id := range []string{t.Source, t.Target} {
					if _, err := stmt.ExecContext(ctx, id); err != nil {
						return fmt.Errorf("account %s: %w", id, err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return datastoreErr("load transfer endpoints", err)
		}

		err = s.inTx(ctx, query, func(stmt *sql.Stmt) error {
			for _, t := range batch {
				illicit := 0
				if t.IsIllicit {
					illicit = 1
				}
				pattern := t.PatternType
				if pattern == "" {
					pattern = domain.PatternNone
				}
				if _, err := stmt.ExecContext(ctx,
					t.ID, t.Source, t.Target, t.Timestamp.UTC(), t.Amount,
					t.Type, t.Remarks, t.SourceIP, illicit, pattern,
				); err != nil {
					return fmt.Errorf("transfer %s: %w", t.ID, err)
				}
			}
			return nil
		})
		if err != nil {
			return datastoreErr("load transfers", err)
		}
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, query string, fn func(*sql.Stmt) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	return tx.Commit()
}

const accountColumns = `account_id, customer_id, pan_card, account_type, city, state, branch_ifsc, initial_risk_rating, created_at`

func scanAccount(rows *sql.Rows) (domain.Account, error) {
	var a domain.Account
	var created sql.NullTime
	err := rows.Scan(&a.ID, &a.CustomerID, &a.PAN, &a.Type, &a.City, &a.State, &a.BranchIFSC, &a.InitialRiskRating, &created)
	if created.Valid {
		a.CreatedAt = created.Time
	}
	return a, err
}

// Accounts returns every account sorted by id.
func (s *SQLStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_id`)
	if err != nil {
		return nil, datastoreErr("accounts", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, datastoreErr("accounts", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, datastoreErr("accounts", err)
	}
	return out, nil
}

// NodeAggregates computes degree and amount aggregates for one chunk of
// accounts. Outbound and inbound sides are aggregated separately so neither
// multiplies the other.
func (s *SQLStore) NodeAggregates(ctx context.Context, accountIDs []string) ([]domain.NodeAggregate, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	in := placeholders(len(accountIDs))
	query := s.rebind(`
		SELECT a.account_id, a.initial_risk_rating,
			   COALESCE(o.cnt, 0), COALESCE(i.cnt, 0),
			   COALESCE(o.total, 0), COALESCE(i.total, 0),
			   COALESCE(o.avg_amount, 0), COALESCE(i.avg_amount, 0)
		FROM accounts a
		LEFT JOIN (
			SELECT source_account AS account_id, COUNT(*) AS cnt,
				   SUM(amount_inr) AS total, AVG(amount_inr) AS avg_amount
			FROM transfers WHERE source_account IN (` + in + `)
			GROUP BY source_account
		) o ON o.account_id = a.account_id
		LEFT JOIN (
			SELECT target_account AS account_id, COUNT(*) AS cnt,
				   SUM(amount_inr) AS total, AVG(amount_inr) AS avg_amount
			FROM transfers WHERE target_account IN (` + in + `)
			GROUP BY target_account
		) i ON i.account_id = a.account_id
		WHERE a.account_id IN (` + in + `)
	`)
	ids := stringArgs(accountIDs)
	args := make([]any, 0, 3*len(ids))
	args = append(args, ids...)
	args = append(args, ids...)
	args = append(args, ids...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, datastoreErr("node aggregates", err)
	}
	defer rows.Close()

	var out []domain.NodeAggregate
	for rows.Next() {
		var r domain.NodeAggregate
		if err := rows.Scan(
			&r.AccountID, &r.InitialRiskRating,
			&r.OutDegree, &r.InDegree,
			&r.TotalAmountOut, &r.TotalAmountIn,
			&r.AvgAmountOut, &r.AvgAmountIn,
		); err != nil {
			return nil, datastoreErr("node aggregates", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, datastoreErr("node aggregates", err)
	}
	return out, nil
}

// Edges returns distinct directed pairs.
func (s *SQLStore) Edges(ctx context.Context) ([]domain.Edge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT source_account, target_account
		FROM transfers
		ORDER BY source_account, target_account
	`)
	if err != nil {
		return nil, datastoreErr("edges", err)
	}
	defer rows.Close()

	var out []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.Source, &e.Target); err != nil {
			return nil, datastoreErr("edges", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, datastoreErr("edges", err)
	}
	return out, nil
}

const transferColumns = `transaction_id, source_account, target_account, timestamp, amount_inr, transaction_type, remarks, source_ip, is_illicit, illicit_pattern_type`

func (s *SQLStore) queryTransfers(ctx context.Context, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var illicit int
		if err := rows.Scan(&t.ID, &t.Source, &t.Target, &t.Timestamp, &t.Amount,
			&t.Type, &t.Remarks, &t.SourceIP, &illicit, &t.PatternType); err != nil {
			return nil, err
		}
		t.IsIllicit = illicit == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) accountsByID(ctx context.Context, ids []string) (map[string]domain.Account, error) {
	out := make(map[string]domain.Account, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE account_id IN (`+placeholders(len(ids))+`)`),
		stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out[a.ID] = a
	}
	return out, rows.Err()
}

// Neighbors expands the neighbourhood breadth-first, one query per hop.
func (s *SQLStore) Neighbors(ctx context.Context, accountID string, hops int) (*domain.Subgraph, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	center, err := s.accountsByID(ctx, []string{accountID})
	if err != nil {
		return nil, datastoreErr("neighbors", err)
	}
	if _, ok := center[accountID]; !ok {
		return nil, domain.ErrNotFound
	}

	hops = ClampHops(hops)
	b := newSubgraphBuilder(accountID, hops, s.maxEdges)
	b.addNode(center[accountID])

	frontier := []string{accountID}
	for depth := 0; depth < hops && len(frontier) > 0 && !b.full(); depth++ {
		in := placeholders(len(frontier))
		args := append(stringArgs(frontier), stringArgs(frontier)...)
		transfers, err := s.queryTransfers(ctx,
			`SELECT `+transferColumns+` FROM transfers
			 WHERE source_account IN (`+in+`) OR target_account IN (`+in+`)
			 ORDER BY transaction_id`, args...)
		if err != nil {
			return nil, datastoreErr("neighbors", err)
		}

		var discovered []string
		for _, t := range transfers {
			if !b.addEdge(t.ID, t) {
				continue
			}
			for _, end := range []string{t.Source, t.Target} {
				if _, ok := b.nodes[end]; !ok {
					discovered = append(discovered, end)
					b.nodes[end] = domain.GraphNode{ID: end, Label: end}
				}
			}
		}

		meta, err := s.accountsByID(ctx, discovered)
		if err != nil {
			return nil, datastoreErr("neighbors", err)
		}
		for _, id := range discovered {
			if a, ok := meta[id]; ok {
				b.nodes[id] = domain.GraphNode{ID: id, Label: id, State: a.State, Risk: a.InitialRiskRating}
			}
		}
		frontier = discovered
	}
	return b.build(), nil
}

// PatternTallies counts illicit transfers per (account, pattern), crediting
// both source and target.
func (s *SQLStore) PatternTallies(ctx context.Context) ([]domain.PatternTally, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, illicit_pattern_type, COUNT(*) FROM (
			SELECT source_account AS account_id, illicit_pattern_type
			FROM transfers WHERE is_illicit = 1
			UNION ALL
			SELECT target_account AS account_id, illicit_pattern_type
			FROM transfers WHERE is_illicit = 1 AND target_account <> source_account
		) t
		GROUP BY account_id, illicit_pattern_type
		ORDER BY account_id, illicit_pattern_type
	`)
	if err != nil {
		return nil, datastoreErr("pattern tallies", err)
	}
	defer rows.Close()

	var out []domain.PatternTally
	for rows.Next() {
		var p domain.PatternTally
		if err := rows.Scan(&p.AccountID, &p.Pattern, &p.Count); err != nil {
			return nil, datastoreErr("pattern tallies", err)
		}
		p.Pattern = NormalizePattern(p.Pattern)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, datastoreErr("pattern tallies", err)
	}
	return out, nil
}

// IllicitTransfers returns illicit transfers touching an account, oldest first.
func (s *SQLStore) IllicitTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM accounts WHERE account_id = ?`), accountID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, datastoreErr("illicit transfers", err)
	}

	out, err := s.queryTransfers(ctx,
		`SELECT `+transferColumns+` FROM transfers
		 WHERE is_illicit = 1 AND (source_account = ? OR target_account = ?)
		 ORDER BY timestamp, transaction_id`, accountID, accountID)
	if err != nil {
		return nil, datastoreErr("illicit transfers", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
