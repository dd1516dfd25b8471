package graphstore

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/saulfrancisco-ruizacevedo/gocypher"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// cypherRunner executes one Cypher statement and buffers its records.
type cypherRunner interface {
	Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error)
}

type driverRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

func (r *driverRunner) Run(ctx context.Context, query string, params map[string]any) (*neo4j.EagerResult, error) {
	return neo4j.ExecuteQuery(ctx, r.driver, query, params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(r.database),
	)
}

// Neo4jStore reads the (:Account)-[:TRANSFER]->(:Account) graph from Neo4j.
// It is the Pro tier datastore.
type Neo4jStore struct {
	driver    neo4j.DriverWithContext
	runner    cypherRunner
	timeout   time.Duration
	maxEdges  int
	batchSize int
}

// NewNeo4jStore connects to Neo4j and verifies connectivity.
func NewNeo4jStore(ctx context.Context, cfg domain.GraphConfig) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURI, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""))
	if err != nil {
		return nil, datastoreErr("create neo4j driver", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, datastoreErr("verify neo4j connectivity", err)
	}

	s := newNeo4jStore(&driverRunner{driver: driver, database: cfg.Neo4jDatabase}, cfg)
	s.driver = driver
	return s, nil
}

func newNeo4jStore(runner cypherRunner, cfg domain.GraphConfig) *Neo4jStore {
	return &Neo4jStore{
		runner:    runner,
		timeout:   cfg.QueryTimeout,
		maxEdges:  cfg.MaxNeighborEdges,
		batchSize: cfg.LoadBatchSize,
	}
}

func (s *Neo4jStore) run(ctx context.Context, op, query string, params map[string]any) ([]*neo4j.Record, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.runner.Run(ctx, query, params)
	if err != nil {
		return nil, datastoreErr(op, err)
	}
	return res.Records, nil
}

const cypherConstraint = `CREATE CONSTRAINT account_id_unique IF NOT EXISTS FOR (a:Account) REQUIRE a.account_id IS UNIQUE`

const cypherLoadAccounts = `
UNWIND $rows AS row
MERGE (a:Account {account_id: row.account_id})
SET a.customer_id = row.customer_id,
    a.pan_card = row.pan_card,
    a.account_type = row.account_type,
    a.created_at = CASE WHEN row.created_at = '' THEN null ELSE datetime(row.created_at) END,
    a.city = row.city,
    a.state = row.state,
    a.branch_ifsc = row.branch_ifsc,
    a.initial_risk_rating = toInteger(row.initial_risk_rating)
`

const cypherLoadTransfers = `
UNWIND $rows AS row
MERGE (source:Account {account_id: row.source_account})
MERGE (target:Account {account_id: row.target_account})
MERGE (source)-[t:TRANSFER {transaction_id: row.transaction_id}]->(target)
SET t.amount_inr = toFloat(row.amount_inr),
    t.timestamp = datetime(row.timestamp),
    t.transaction_type = row.transaction_type,
    t.remarks = row.remarks,
    t.source_ip = row.source_ip,
    t.is_illicit = toInteger(row.is_illicit),
    t.illicit_pattern_type = row.illicit_pattern_type
`

// LoadAccounts merges accounts in UNWIND batches.
func (s *Neo4jStore) LoadAccounts(ctx context.Context, accounts []domain.Account) error {
	if _, err := s.run(ctx, "create constraint", cypherConstraint, nil); err != nil {
		return err
	}
	for _, batch := range chunk(accounts, s.batchSize) {
		rows := make([]map[string]any, len(batch))
		for i, a := range batch {
			created := ""
			if !a.CreatedAt.IsZero() {
				created = a.CreatedAt.UTC().Format(time.RFC3339)
			}
			rows[i] = map[string]any{
				"account_id":          a.ID,
				"customer_id":         a.CustomerID,
				"pan_card":            a.PAN,
				"account_type":        a.Type,
				"created_at":          created,
				"city":                a.City,
				"state":               a.State,
				"branch_ifsc":         a.BranchIFSC,
				"initial_risk_rating": a.InitialRiskRating,
			}
		}
		if _, err := s.run(ctx, "load accounts", cypherLoadAccounts, map[string]any{"rows": rows}); err != nil {
			return err
		}
	}
	return nil
}

// LoadTransfers merges transfers in UNWIND batches.
func (s *Neo4jStore) LoadTransfers(ctx context.Context, transfers []domain.Transfer) error {
	for _, batch := range chunk(transfers, s.batchSize) {
		rows := make([]map[string]any, len(batch))
		for i, t := range batch {
			illicit := 0
			if t.IsIllicit {
				illicit = 1
			}
			pattern := t.PatternType
			if pattern == "" {
				pattern = domain.PatternNone
			}
			rows[i] = map[string]any{
				"transaction_id":       t.ID,
				"source_account":       t.Source,
				"target_account":       t.Target,
				"timestamp":            t.Timestamp.UTC().Format(time.RFC3339),
				"amount_inr":           t.Amount,
				"transaction_type":     t.Type,
				"remarks":              t.Remarks,
				"source_ip":            t.SourceIP,
				"is_illicit":           illicit,
				"illicit_pattern_type": pattern,
			}
		}
		if _, err := s.run(ctx, "load transfers", cypherLoadTransfers, map[string]any{"rows": rows}); err != nil {
			return err
		}
	}
	return nil
}

// Accounts returns every account sorted by id.
func (s *Neo4jStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	records, err := s.run(ctx, "accounts", `
		MATCH (a:Account)
		RETURN a.account_id AS account_id, a.customer_id AS customer_id, a.pan_card AS pan_card,
		       a.account_type AS account_type, a.city AS city, a.state AS state,
		       a.branch_ifsc AS branch_ifsc, a.initial_risk_rating AS initial_risk_rating,
		       a.created_at AS created_at
		ORDER BY account_id
	`, nil)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Account, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.Account{
			ID:                recordString(rec, "account_id"),
			CustomerID:        recordString(rec, "customer_id"),
			PAN:               recordString(rec, "pan_card"),
			Type:              recordString(rec, "account_type"),
			City:              recordString(rec, "city"),
			State:             recordString(rec, "state"),
			BranchIFSC:        recordString(rec, "branch_ifsc"),
			InitialRiskRating: int(recordFloat(rec, "initial_risk_rating")),
			CreatedAt:         recordTime(rec, "created_at"),
		})
	}
	return out, nil
}

// cypherNodeAggregates aggregates outbound edges before expanding inbound
// ones so the two sides never form a cartesian product.
const cypherNodeAggregates = `
UNWIND $ids AS id
MATCH (a:Account {account_id: id})
OPTIONAL MATCH (a)-[r_out:TRANSFER]->()
WITH a, COUNT(DISTINCT r_out) AS out_degree,
     COALESCE(SUM(r_out.amount_inr), 0.0) AS total_amount_out,
     COALESCE(AVG(r_out.amount_inr), 0.0) AS avg_amount_out
OPTIONAL MATCH (a)<-[r_in:TRANSFER]-()
RETURN a.account_id AS account_id,
       COALESCE(a.initial_risk_rating, 0) AS initial_risk_rating,
       out_degree,
       COUNT(DISTINCT r_in) AS in_degree,
       total_amount_out,
       COALESCE(SUM(r_in.amount_inr), 0.0) AS total_amount_in,
       avg_amount_out,
       COALESCE(AVG(r_in.amount_inr), 0.0) AS avg_amount_in
`

// NodeAggregates computes degree and amount aggregates for one chunk.
func (s *Neo4jStore) NodeAggregates(ctx context.Context, accountIDs []string) ([]domain.NodeAggregate, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}
	records, err := s.run(ctx, "node aggregates", cypherNodeAggregates, map[string]any{"ids": accountIDs})
	if err != nil {
		return nil, err
	}

	out := make([]domain.NodeAggregate, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.NodeAggregate{
			AccountID:         recordString(rec, "account_id"),
			InitialRiskRating: recordFloat(rec, "initial_risk_rating"),
			OutDegree:         recordFloat(rec, "out_degree"),
			InDegree:          recordFloat(rec, "in_degree"),
			TotalAmountOut:    recordFloat(rec, "total_amount_out"),
			TotalAmountIn:     recordFloat(rec, "total_amount_in"),
			AvgAmountOut:      recordFloat(rec, "avg_amount_out"),
			AvgAmountIn:       recordFloat(rec, "avg_amount_in"),
		})
	}
	return out, nil
}

// Edges returns distinct directed pairs.
func (s *Neo4jStore) Edges(ctx context.Context) ([]domain.Edge, error) {
	records, err := s.run(ctx, "edges", `
		MATCH (s:Account)-[:TRANSFER]->(t:Account)
		RETURN DISTINCT s.account_id AS source, t.account_id AS target
		ORDER BY source, target
	`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Edge, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.Edge{Source: recordString(rec, "source"), Target: recordString(rec, "target")})
	}
	return out, nil
}

func (s *Neo4jStore) account(ctx context.Context, accountID string) (*domain.Account, error) {
	query, params, err := gocypher.NewQueryBuilder().
		Match(gocypher.N("a", "Account").WithProperties(map[string]interface{}{"account_id": accountID})).
		Return("a").
		Build()
	if err != nil {
		return nil, fmt.Errorf("build account lookup: %w", err)
	}
	records, err := s.run(ctx, "account lookup", query, params)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	value, _ := records[0].Get("a")
	node, ok := value.(neo4j.Node)
	if !ok {
		return nil, datastoreErr("account lookup", fmt.Errorf("return value 'a' is not a node"))
	}
	return &domain.Account{
		ID:                accountID,
		State:             propString(node.Props, "state"),
		City:              propString(node.Props, "city"),
		InitialRiskRating: int(toFloat(node.Props["initial_risk_rating"])),
	}, nil
}

// Neighbors returns every transfer on a path of up to hops edges from the
// account, ignoring direction, capped at the configured edge limit.
func (s *Neo4jStore) Neighbors(ctx context.Context, accountID string, hops int) (*domain.Subgraph, error) {
	center, err := s.account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	hops = ClampHops(hops)

	// Variable-length bounds cannot be parameters; hops is clamped above.
	query := fmt.Sprintf(`
		MATCH p = (c:Account {account_id: $id})-[:TRANSFER*1..%d]-(:Account)
		UNWIND relationships(p) AS r
		WITH DISTINCT r
		LIMIT $limit
		WITH r, startNode(r) AS s, endNode(r) AS t
		RETURN r.transaction_id AS transaction_id, r.amount_inr AS amount, r.is_illicit AS is_illicit,
		       s.account_id AS source, s.state AS source_state, s.initial_risk_rating AS source_risk,
		       t.account_id AS target, t.state AS target_state, t.initial_risk_rating AS target_risk
	`, hops)
	records, err := s.run(ctx, "neighbors", query, map[string]any{"id": accountID, "limit": s.maxEdges})
	if err != nil {
		return nil, err
	}

	b := newSubgraphBuilder(accountID, hops, s.maxEdges)
	b.addNode(*center)
	for _, rec := range records {
		src := domain.Account{
			ID:                recordString(rec, "source"),
			State:             recordString(rec, "source_state"),
			InitialRiskRating: int(recordFloat(rec, "source_risk")),
		}
		dst := domain.Account{
			ID:                recordString(rec, "target"),
			State:             recordString(rec, "target_state"),
			InitialRiskRating: int(recordFloat(rec, "target_risk")),
		}
		b.addEdge(recordString(rec, "transaction_id"), domain.Transfer{
			Source:    src.ID,
			Target:    dst.ID,
			Amount:    recordFloat(rec, "amount"),
			IsIllicit: recordFloat(rec, "is_illicit") == 1,
		})
		b.addNode(src)
		b.addNode(dst)
	}
	return b.build(), nil
}

// PatternTallies counts illicit transfers per (account, pattern).
func (s *Neo4jStore) PatternTallies(ctx context.Context) ([]domain.PatternTally, error) {
	records, err := s.run(ctx, "pattern tallies", `
		MATCH (s:Account)-[r:TRANSFER]->(t:Account)
		WHERE r.is_illicit = 1
		UNWIND CASE WHEN s = t THEN [s.account_id] ELSE [s.account_id, t.account_id] END AS account_id
		RETURN account_id, r.illicit_pattern_type AS pattern, count(*) AS n
		ORDER BY account_id, pattern
	`, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PatternTally, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.PatternTally{
			AccountID: recordString(rec, "account_id"),
			Pattern:   NormalizePattern(recordString(rec, "pattern")),
			Count:     int(recordFloat(rec, "n")),
		})
	}
	return out, nil
}

// IllicitTransfers returns illicit transfers touching an account, oldest first.
func (s *Neo4jStore) IllicitTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	if _, err := s.account(ctx, accountID); err != nil {
		return nil, err
	}
	records, err := s.run(ctx, "illicit transfers", `
		MATCH (s:Account)-[r:TRANSFER]->(t:Account)
		WHERE r.is_illicit = 1 AND (s.account_id = $id OR t.account_id = $id)
		RETURN r.transaction_id AS transaction_id, s.account_id AS source, t.account_id AS target,
		       r.amount_inr AS amount, r.timestamp AS timestamp, r.transaction_type AS transaction_type,
		       r.illicit_pattern_type AS pattern
		ORDER BY timestamp, transaction_id
	`, map[string]any{"id": accountID})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Transfer, 0, len(records))
	for _, rec := range records {
		out = append(out, domain.Transfer{
			ID:          recordString(rec, "transaction_id"),
			Source:      recordString(rec, "source"),
			Target:      recordString(rec, "target"),
			Amount:      recordFloat(rec, "amount"),
			Timestamp:   recordTime(rec, "timestamp"),
			Type:        recordString(rec, "transaction_type"),
			IsIllicit:   true,
			PatternType: recordString(rec, "pattern"),
		})
	}
	return out, nil
}

// Ping verifies connectivity.
func (s *Neo4jStore) Ping(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.VerifyConnectivity(ctx)
}

// Close closes the driver.
func (s *Neo4jStore) Close() error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(context.Background())
}

func recordString(rec *neo4j.Record, key string) string {
	v, _ := rec.Get(key)
	s, _ := v.(string)
	return s
}

func recordFloat(rec *neo4j.Record, key string) float64 {
	v, _ := rec.Get(key)
	return toFloat(v)
}

func recordTime(rec *neo4j.Record, key string) time.Time {
	v, _ := rec.Get(key)
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func propString(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

// toFloat converts Cypher numeric values; null and NaN become 0.
func toFloat(v any) float64 {
	var f float64
	switch n := v.(type) {
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	case float64:
		f = n
	case bool:
		if n {
			f = 1
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
