package graphstore

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/domain"
)

func testLedger() ([]domain.Account, []domain.Transfer) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	accounts := []domain.Account{
		{ID: "ACC1001", State: "Maharashtra", City: "Mumbai", InitialRiskRating: 2},
		{ID: "ACC1002", State: "Karnataka", City: "Bengaluru", InitialRiskRating: 1},
		{ID: "ACC1003", State: "Delhi", City: "New Delhi", InitialRiskRating: 4},
		{ID: "ACC1004", State: "Delhi", City: "New Delhi", InitialRiskRating: 3},
		{ID: "ACC1005", State: "Goa", City: "Panaji", InitialRiskRating: 5},
	}
	transfers := []domain.Transfer{
		{ID: "T1", Source: "ACC1001", Target: "ACC1002", Amount: 1000.10, Timestamp: base, PatternType: "NONE"},
		{ID: "T2", Source: "ACC1001", Target: "ACC1002", Amount: 2000.20, Timestamp: base.Add(time.Hour), PatternType: "NONE"},
		{ID: "T3", Source: "ACC1003", Target: "ACC1002", Amount: 30000, Timestamp: base.Add(2 * time.Hour), IsIllicit: true, PatternType: "SMURFING"},
		{ID: "T4", Source: "ACC1002", Target: "ACC1004", Amount: 29000, Timestamp: base.Add(3 * time.Hour), IsIllicit: true, PatternType: "LAYERING"},
		{ID: "T5", Source: "ACC1003", Target: "ACC1002", Amount: 31000, Timestamp: base.Add(4 * time.Hour), IsIllicit: true, PatternType: "SMURFING"},
	}
	return accounts, transfers
}

func loadLedger(t *testing.T, s Store) {
	t.Helper()
	accounts, transfers := testLedger()
	ctx := context.Background()
	if err := s.LoadAccounts(ctx, accounts); err != nil {
		t.Fatalf("LoadAccounts failed: %v", err)
	}
	if err := s.LoadTransfers(ctx, transfers); err != nil {
		t.Fatalf("LoadTransfers failed: %v", err)
	}
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	tmp, err := os.CreateTemp("", "sentinel-ledger-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	path := tmp.Name()
	tmp.Close()
	t.Cleanup(func() { os.Remove(path) })

	s, err := NewSQLStore(
		domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path},
		domain.GraphConfig{QueryTimeout: 10 * time.Second, MaxNeighborEdges: 100, LoadBatchSize: 2},
	)
	if err != nil {
		t.Fatalf("NewSQLStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// runStoreContract exercises the behaviour every datastore must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	loadLedger(t, s)

	t.Run("Accounts", func(t *testing.T) {
		accounts, err := s.Accounts(ctx)
		if err != nil {
			t.Fatalf("Accounts failed: %v", err)
		}
		if len(accounts) != 5 {
			t.Fatalf("expected 5 accounts, got %d", len(accounts))
		}
		if accounts[0].ID != "ACC1001" || accounts[0].State != "Maharashtra" {
			t.Errorf("unexpected first account %+v", accounts[0])
		}
	})

	t.Run("NodeAggregates", func(t *testing.T) {
		rows, err := s.NodeAggregates(ctx, []string{"ACC1001", "ACC1002", "ACC1005"})
		if err != nil {
			t.Fatalf("NodeAggregates failed: %v", err)
		}
		byID := make(map[string]domain.NodeAggregate)
		for _, r := range rows {
			byID[r.AccountID] = r
		}
		if len(byID) != 3 {
			t.Fatalf("expected 3 rows, got %d", len(byID))
		}

		a1 := byID["ACC1001"]
		if a1.OutDegree != 2 || a1.InDegree != 0 {
			t.Errorf("ACC1001 degrees = %v/%v", a1.OutDegree, a1.InDegree)
		}
		if math.Abs(a1.TotalAmountOut-3000.30) > 1e-6 || math.Abs(a1.AvgAmountOut-1500.15) > 1e-6 {
			t.Errorf("ACC1001 amounts = %v/%v", a1.TotalAmountOut, a1.AvgAmountOut)
		}

		a2 := byID["ACC1002"]
		if a2.InDegree != 4 || a2.OutDegree != 1 {
			t.Errorf("ACC1002 degrees = %v/%v", a2.InDegree, a2.OutDegree)
		}
		if math.Abs(a2.TotalAmountIn-64000.30) > 1e-6 {
			t.Errorf("ACC1002 total in = %v", a2.TotalAmountIn)
		}
		if a2.InitialRiskRating != 1 {
			t.Errorf("ACC1002 risk = %v", a2.InitialRiskRating)
		}

		isolated := byID["ACC1005"]
		if isolated.InDegree != 0 || isolated.OutDegree != 0 || isolated.AvgAmountIn != 0 || isolated.AvgAmountOut != 0 {
			t.Errorf("isolated account should aggregate to zero, got %+v", isolated)
		}
	})

	t.Run("Edges", func(t *testing.T) {
		edges, err := s.Edges(ctx)
		if err != nil {
			t.Fatalf("Edges failed: %v", err)
		}
		if len(edges) != 3 {
			t.Errorf("expected 3 distinct edges, got %d: %+v", len(edges), edges)
		}
	})

	t.Run("Neighbors", func(t *testing.T) {
		g, err := s.Neighbors(ctx, "ACC1001", 1)
		if err != nil {
			t.Fatalf("Neighbors failed: %v", err)
		}
		if len(g.Nodes) != 2 || len(g.Edges) != 2 {
			t.Errorf("1-hop: expected 2 nodes / 2 edges, got %d / %d", len(g.Nodes), len(g.Edges))
		}

		g, err = s.Neighbors(ctx, "ACC1001", 2)
		if err != nil {
			t.Fatalf("Neighbors failed: %v", err)
		}
		if len(g.Nodes) != 4 || len(g.Edges) != 5 {
			t.Errorf("2-hop: expected 4 nodes / 5 edges, got %d / %d", len(g.Nodes), len(g.Edges))
		}

		g, err = s.Neighbors(ctx, "ACC1005", 2)
		if err != nil {
			t.Fatalf("Neighbors failed: %v", err)
		}
		if len(g.Nodes) != 1 || len(g.Edges) != 0 {
			t.Errorf("isolated: expected only the center, got %+v", g)
		}

		if _, err := s.Neighbors(ctx, "NOPE", 1); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PatternTallies", func(t *testing.T) {
		tallies, err := s.PatternTallies(ctx)
		if err != nil {
			t.Fatalf("PatternTallies failed: %v", err)
		}
		got := make(map[string]int)
		for _, p := range tallies {
			got[p.AccountID+"/"+p.Pattern] = p.Count
		}
		want := map[string]int{
			"ACC1002/Smurfing": 2,
			"ACC1002/Layering": 1,
			"ACC1003/Smurfing": 2,
			"ACC1004/Layering": 1,
		}
		if len(got) != len(want) {
			t.Fatalf("expected %d tallies, got %v", len(want), got)
		}
		for k, v := range want {
			if got[k] != v {
				t.Errorf("%s: expected %d, got %d", k, v, got[k])
			}
		}
	})

	t.Run("IllicitTransfers", func(t *testing.T) {
		txs, err := s.IllicitTransfers(ctx, "ACC1002")
		if err != nil {
			t.Fatalf("IllicitTransfers failed: %v", err)
		}
		if len(txs) != 3 {
			t.Fatalf("expected 3 illicit transfers, got %d", len(txs))
		}
		if txs[0].ID != "T3" {
			t.Errorf("expected oldest first, got %s", txs[0].ID)
		}

		txs, err = s.IllicitTransfers(ctx, "ACC1001")
		if err != nil || len(txs) != 0 {
			t.Errorf("expected no illicit transfers for ACC1001, got %d (%v)", len(txs), err)
		}

		if _, err := s.IllicitTransfers(ctx, "NOPE"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestSQLStore(t *testing.T) {
	s := newSQLiteStore(t)
	runStoreContract(t, s)

	t.Run("ReloadIsIdempotent", func(t *testing.T) {
		loadLedger(t, s)
		edges, err := s.Edges(context.Background())
		if err != nil {
			t.Fatalf("Edges failed: %v", err)
		}
		if len(edges) != 3 {
			t.Errorf("reloading must not duplicate transfers, got %d edges", len(edges))
		}
	})
}

func TestClosedStoreReportsDatastoreError(t *testing.T) {
	s := NewMemoryStore()
	loadLedger(t, s)
	_ = s.Close()

	_, err := s.NodeAggregates(context.Background(), []string{"ACC1001"})
	if !errors.Is(err, domain.ErrDatastore) {
		t.Errorf("expected ErrDatastore, got %v", err)
	}
}

func TestNewStore(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		s, err := New(context.Background(), domain.GraphConfig{Driver: "memory"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := s.(*MemoryStore); !ok {
			t.Errorf("expected *MemoryStore, got %T", s)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(context.Background(), domain.GraphConfig{Driver: "tigergraph"}); err == nil {
			t.Error("expected error for unsupported driver")
		}
	})
}

func TestClampHops(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 1, 1: 1, 2: 2, 3: 3, 10: 3}
	for in, want := range cases {
		if got := ClampHops(in); got != want {
			t.Errorf("ClampHops(%d) = %d, want %d", in, got, want)
		}
	}
}
