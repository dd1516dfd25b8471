package graphstore

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/sentinel/internal/domain"
)

// MemoryStore keeps the ledger in process memory. It backs tests and small
// CSV-driven runs. Amount sums are accumulated in decimal so totals match the
// ledger to the paisa before the final float conversion.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]domain.Account
	transfers []domain.Transfer
	maxEdges  int
	closed    bool
}

// NewMemoryStore creates an empty in-memory graph datastore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]domain.Account),
		maxEdges: defaultMaxNeighborEdges,
	}
}

// LoadAccounts upserts accounts.
func (s *MemoryStore) LoadAccounts(ctx context.Context, accounts []domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return nil
}

// LoadTransfers appends transfers. Endpoints unknown to the store are
// created as bare accounts, mirroring MERGE semantics of the graph loader.
func (s *MemoryStore) LoadTransfers(ctx context.Context, transfers []domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range transfers {
		for _, id := range []string{t.Source, t.Target} {
			if _, ok := s.accounts[id]; !ok {
				s.accounts[id] = domain.Account{ID: id}
			}
		}
		s.transfers = append(s.transfers, t)
	}
	return nil
}

// Accounts returns every account sorted by id.
func (s *MemoryStore) Accounts(ctx context.Context) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("accounts", errStoreClosed)
	}

	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type flowTotals struct {
	count int64
	sum   decimal.Decimal
}

func (f flowTotals) avg() float64 {
	if f.count == 0 {
		return 0
	}
	return f.sum.Div(decimal.NewFromInt(f.count)).InexactFloat64()
}

// NodeAggregates computes per-account degree and amount aggregates.
func (s *MemoryStore) NodeAggregates(ctx context.Context, accountIDs []string) ([]domain.NodeAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("node aggregates", errStoreClosed)
	}

	wanted := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		wanted[id] = struct{}{}
	}

	out := make(map[string]*flowTotals)
	in := make(map[string]*flowTotals)
	add := func(m map[string]*flowTotals, id string, amount float64) {
		if _, ok := wanted[id]; !ok {
			return
		}
		f, ok := m[id]
		if !ok {
			f = &flowTotals{sum: decimal.Zero}
			m[id] = f
		}
		f.count++
		f.sum = f.sum.Add(decimal.NewFromFloat(amount))
	}
	for _, t := range s.transfers {
		add(out, t.Source, t.Amount)
		add(in, t.Target, t.Amount)
	}

	rows := make([]domain.NodeAggregate, 0, len(accountIDs))
	for _, id := range accountIDs {
		a, ok := s.accounts[id]
		if !ok {
			continue
		}
		o, i := flowTotals{sum: decimal.Zero}, flowTotals{sum: decimal.Zero}
		if f, ok := out[id]; ok {
			o = *f
		}
		if f, ok := in[id]; ok {
			i = *f
		}
		rows = append(rows, domain.NodeAggregate{
			AccountID:         id,
			InitialRiskRating: float64(a.InitialRiskRating),
			OutDegree:         float64(o.count),
			InDegree:          float64(i.count),
			TotalAmountOut:    o.sum.InexactFloat64(),
			TotalAmountIn:     i.sum.InexactFloat64(),
			AvgAmountOut:      o.avg(),
			AvgAmountIn:       i.avg(),
		})
	}
	return rows, nil
}

// Edges returns distinct directed pairs in first-seen order.
func (s *MemoryStore) Edges(ctx context.Context) ([]domain.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("edges", errStoreClosed)
	}

	seen := make(map[domain.Edge]struct{}, len(s.transfers))
	edges := make([]domain.Edge, 0, len(s.transfers))
	for _, t := range s.transfers {
		e := domain.Edge{Source: t.Source, Target: t.Target}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		edges = append(edges, e)
	}
	return edges, nil
}

// Neighbors walks transfers in both directions up to hops edges away.
func (s *MemoryStore) Neighbors(ctx context.Context, accountID string, hops int) (*domain.Subgraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("neighbors", errStoreClosed)
	}
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrNotFound
	}

	hops = ClampHops(hops)
	byAccount := make(map[string][]int)
	for i, t := range s.transfers {
		byAccount[t.Source] = append(byAccount[t.Source], i)
		byAccount[t.Target] = append(byAccount[t.Target], i)
	}

	b := newSubgraphBuilder(accountID, hops, s.maxEdges)
	b.addNode(s.accounts[accountID])
	frontier := []string{accountID}
	for depth := 0; depth < hops && len(frontier) > 0 && !b.full(); depth++ {
		var next []string
		for _, id := range frontier {
			for _, idx := range byAccount[id] {
				t := s.transfers[idx]
				if !b.addEdge(idx, t) {
					continue
				}
				for _, end := range []string{t.Source, t.Target} {
					if b.addNode(s.accounts[end]) {
						next = append(next, end)
					}
				}
			}
		}
		frontier = next
	}
	return b.build(), nil
}

// PatternTallies counts illicit transfers per (account, pattern), crediting
// both source and target.
func (s *MemoryStore) PatternTallies(ctx context.Context) ([]domain.PatternTally, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("pattern tallies", errStoreClosed)
	}

	type key struct{ account, pattern string }
	counts := make(map[key]int)
	for _, t := range s.transfers {
		if !t.IsIllicit {
			continue
		}
		p := NormalizePattern(t.PatternType)
		counts[key{t.Source, p}]++
		if t.Target != t.Source {
			counts[key{t.Target, p}]++
		}
	}

	out := make([]domain.PatternTally, 0, len(counts))
	for k, c := range counts {
		out = append(out, domain.PatternTally{AccountID: k.account, Pattern: k.pattern, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out, nil
}

// IllicitTransfers returns illicit transfers touching an account, oldest first.
func (s *MemoryStore) IllicitTransfers(ctx context.Context, accountID string) ([]domain.Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, datastoreErr("illicit transfers", errStoreClosed)
	}
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrNotFound
	}

	var out []domain.Transfer
	for _, t := range s.transfers {
		if t.IsIllicit && (t.Source == accountID || t.Target == accountID) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close marks the store closed; every later read fails with ErrDatastore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
