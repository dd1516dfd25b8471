package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/telemetry"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// seedLedger loads a fan-in hub fed by six mules, plus unrelated pairs.
func seedLedger(t *testing.T) *graphstore.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := graphstore.NewMemoryStore()

	var accounts []domain.Account
	var transfers []domain.Transfer
	accounts = append(accounts, domain.Account{ID: "HUB", State: "Maharashtra", InitialRiskRating: 2})
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("MULE%02d", i)
		accounts = append(accounts, domain.Account{ID: id, State: "Goa", InitialRiskRating: 2})
		transfers = append(transfers, domain.Transfer{
			ID: fmt.Sprintf("TF%02d", i), Source: id, Target: "HUB",
			Timestamp: base.Add(time.Duration(i) * time.Hour), Amount: 30000,
			IsIllicit: true, PatternType: "SMURFING",
		})
	}
	for i := 0; i < 6; i++ {
		src, dst := fmt.Sprintf("SRC%02d", i), fmt.Sprintf("DST%02d", i)
		accounts = append(accounts,
			domain.Account{ID: src, State: "Kerala", InitialRiskRating: 2},
			domain.Account{ID: dst, State: "Kerala", InitialRiskRating: 2},
		)
		transfers = append(transfers, domain.Transfer{
			ID: fmt.Sprintf("TP%02d", i), Source: src, Target: dst,
			Timestamp: base, Amount: float64(400 + 50*i), PatternType: domain.PatternNone,
		})
	}
	accounts = append(accounts, domain.Account{ID: "IDLE", InitialRiskRating: 2})

	if err := store.LoadAccounts(ctx, accounts); err != nil {
		t.Fatalf("load accounts: %v", err)
	}
	if err := store.LoadTransfers(ctx, transfers); err != nil {
		t.Fatalf("load transfers: %v", err)
	}
	return store
}

func testConfig() (domain.ModelConfig, domain.ExplainConfig) {
	cfg := domain.DefaultConfig()
	cfg.Model.AEEpochs = 30
	cfg.Model.GCNEpochs = 100
	cfg.Explain.Trees = 10
	return cfg.Model, cfg.Explain
}

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	tmp, err := os.CreateTemp("", "sentinel-pipeline-*.db")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	tmp.Close()
	t.Cleanup(func() { os.Remove(tmp.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmp.Name()})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func subscribe(t *testing.T, b domain.EventBus, topic string) <-chan domain.BundleEvent {
	t.Helper()
	ch := make(chan domain.BundleEvent, 4)
	_, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.BundleEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		ch <- ev
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan domain.BundleEvent) domain.BundleEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return domain.BundleEvent{}
	}
}

func TestRunPublishesBundle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	eb := bus.NewChannelBus(10)
	defer eb.Close()
	published := subscribe(t, eb, domain.TopicBundlePublished)

	modelCfg, explainCfg := testConfig()
	p := New(seedLedger(t), repo, eb, telemetry.New(), modelCfg, explainCfg)

	res, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Accounts != 20 || res.Edges != 12 {
		t.Errorf("expected 20 accounts and 12 edges, got %+v", res)
	}
	if res.IllicitLabels != 7 {
		t.Errorf("expected hub and six mules labelled, got %d", res.IllicitLabels)
	}
	if res.Fidelity <= 0 || res.Fidelity > 1 {
		t.Errorf("fidelity out of range: %v", res.Fidelity)
	}

	ev := waitEvent(t, published)
	if ev.Version != res.Version || ev.RunID != res.RunID || ev.Accounts != 20 {
		t.Errorf("unexpected event %+v for result %+v", ev, res)
	}

	active, err := repo.ActiveVersion(ctx)
	if err != nil || active != res.Version {
		t.Fatalf("expected active %s, got %s (%v)", res.Version, active, err)
	}

	b, err := bundle.Load(ctx, repo, "")
	if err != nil {
		t.Fatalf("bundle.Load failed: %v", err)
	}
	if b.PatternType("HUB") != "Smurfing" || b.PatternType("SRC00") != domain.PatternComplex {
		t.Errorf("unexpected patterns: hub=%s src=%s", b.PatternType("HUB"), b.PatternType("SRC00"))
	}
	if b.Meta("HUB").State != "Maharashtra" {
		t.Errorf("expected account metadata to be carried, got %+v", b.Meta("HUB"))
	}
	for i := 0; i < b.Len(); i++ {
		if r := b.RiskAt(i); r < 0 || r > 1 {
			t.Errorf("risk %v out of range at %d", r, i)
		}
	}
}

// failingStore breaks one datastore call.
type failingStore struct {
	domain.GraphStore
	failTallies bool
}

func (s *failingStore) PatternTallies(ctx context.Context) ([]domain.PatternTally, error) {
	if s.failTallies {
		return nil, fmt.Errorf("pattern tallies: %w: connection refused", domain.ErrDatastore)
	}
	return s.GraphStore.PatternTallies(ctx)
}

func TestRunFailureKeepsActiveBundle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	eb := bus.NewChannelBus(10)
	defer eb.Close()
	failed := subscribe(t, eb, domain.TopicBatchFailed)

	modelCfg, explainCfg := testConfig()
	store := &failingStore{GraphStore: seedLedger(t)}
	p := New(store, repo, eb, nil, modelCfg, explainCfg)

	first, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	store.failTallies = true
	if _, err := p.Run(ctx); !errors.Is(err, domain.ErrDatastore) {
		t.Fatalf("expected ErrDatastore, got %v", err)
	}

	ev := waitEvent(t, failed)
	if ev.Error == "" || ev.RunID == "" {
		t.Errorf("failure event must carry run id and error, got %+v", ev)
	}

	active, _ := repo.ActiveVersion(ctx)
	if active != first.Version {
		t.Errorf("expected %s to stay active, got %s", first.Version, active)
	}
	bundles, _ := repo.ListBundles(ctx, 10)
	if len(bundles) != 1 {
		t.Errorf("failed batch must not persist a bundle, got %d", len(bundles))
	}
}

func TestBuildEmptyGraph(t *testing.T) {
	modelCfg, explainCfg := testConfig()
	p := New(graphstore.NewMemoryStore(), nil, nil, nil, modelCfg, explainCfg)
	if _, _, err := p.Build(context.Background()); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	modelCfg, explainCfg := testConfig()
	store := seedLedger(t)

	b1, _, err := New(store, nil, nil, nil, modelCfg, explainCfg).Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	b2, _, err := New(store, nil, nil, nil, modelCfg, explainCfg).Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	for i := 0; i < b1.Len(); i++ {
		if b1.RiskAt(i) != b2.RiskAt(i) || b1.AnomalyAt(i) != b2.AnomalyAt(i) {
			t.Fatalf("scores differ at %d", i)
		}
	}
}

func TestDeriveLabels(t *testing.T) {
	known := map[string]bool{"A": true, "B": true, "C": true}
	tallies := []domain.PatternTally{
		{AccountID: "A", Pattern: "Smurfing", Count: 2},
		{AccountID: "A", Pattern: "Layering", Count: 2},
		{AccountID: "A", Pattern: "Mule", Count: 1},
		{AccountID: "B", Pattern: "", Count: 3},
		{AccountID: "C", Pattern: "Mule", Count: 0},
		{AccountID: "GHOST", Pattern: "Mule", Count: 4},
	}

	ls, skipped := deriveLabels(tallies, known)
	if skipped != 1 {
		t.Errorf("expected 1 skipped tally, got %d", skipped)
	}
	if !ls.illicit["A"] || !ls.illicit["B"] || ls.illicit["C"] {
		t.Errorf("unexpected illicit set %v", ls.illicit)
	}
	if ls.patterns["A"] != "Layering" {
		t.Errorf("tie must break by name, got %s", ls.patterns["A"])
	}
	if _, ok := ls.patterns["B"]; ok {
		t.Error("unlabelled illicit account must not get a pattern")
	}
	if !ls.labelled {
		t.Error("expected labelled corpus")
	}
	if got := ls.involvementAt([]string{"A", "B", "C", "GHOST"}); !reflect.DeepEqual(got, []int{5, 3, 0, 0}) {
		t.Errorf("unexpected involvement %v", got)
	}

	ls, _ = deriveLabels([]domain.PatternTally{{AccountID: "A", Count: 1}}, known)
	if ls.labelled {
		t.Error("corpus without pattern names must be unlabelled")
	}
}

type countingRunner struct {
	runs atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context) (*Result, error) {
	r.runs.Add(1)
	return &Result{}, nil
}

func TestScheduler(t *testing.T) {
	t.Run("RunsOnInterval", func(t *testing.T) {
		r := &countingRunner{}
		s := NewScheduler(r, 10*time.Millisecond)
		s.Start()
		deadline := time.Now().Add(2 * time.Second)
		for r.runs.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		s.Stop()
		if r.runs.Load() < 2 {
			t.Errorf("expected at least 2 runs, got %d", r.runs.Load())
		}
	})

	t.Run("Disabled", func(t *testing.T) {
		r := &countingRunner{}
		s := NewScheduler(r, 0)
		s.Start()
		time.Sleep(20 * time.Millisecond)
		s.Stop()
		if r.runs.Load() != 0 {
			t.Errorf("disabled scheduler ran %d times", r.runs.Load())
		}
	})
}
