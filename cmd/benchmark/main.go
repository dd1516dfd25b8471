// Benchmark tool for scoring a published Sentinel bundle against labelled transfers.
//
// Usage:
//   go run ./cmd/benchmark -transactions /path/to/transactions.csv -threshold 0.5
//
// This tool:
//   1. Loads the active (or -version) model bundle from the artifact repository
//   2. Marks an account illicit when any labelled illicit transfer touches it,
//      reading labels from -transactions or, when omitted, from the graph store
//   3. Compares network_risk_score >= threshold with those labels
//   4. Calculates precision, recall, F1-score, the confusion matrix and the
//      hit rate of the top-N ranking
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/repository"
)

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int // Illicit scored at or above the threshold
	FalsePositives int // Licit scored at or above the threshold
	TrueNegatives  int // Licit scored below the threshold
	FalseNegatives int // Illicit scored below the threshold (missed!)

	TotalAccounts int
	TotalIllicit  int
	Unlabelled    int // labelled accounts the bundle does not know

	TopN    int
	TopHits int // illicit accounts among the top-N
}

// Precision is TP / (TP + FP).
func (m *Metrics) Precision() float64 { return ratio(m.TruePositives, m.TruePositives+m.FalsePositives) }

// Recall is TP / (TP + FN).
func (m *Metrics) Recall() float64 { return ratio(m.TruePositives, m.TruePositives+m.FalseNegatives) }

// F1 is the harmonic mean of precision and recall.
func (m *Metrics) F1() float64 {
	p, r := m.Precision(), m.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct predictions.
func (m *Metrics) Accuracy() float64 {
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	return ratio(m.TruePositives+m.TrueNegatives, total)
}

// HitRate is the share of the top-N ranking that is labelled illicit.
func (m *Metrics) HitRate() float64 { return ratio(m.TopHits, m.TopN) }

func ratio(a, b int) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Sentinel config file")
	txPath := flag.String("transactions", "", "Path to transactions CSV (default: labels from the graph store)")
	version := flag.String("version", "", "Bundle version (default: active)")
	threshold := flag.Float64("threshold", 0.5, "network_risk_score at or above which an account is flagged")
	topN := flag.Int("top", 100, "Size of the ranking used for the hit rate")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *configPath})
	if err != nil {
		fmt.Printf("ERROR: Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("+---------------------------------------------------------------+")
	fmt.Println("|          SENTINEL BENCHMARK - Network Risk Scoring            |")
	fmt.Println("+---------------------------------------------------------------+")
	fmt.Printf("\nRepository:  %s\n", cfg.Repository.Driver)
	fmt.Printf("Labels:      %s\n", labelSource(*txPath, cfg.Graph.Driver))
	fmt.Printf("Threshold:   %.2f\n", *threshold)
	fmt.Printf("Top-N:       %d\n", *topN)
	fmt.Println()

	ctx := context.Background()
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		fmt.Printf("ERROR: Failed to open repository: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	b, err := bundle.Load(ctx, repo, *version)
	if err != nil {
		fmt.Printf("ERROR: Failed to load bundle: %v\n", err)
		fmt.Println("\nPublish one first:")
		fmt.Println("  go run ./cmd/sentinel batch")
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded bundle %s (%d accounts)\n", b.Version(), b.Len())

	illicit, err := readLabels(ctx, cfg, *txPath)
	if err != nil {
		fmt.Printf("ERROR: Failed to read labels: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d illicit account labels\n", len(illicit))

	start := time.Now()
	m := evaluate(b, illicit, *threshold, *topN)
	printResults(m, time.Since(start))
}

func labelSource(txPath, driver string) string {
	if txPath != "" {
		return txPath
	}
	return "graph store (" + driver + ")"
}

// readLabels returns the set of accounts touched by an illicit transfer.
func readLabels(ctx context.Context, cfg *domain.Config, txPath string) (map[string]bool, error) {
	illicit := make(map[string]bool)

	if txPath != "" {
		file, err := os.Open(txPath)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		transfers, err := graphstore.ReadTransfersCSV(file)
		if err != nil {
			return nil, err
		}
		for _, t := range transfers {
			if t.IsIllicit {
				illicit[t.Source] = true
				illicit[t.Target] = true
			}
		}
		return illicit, nil
	}

	store, err := graphstore.New(ctx, cfg.Graph)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	tallies, err := store.PatternTallies(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tallies {
		if t.Count > 0 {
			illicit[t.AccountID] = true
		}
	}
	return illicit, nil
}

// evaluate scores every account of the bundle against the labels.
func evaluate(b *bundle.Bundle, illicit map[string]bool, threshold float64, topN int) *Metrics {
	m := &Metrics{TotalAccounts: b.Len()}
	fs := b.Features()

	for id := range illicit {
		if _, ok := fs.Index(id); !ok {
			m.Unlabelled++
		}
	}

	order := make([]int, b.Len())
	for i := 0; i < b.Len(); i++ {
		order[i] = i

		predicted := b.RiskAt(i) >= threshold
		actual := illicit[fs.ID(i)]
		if actual {
			m.TotalIllicit++
		}

		switch {
		case predicted && actual:
			m.TruePositives++
		case predicted && !actual:
			m.FalsePositives++
		case !predicted && !actual:
			m.TrueNegatives++
		default:
			m.FalseNegatives++
		}
	}

	sort.SliceStable(order, func(x, y int) bool {
		return b.RiskAt(order[x]) > b.RiskAt(order[y])
	})
	if topN > len(order) {
		topN = len(order)
	}
	if topN < 0 {
		topN = 0
	}
	m.TopN = topN
	for _, i := range order[:topN] {
		if illicit[fs.ID(i)] {
			m.TopHits++
		}
	}
	return m
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n+---------------------------------------------------------------+")
	fmt.Println("|                      BENCHMARK RESULTS                        |")
	fmt.Println("+---------------------------------------------------------------+")

	fmt.Printf("\nDATASET STATISTICS\n")
	fmt.Printf("   Total Accounts:   %d\n", m.TotalAccounts)
	fmt.Printf("   Total Illicit:    %d\n", m.TotalIllicit)
	fmt.Printf("   Total Licit:      %d\n", m.TotalAccounts-m.TotalIllicit)
	if m.Unlabelled > 0 {
		fmt.Printf("   Not in bundle:    %d\n", m.Unlabelled)
	}

	fmt.Printf("\nCONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                  FLAGGED     CLEAR")
	fmt.Println("              +----------+----------+")
	fmt.Printf("   Actual  I  | %8d | %8d |  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              +----------+----------+")
	fmt.Printf("           L  | %8d | %8d |  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              +----------+----------+")

	fmt.Printf("\nDETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of flagged accounts, how many were illicit)\n", m.Precision())
	fmt.Printf("   Recall:     %.4f  (of illicit accounts, how many were flagged)\n", m.Recall())
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", m.F1())
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", m.Accuracy())
	fmt.Printf("   Top-%d hit rate: %.4f  (%d / %d)\n", m.TopN, m.HitRate(), m.TopHits, m.TopN)

	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Scoring Duration: %v\n", duration.Round(time.Microsecond))

	fmt.Printf("\nINTERPRETATION\n")
	recall := m.Recall()
	switch {
	case recall >= 0.9:
		fmt.Println("   Excellent recall - catching most illicit accounts")
	case recall >= 0.7:
		fmt.Println("   Good recall - but missing some illicit accounts")
	case recall >= 0.5:
		fmt.Println("   Moderate recall - significant laundering being missed")
	default:
		fmt.Println("   Poor recall - most illicit accounts are being missed!")
	}

	precision := m.Precision()
	switch {
	case precision >= 0.5:
		fmt.Println("   Good precision - flags are meaningful")
	case precision >= 0.2:
		fmt.Println("   Low precision - many false alarms")
	default:
		fmt.Println("   Very low precision - mostly false alarms")
	}

	fmt.Println()
}
