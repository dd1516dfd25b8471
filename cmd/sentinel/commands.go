package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/api"
	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/bus"
	"github.com/opensource-finance/sentinel/internal/cache"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/graphstore"
	"github.com/opensource-finance/sentinel/internal/metrics"
	"github.com/opensource-finance/sentinel/internal/pipeline"
	"github.com/opensource-finance/sentinel/internal/reporting"
	"github.com/opensource-finance/sentinel/internal/repository"
	"github.com/opensource-finance/sentinel/internal/telemetry"
	"github.com/opensource-finance/sentinel/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve scores and explanations over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

func serve(cfg *domain.Config) error {
	slog.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := graphstore.New(ctx, cfg.Graph)
	if err != nil {
		return fmt.Errorf("failed to initialize graph store: %w", err)
	}
	defer store.Close()
	slog.Info("graph store initialized", "driver", cfg.Graph.Driver)

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	tel := telemetry.New()
	holder := bundle.NewHolder(nil)
	reloader := worker.NewReloader(busImpl, repo, holder, tel)

	// Scores are never served from an unverified bundle.
	if _, err := reloader.Reload(ctx, ""); err != nil {
		return fmt.Errorf("cannot serve without a valid active bundle (run `sentinel batch` first): %w", err)
	}
	if err := reloader.Start(); err != nil {
		return fmt.Errorf("failed to start reloader: %w", err)
	}
	defer reloader.Stop()

	engine, err := metrics.NewDefaultEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize metric engine: %w", err)
	}
	slog.Info("metric engine initialized", "metrics_count", engine.Count())

	runner := pipeline.New(store, repo, busImpl, tel, cfg.Model, cfg.Explain)
	scheduler := pipeline.NewScheduler(runner, cfg.Batch.Interval)
	scheduler.Start()
	defer scheduler.Stop()

	svc := reporting.NewService(holder, store, cacheImpl, engine, tel, reporting.Config{
		Reporting: cfg.Reporting,
		Explain:   cfg.Explain,
	})
	reloader.OnSwap(func(ctx context.Context, prev, next *bundle.Bundle) {
		if prev != nil && prev.Version() != next.Version() {
			svc.Invalidate(ctx, prev.Version())
		}
	})
	srv := api.NewServer(cfg.Server, api.Deps{
		Service:    svc,
		Reloader:   reloader,
		Repository: repo,
		Store:      store,
		Cache:      cacheImpl,
		Metrics:    tel,
		Version:    Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("sentinel is ready",
		"addr", srv.Addr(),
		"model_version", holder.Load().Version(),
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("sentinel shutdown complete")
	return nil
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract features, train every model and publish a new bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		store, err := graphstore.New(ctx, cfg.Graph)
		if err != nil {
			return fmt.Errorf("failed to initialize graph store: %w", err)
		}
		defer store.Close()

		repo, err := repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()

		busImpl, err := bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer busImpl.Close()

		res, err := pipeline.New(store, repo, busImpl, nil, cfg.Model, cfg.Explain).Run(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published %s: %d accounts, %d edges, %d illicit labels, fidelity %.3f (%s)\n",
			res.Version, res.Accounts, res.Edges, res.IllicitLabels, res.Fidelity, res.Duration.Round(time.Millisecond))
		return nil
	},
}

var (
	accountsPath     string
	transactionsPath string
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Ingest accounts and transactions CSV files into the graph store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := graphstore.New(ctx, cfg.Graph)
		if err != nil {
			return fmt.Errorf("failed to initialize graph store: %w", err)
		}
		defer store.Close()

		accounts, transfers, err := graphstore.LoadCSVFiles(ctx, store, accountsPath, transactionsPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d accounts and %d transfers into %s\n", accounts, transfers, cfg.Graph.Driver)
		return nil
	},
}

var bundlesCmd = &cobra.Command{
	Use:   "bundles",
	Short: "Inspect and roll back published model bundles",
}

var bundlesLimit int

var bundlesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List published bundles, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		bundles, err := repo.ListBundles(cmd.Context(), bundlesLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VERSION\tCREATED\tACCOUNTS\tEDGES\tILLICIT\tACTIVE")
		for _, b := range bundles {
			active := ""
			if b.Active {
				active = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
				b.Version, b.CreatedAt.UTC().Format(time.RFC3339), b.Accounts, b.Edges, b.IllicitLabels, active)
		}
		return w.Flush()
	},
}

var bundlesActivateCmd = &cobra.Command{
	Use:   "activate <version>",
	Short: "Mark a stored bundle active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		ctx := cmd.Context()
		// Refuse to activate a bundle that would not load.
		if _, err := bundle.Load(ctx, repo, args[0]); err != nil {
			return fmt.Errorf("bundle %s is not loadable: %w", args[0], err)
		}
		if err := repo.Activate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "activated %s\n", args[0])
		return nil
	},
}

func openRepository() (*repository.SQLRepository, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	return repo, nil
}

func init() {
	loadCmd.Flags().StringVar(&accountsPath, "accounts", "accounts.csv", "accounts CSV file")
	loadCmd.Flags().StringVar(&transactionsPath, "transactions", "transactions.csv", "transactions CSV file")

	bundlesListCmd.Flags().IntVar(&bundlesLimit, "limit", 20, "maximum number of bundles")
	bundlesCmd.AddCommand(bundlesListCmd)
	bundlesCmd.AddCommand(bundlesActivateCmd)
}
