package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wakala/agentsettle/internal/api"
	"github.com/wakala/agentsettle/internal/cache"
	"github.com/wakala/agentsettle/internal/config"
	"github.com/wakala/agentsettle/internal/debt"
	"github.com/wakala/agentsettle/internal/directory"
	"github.com/wakala/agentsettle/internal/domain"
	"github.com/wakala/agentsettle/internal/ingestion"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/metrics"
	"github.com/wakala/agentsettle/internal/reconciliation"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/settlement"
	"github.com/wakala/agentsettle/internal/store"
)

func main() {
	// A missing .env is fine; the environment wins anyway.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: "agentsettle",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		Console:     cfg.App.IsDev(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server stopped", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Infof(ctx, "opening store at %s", cfg.Store.Path)
	s, err := store.OpenSQLite(cfg.Store.Path, cfg.Store.Timeout)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	var dirCache cache.Cache = cache.Nop{}
	if cfg.Redis.Enabled() {
		rc, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			// The directory works without a cache, only slower.
			log.Error(ctx, "redis unavailable, directory cache disabled", err)
		} else {
			defer rc.Close()
			dirCache = rc
			log.Info(ctx, "directory cache backed by redis")
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	txns := repository.NewTransactionRepo(s)
	sessions := repository.NewSessionRepo(s)
	settlements := repository.NewSettlementRepo(s)
	dirRepo := repository.NewDirectoryRepo(s, dirCache)

	svc := api.Services{
		Ingestion: ingestion.NewService(s, txns, log, m),
		Matching:  reconciliation.NewService(s, sessions, txns, dirRepo, log, m),
		Ledger:    settlement.NewService(s, sessions, txns, settlements, dirRepo, log, m),
		Debt:      debt.NewAggregator(sessions, settlements, dirRepo, log, m, cfg.Report.Timeout),
		Directory: directory.NewService(dirRepo, log),
	}

	if cfg.Seed.OnEmpty {
		merchantCount, agentCount, err := txns.Counts(ctx)
		if err != nil {
			return fmt.Errorf("count transactions: %w", err)
		}
		if merchantCount == 0 && agentCount == 0 {
			log.Info(ctx, "store is empty, seeding from "+cfg.Seed.Dir)
			if err := seed(ctx, cfg.Seed.Dir, dirRepo, svc); err != nil {
				log.Warn(ctx, "seeding failed: "+err.Error())
			}
		} else {
			log.Infof(ctx, "store already has %d merchant and %d agent transactions, skipping seed", merchantCount, agentCount)
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           api.NewRouter(svc, log, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof(ctx, "listening on http://localhost:%s (API base /api/v1)", cfg.App.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// seed loads the generated directory and transaction files, then runs one
// matching session over the seeded upload.
func seed(ctx context.Context, dir string, dirRepo *repository.DirectoryRepo, svc api.Services) error {
	var agents []domain.Agent
	if err := readJSON(dir, "agents.json", &agents); err != nil {
		return err
	}
	var merchants []domain.Merchant
	if err := readJSON(dir, "merchants.json", &merchants); err != nil {
		return err
	}
	var merchantTxns []domain.MerchantTransaction
	if err := readJSON(dir, "merchant_batch.json", &merchantTxns); err != nil {
		return err
	}
	var agentTxns []domain.AgentTransaction
	if err := readJSON(dir, "agent_batch.json", &agentTxns); err != nil {
		return err
	}

	// Seeded agents keep their legacy flat rates, so they go to the
	// repository directly.
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
		if err := dirRepo.SaveAgent(ctx, a); err != nil {
			return fmt.Errorf("seed agent %s: %w", a.ID, err)
		}
	}
	for _, m := range merchants {
		if _, err := svc.Directory.UpsertMerchant(ctx, m); err != nil {
			return fmt.Errorf("seed merchant %s: %w", m.Code, err)
		}
	}

	res, err := svc.Ingestion.IngestMerchantBatch(ctx, merchantTxns)
	if err != nil {
		return fmt.Errorf("seed merchant transactions: %w", err)
	}
	if _, err := svc.Ingestion.IngestAgentBatch(ctx, agentTxns); err != nil {
		return fmt.Errorf("seed agent transactions: %w", err)
	}
	if _, err := svc.Matching.RunMatchingForUpload(ctx, res.UploadSessionID); err != nil {
		return fmt.Errorf("seed matching: %w", err)
	}
	return nil
}

func readJSON(dir, name string, dest any) error {
	candidates := []string{filepath.Join(dir, name)}
	if exe, err := os.Executable(); err == nil {
		base := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(base, dir, name),
			filepath.Join(base, "..", "..", dir, name),
		)
	}

	var loadErr error
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = err
			continue
		}
		if err := json.Unmarshal(data, dest); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("could not find %s in any candidate path: %w", name, loadErr)
}
