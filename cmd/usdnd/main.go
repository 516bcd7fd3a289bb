package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"UsdnLedger/internal/config"
	"UsdnLedger/internal/core"
	"UsdnLedger/internal/ingestion"
	"UsdnLedger/internal/observability"
	"UsdnLedger/internal/oracle"
	"UsdnLedger/internal/persistence"
	"UsdnLedger/internal/query"
	"UsdnLedger/internal/server"
)

const (
	requestChanSize  = 4096
	persistChanSize  = 1024
	outboundChanSize = 4096
	dedupLRUCapacity = 1_000_000
)

func main() {
	configPath := flag.String("config", "usdn.toml", "path to the TOML configuration file")
	flag.Parse()

	log := observability.NewLogger("usdnd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().Str("oracle", cfg.Oracle.Source).Msg("usdnd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	// --- Protocol ---
	params, err := core.ParamsFromConfig(cfg.Protocol)
	if err != nil {
		log.Fatal().Err(err).Msg("protocol params")
	}
	oracleFee, err := uint256.FromDecimal(cfg.Oracle.Fee)
	if err != nil {
		log.Fatal().Err(err).Str("fee", cfg.Oracle.Fee).Msg("oracle fee")
	}
	source, err := oracle.NewSource(cfg.Oracle.Source, oracleFee)
	if err != nil {
		log.Fatal().Err(err).Msg("oracle source")
	}
	initialPrice, err := uint256.FromDecimal(cfg.Protocol.InitialPrice)
	if err != nil {
		log.Fatal().Err(err).Str("price", cfg.Protocol.InitialPrice).Msg("initial price")
	}

	// --- NATS ---
	nc, js, err := ingestion.Connect(cfg.NATS.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure request streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	protocol := core.NewProtocol(
		params,
		oracle.NewMiddleware(source, cfg.Oracle.MaxAgeSeconds),
		&natsTrigger{js: js, log: log},
		metrics,
		log,
		initialPrice,
		time.Now().Unix(),
	)

	// --- Recovery ---
	snapshots := persistence.NewSnapshotStore(db)
	writer := persistence.NewActionLogWriter(db)
	if err := restore(ctx, protocol, snapshots, writer, log); err != nil {
		log.Fatal().Err(err).Msg("restore state")
	}

	// --- Dedup ---
	dbDedup := persistence.NewDBDedup(db)
	dedup := ingestion.NewDedup(dedupLRUCapacity, dbDedup, metrics)
	if keys, err := dbDedup.RecentKeys(ctx, dedupLRUCapacity); err != nil {
		log.Warn().Err(err).Msg("dedup warm skipped")
	} else {
		dedup.Warm(keys)
		log.Info().Int("keys", len(keys)).Msg("dedup warmed")
	}

	// --- Pipeline ---
	requests := make(chan ingestion.RawRequest, requestChanSize)
	persistChan := make(chan persistence.ActionRow, persistChanSize)
	outboundChan := make(chan ingestion.OutboundEvent, outboundChanSize)

	subscriber := ingestion.NewSubscriber(js, requests, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	dispatcher := ingestion.NewDispatcher(protocol, dedup, requests, persistChan, outboundChan, metrics, log)
	worker := persistence.NewWorker(db, persistChan, cfg.Postgres.PersistBatchSize, cfg.Postgres.PersistFlushTimeout, metrics, log)
	publisher := ingestion.NewPublisher(js, outboundChan, log)

	apiServer := server.New(cfg.Server.HTTPAddr, protocol, query.NewService(db), jsSubmitter{js: js}, health, metrics, log)
	metricsServer := server.NewMetricsServer(cfg.Server.MetricsAddr)

	errChan := make(chan error, 8)
	go func() { errChan <- dispatcher.Run(ctx) }()
	go func() { errChan <- worker.Run(ctx) }()
	go func() { errChan <- publisher.Run(ctx) }()
	go func() { errChan <- apiServer.Start(ctx) }()
	go func() {
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.Server.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go runPeriodicSnapshots(ctx, protocol, snapshots, cfg.Postgres.SnapshotIntervalSec, metrics, log)

	health.SetReady(true)
	log.Info().
		Int64("sequence", protocol.Sequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("usdnd ready")

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	cancel()
	subscriber.Stop()

	// Let the dispatcher drain before the worker's final flush sees the close.
	time.Sleep(100 * time.Millisecond)
	close(persistChan)
	close(outboundChan)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := takeSnapshot(shutdownCtx, protocol, snapshots, metrics); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("usdnd shutdown complete")
}

// restore loads the latest snapshot into the protocol. The action log holds
// outcomes, not requests, so calls committed after the last snapshot cannot be
// replayed; a gap is reported and the operator decides whether to proceed.
func restore(
	ctx context.Context,
	protocol *core.Protocol,
	snapshots *persistence.SnapshotStore,
	writer *persistence.ActionLogWriter,
	log zerolog.Logger,
) error {
	data, sequence, err := snapshots.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if data == nil {
		log.Info().Msg("no snapshot, cold start from sequence 0")
		return nil
	}

	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot seq %d: %w", sequence, err)
	}
	if err := protocol.RestoreSnapshot(&snap); err != nil {
		return fmt.Errorf("restore snapshot seq %d: %w", sequence, err)
	}
	log.Info().Int64("sequence", sequence).Msg("snapshot restored")

	head, err := writer.LatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("action log head: %w", err)
	}
	if head >= sequence {
		log.Warn().
			Int64("snapshot", sequence).
			Int64("log_head", head).
			Msg("action log is ahead of the snapshot; calls since the snapshot are not in memory")
	}
	return nil
}

func runPeriodicSnapshots(
	ctx context.Context,
	protocol *core.Protocol,
	snapshots *persistence.SnapshotStore,
	intervalSec int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	if intervalSec <= 0 {
		intervalSec = 60
	}
	ticker := time.NewTicker(time.Duration(intervalSec) * time.Second)
	defer ticker.Stop()

	lastSequence := protocol.Sequence()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := protocol.Sequence()
			if current == lastSequence {
				continue
			}
			if err := takeSnapshot(ctx, protocol, snapshots, metrics); err != nil {
				log.Warn().Err(err).Msg("periodic snapshot failed")
				continue
			}
			lastSequence = current
			log.Info().Int64("sequence", current).Msg("snapshot taken")
		}
	}
}

func takeSnapshot(
	ctx context.Context,
	protocol *core.Protocol,
	snapshots *persistence.SnapshotStore,
	metrics *observability.Metrics,
) error {
	start := time.Now()

	snap := protocol.CreateSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := snapshots.Save(ctx, snap.Sequence, snap.StateHash, data); err != nil {
		return err
	}
	if err := snapshots.Prune(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// jsSubmitter publishes HTTP-submitted requests into the request streams.
type jsSubmitter struct {
	js jetstream.JetStream
}

func (s jsSubmitter) Submit(ctx context.Context, subject string, body []byte) error {
	_, err := s.js.Publish(ctx, subject, body)
	return err
}

// natsTrigger reports rebalancer decisions to the keeper fleet. The protocol
// holds its mutex while triggering, so the publish is fire and forget.
type natsTrigger struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func (t *natsTrigger) TriggerOpen(ctx context.Context, imbalanceBps int64) error {
	return t.publish("open", imbalanceBps)
}

func (t *natsTrigger) TriggerClose(ctx context.Context, imbalanceBps int64) error {
	return t.publish("close", imbalanceBps)
}

func (t *natsTrigger) publish(action string, imbalanceBps int64) error {
	payload, err := json.Marshal(map[string]interface{}{
		"action":        action,
		"imbalance_bps": imbalanceBps,
		"ts":            time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	if _, err := t.js.PublishAsync("usdn.events.rebalancer", payload); err != nil {
		t.log.Warn().Err(err).Str("action", action).Msg("rebalancer publish failed")
		return err
	}
	return nil
}
