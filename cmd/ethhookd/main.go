package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"path"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/textileio/cli"
	"golang.org/x/sync/errgroup"

	"github.com/ethhook/ethhook/buildinfo"
	"github.com/ethhook/ethhook/internal/configstore"
	"github.com/ethhook/ethhook/internal/ethhook"
	"github.com/ethhook/ethhook/pkg/backup"
	"github.com/ethhook/ethhook/pkg/backup/restorer"
	"github.com/ethhook/ethhook/pkg/dedup"
	"github.com/ethhook/ethhook/pkg/delivery"
	"github.com/ethhook/ethhook/pkg/eventstream"
	"github.com/ethhook/ethhook/pkg/filtermanager"
	"github.com/ethhook/ethhook/pkg/healthserver"
	"github.com/ethhook/ethhook/pkg/ingestor"
	"github.com/ethhook/ethhook/pkg/logging"
	"github.com/ethhook/ethhook/pkg/matcher"
	"github.com/ethhook/ethhook/pkg/metrics"
	"github.com/ethhook/ethhook/pkg/sharedmemory"
)

// chainClient composes a push-subscription client and a request/response
// client into one ingestor.ChainClient, since a Chain's PushURL and
// RequestURL may point at different provider endpoints (spec.md §3).
type chainClient struct {
	push    *ethclient.Client
	request *ethclient.Client
}

func (c chainClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	return c.push.SubscribeNewHead(ctx, ch)
}

func (c chainClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return c.request.FilterLogs(ctx, q)
}

func (c chainClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return c.request.HeaderByNumber(ctx, number)
}

func main() {
	conf, dirPath := setupConfig()

	logging.SetupLogger(buildinfo.GitCommit, conf.Log.Debug, conf.Log.Human)
	log.Info().Interface("build", buildinfo.GetSummary()).Msg("starting ethhookd")

	if err := metrics.SetupInstrumentation(":"+conf.Metrics.Port, "ethhook:ethhookd"); err != nil {
		log.Fatal().Err(err).Str("port", conf.Metrics.Port).Msg("could not setup instrumentation")
	}

	configStorePath := path.Join(dirPath, conf.ConfigStore.Path)
	if conf.BootstrapBackupURL != "" {
		if err := restoreBootstrapBackup(configStorePath, conf.BootstrapBackupURL); err != nil {
			log.Fatal().Err(err).Msg("restoring bootstrap backup")
		}
	}

	store, err := configstore.Open(configStorePath)
	if err != nil {
		log.Fatal().Err(err).Msg("opening config store")
	}
	queries := configstore.NewQueries(store)

	closeBackupScheduler := func() {}
	if conf.Backup.Enabled {
		closeBackupScheduler, err = createBackuper(configStorePath, path.Join(dirPath, conf.Backup.Dir), conf.Backup)
		if err != nil {
			log.Fatal().Err(err).Msg("creating backup scheduler")
		}
	}

	redisOpts, err := redis.ParseURL(conf.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Str("url", conf.Redis.URL).Msg("parsing redis url")
	}
	redisClient := redis.NewClient(redisOpts)

	dedupTTL, err := time.ParseDuration(conf.Dedup.TTL)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing dedup ttl")
	}
	deduplicator := dedup.New(redisClient, dedupTTL)

	refreshInterval, err := time.ParseDuration(conf.FilterManager.RefreshInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing filter manager refresh interval")
	}

	sm := sharedmemory.NewSharedMemory()

	chainIDs := make([]ethhook.ChainID, 0, len(conf.Chains))
	for _, c := range conf.Chains {
		chainIDs = append(chainIDs, ethhook.ChainID(c.ChainID))
	}

	fm := filtermanager.New(queries, sm, chainIDs, refreshInterval)

	engine, err := delivery.New(sm, queries)
	if err != nil {
		log.Fatal().Err(err).Msg("creating delivery engine")
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error { return fm.Run(gCtx) })

	chainStates := make(map[ethhook.ChainID]stateStringerAdapter, len(conf.Chains))
	for _, cfg := range conf.Chains {
		cfg := cfg
		chain := ethhook.Chain{
			ID:         ethhook.ChainID(cfg.ChainID),
			Name:       cfg.Name,
			PushURL:    cfg.PushURL,
			RequestURL: cfg.RequestURL,
		}

		pushClient, err := ethclient.Dial(chain.PushURL)
		if err != nil {
			log.Fatal().Err(err).Uint64("chain_id", cfg.ChainID).Msg("dialing chain push endpoint")
		}
		requestClient := pushClient
		if chain.RequestURL != "" && chain.RequestURL != chain.PushURL {
			requestClient, err = ethclient.Dial(chain.RequestURL)
			if err != nil {
				log.Fatal().Err(err).Uint64("chain_id", cfg.ChainID).Msg("dialing chain request endpoint")
			}
		}
		client := chainClient{push: pushClient, request: requestClient}

		stream := eventstream.New(redisClient, chain.ID)

		task := ingestor.New(chain, client, sm, deduplicator, stream)
		chainStates[chain.ID] = task

		consumer := matcher.NewConsumer(chain.ID, stream, conf.Processor.ConsumerGroup, "ethhookd", sm, engine)

		g.Go(func() error { return task.Run(gCtx) })
		g.Go(func() error { return consumer.Run(gCtx) })
		g.Go(func() error { return runStreamTrimLoop(gCtx, stream) })
	}

	ops := healthserver.New(":"+conf.Health.Port, toStateStringerMap(chainStates))
	go func() {
		if err := ops.Serve(); err != nil && !isServerClosed(err) {
			log.Error().Err(err).Msg("ops http server stopped")
		}
	}()

	cli.HandleInterrupt(func() {
		log.Info().Msg("shutting down...")

		cancelRun()
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Msg("pipeline task exited with error")
		}

		drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
		if err := engine.Shutdown(drainCtx); err != nil {
			log.Warn().Err(err).Msg("delivery drain grace expired, in-flight requests aborted")
		}
		cancelDrain()
		closeBackupScheduler()

		shutdownCtx, cls := context.WithTimeout(context.Background(), 10*time.Second)
		defer cls()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutting down ops http server")
		}

		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("closing redis client")
		}
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing config store")
		}

		log.Info().Msg("shutdown complete")
	})
}

// stateStringerAdapter is the subset of *ingestor.Task healthserver needs.
type stateStringerAdapter interface {
	State() ingestor.State
}

func toStateStringerMap(chains map[ethhook.ChainID]stateStringerAdapter) map[ethhook.ChainID]fmt.Stringer {
	out := make(map[ethhook.ChainID]fmt.Stringer, len(chains))
	for id, task := range chains {
		task := task
		out[id] = stringerFunc(func() string { return task.State().String() })
	}
	return out
}

// stringerFunc adapts a closure to fmt.Stringer.
type stringerFunc func() string

func (f stringerFunc) String() string { return f() }

func isServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}

// restoreBootstrapBackup fetches and loads backupURL over configStorePath
// before the Config Store is opened, grounded on cmd/api/main.go's
// restoreBackup. Used to seed a fresh node from another node's backup.
func restoreBootstrapBackup(configStorePath, backupURL string) error {
	restorer, err := restorer.NewBackupRestorer(backupURL, "file://"+configStorePath)
	if err != nil {
		return fmt.Errorf("creating restorer: %w", err)
	}

	log.Info().Msg("starting bootstrap backup restore")
	started := time.Now()
	if err := restorer.Restore(); err != nil {
		return fmt.Errorf("restoring backup: %w", err)
	}
	log.Info().Float64("elapsed_time_seconds", time.Since(started).Seconds()).Msg("bootstrap backup restore finished")

	return nil
}

// createBackuper starts the Config Store's periodic backup scheduler,
// grounded on cmd/api/main.go's createBackuper: a SQLite backup on a fixed
// cadence, optionally vacuumed and zstd-compressed, with old backups
// pruned to a fixed count. Returns a closer that stops the scheduler.
func createBackuper(configStorePath, backupDir string, cfg BackupConfig) (func(), error) {
	scheduler, err := backup.NewScheduler(cfg.Frequency, backup.BackuperOptions{
		SourcePath: configStorePath,
		BackupDir:  backupDir,
		Opts: []backup.Option{
			backup.WithCompression(cfg.EnableCompression),
			backup.WithVacuum(cfg.EnableVacuum),
			backup.WithPruning(cfg.Pruning.Enabled, cfg.Pruning.KeepFiles),
		},
	}, false)
	if err != nil {
		return nil, fmt.Errorf("creating backup scheduler: %w", err)
	}
	go scheduler.Run()
	return scheduler.Shutdown, nil
}

// streamTrimInterval is how often each chain's stream is swept for entries
// past eventstream.Retention; the stream is a handoff buffer, not a replay
// log, so trimming on a slow cadence is sufficient (§4.4).
const streamTrimInterval = time.Hour

// runStreamTrimLoop periodically trims stream's entries older than
// eventstream.Retention until ctx is cancelled.
func runStreamTrimLoop(ctx context.Context, stream *eventstream.Stream) error {
	ticker := time.NewTicker(streamTrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := stream.TrimOlderThan(ctx, time.Now()); err != nil {
				log.Warn().Err(err).Msg("trimming event stream")
			}
		}
	}
}
