package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/composablefi/picasso-indexer/internal/config"
	"github.com/composablefi/picasso-indexer/internal/logger"
	"github.com/composablefi/picasso-indexer/internal/metrics"
	"github.com/composablefi/picasso-indexer/internal/metrics/prometheus"
	"github.com/composablefi/picasso-indexer/internal/shutdown"
	"github.com/composablefi/picasso-indexer/pkg/chainState/accounts"
	"github.com/composablefi/picasso-indexer/pkg/chainState/bondedFinance"
	"github.com/composablefi/picasso-indexer/pkg/chainState/pabloPools"
	"github.com/composablefi/picasso-indexer/pkg/chainState/rewardPools"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stakingPositions"
	"github.com/composablefi/picasso-indexer/pkg/chainState/stateManager"
	"github.com/composablefi/picasso-indexer/pkg/clients/picasso"
	"github.com/composablefi/picasso-indexer/pkg/fetcher"
	"github.com/composablefi/picasso-indexer/pkg/indexer"
	"github.com/composablefi/picasso-indexer/pkg/lockedValue"
	"github.com/composablefi/picasso-indexer/pkg/pipeline"
	"github.com/composablefi/picasso-indexer/pkg/postgres"
	"github.com/composablefi/picasso-indexer/pkg/postgres/migrations"
	"github.com/composablefi/picasso-indexer/pkg/squid"
	pgStorage "github.com/composablefi/picasso-indexer/pkg/storage/postgres"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the indexer",
	Run: func(cmd *cobra.Command, args []string) {
		initRunCmd(cmd)
		cfg := config.NewConfig()
		ctx := context.Background()

		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: cfg.Debug})

		metricsClients, err := metrics.InitMetricsSinksFromConfig(cfg, l)
		if err != nil {
			l.Sugar().Fatal("Failed to setup metrics sinks", zap.Error(err))
		}
		sink, err := metrics.NewMetricsSink(&metrics.MetricsSinkConfig{}, metricsClients)
		if err != nil {
			l.Sugar().Fatal("Failed to setup metrics sink", zap.Error(err))
		}

		prometheusShutdown := make(chan bool)
		if cfg.PrometheusConfig.Enabled {
			promServer := prometheus.NewPrometheusServer(&prometheus.PrometheusServerConfig{
				Port: cfg.PrometheusConfig.Port,
			}, l)
			if err := promServer.Start(prometheusShutdown); err != nil {
				l.Sugar().Fatalw("Failed to start prometheus server", zap.Error(err))
			}
		}

		client := picasso.NewClient(picasso.ConvertGlobalConfigToPicassoConfig(&cfg.ChainRpcConfig), l)

		pgConfig := postgres.PostgresConfigFromDbConfig(&cfg.DatabaseConfig)
		pgConfig.CreateDbIfNotExists = true

		pg, err := postgres.NewPostgres(pgConfig)
		if err != nil {
			l.Fatal("Failed to setup postgres connection", zap.Error(err))
		}

		grm, err := postgres.NewGormFromPostgresConnection(pg.Db)
		if err != nil {
			l.Fatal("Failed to create gorm instance", zap.Error(err))
		}

		migrator := migrations.NewMigrator(pg.Db, grm, l)
		if err = migrator.MigrateAll(); err != nil {
			l.Fatal("Failed to migrate", zap.Error(err))
		}

		mds := pgStorage.NewPostgresBlockStore(grm, l, cfg)

		sm := stateManager.NewChainStateManager(l, grm)

		if _, err := pabloPools.NewPabloPoolsModel(sm, grm, l, cfg); err != nil {
			l.Sugar().Fatalw("Failed to create PabloPoolsModel", zap.Error(err))
		}
		if _, err := bondedFinance.NewBondedFinanceModel(sm, grm, l, cfg); err != nil {
			l.Sugar().Fatalw("Failed to create BondedFinanceModel", zap.Error(err))
		}
		if _, err := stakingPositions.NewStakingPositionsModel(sm, grm, l, cfg); err != nil {
			l.Sugar().Fatalw("Failed to create StakingPositionsModel", zap.Error(err))
		}
		if _, err := rewardPools.NewRewardPoolsModel(sm, grm, l, cfg); err != nil {
			l.Sugar().Fatalw("Failed to create RewardPoolsModel", zap.Error(err))
		}
		if _, err := accounts.NewAccountsModel(sm, grm, l, cfg); err != nil {
			l.Sugar().Fatalw("Failed to create AccountsModel", zap.Error(err))
		}
		sm.ResolveRoutes()

		fetchr := fetcher.NewFetcher(client, cfg, l)

		idxr := indexer.NewIndexer(mds, cfg, l)

		lvc := lockedValue.NewCalculator(grm, l, cfg)

		p := pipeline.NewPipeline(fetchr, idxr, mds, sm, lvc, sink, l)

		genesisBlock, err := cfg.GetGenesisBlockHeight()
		if err != nil {
			l.Sugar().Fatalw("Failed to resolve genesis block height", zap.Error(err))
		}

		sq := squid.NewSquid(&squid.SquidConfig{
			GenesisBlockHeight: genesisBlock,
		}, cfg, mds, p, sm, sink, l, client)

		// Keep the locked value series current even when the chain is quiet.
		cronScheduler := cron.New()
		if _, err := cronScheduler.AddFunc(cfg.LockedValueConfig.RefreshSchedule, func() {
			if err := lvc.RefreshLatest(mds); err != nil {
				l.Sugar().Errorw("Failed to refresh locked values", zap.Error(err))
			}
		}); err != nil {
			l.Sugar().Fatalw("Failed to schedule locked value refresh", zap.Error(err))
		}
		cronScheduler.Start()

		// Start the indexer main process in a goroutine so that we can listen for a shutdown signal
		go sq.Start(ctx)

		l.Sugar().Info("Started indexer")

		gracefulShutdown := shutdown.CreateGracefulShutdownChannel()

		done := make(chan bool)
		shutdown.ListenForShutdown(gracefulShutdown, done, func() {
			l.Sugar().Info("Shutting down...")
			cronScheduler.Stop()
			if cfg.PrometheusConfig.Enabled {
				prometheusShutdown <- true
			}
			sq.ShutdownChan <- true
		}, time.Second*5, l)
	},
}

func initRunCmd(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err := viper.BindPFlag(config.KebabToSnakeCase(f.Name), f); err != nil {
			fmt.Printf("Failed to bind flag '%s' - %+v\n", f.Name, err)
		}
		if err := viper.BindEnv(f.Name); err != nil {
			fmt.Printf("Failed to bind env '%s' - %+v\n", f.Name, err)
		}
	})
}
