package main

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/muchq/gradhub/cluster"
	"github.com/muchq/gradhub/config"
	"github.com/muchq/gradhub/coordinator"
	"github.com/muchq/gradhub/engine"
	"github.com/muchq/gradhub/history"
	"github.com/muchq/gradhub/metrics"
	"github.com/muchq/gradhub/tensor"
	"github.com/muchq/gradhub/transport"
	"github.com/muchq/gradhub/worker"
)

// buildEngine constructs the synthetic regression engine every rank
// trains on; the shared seed keeps datasets identical across ranks.
func buildEngine(cfg config.Config) *engine.Linear {
	return engine.NewSyntheticLinear(cfg.DatasetSize, cfg.FeatureDim, cfg.Seed)
}

func newCoordinatorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Run the rank-0 coordinator over the websocket transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			eng := buildEngine(cfg)
			shapes := engine.TrainableShapes(eng)
			lens := make([]int, len(shapes))
			for i, s := range shapes {
				lens[i] = tensor.SizeOf(s)
			}
			agg, err := cluster.BuildAggregator(cfg, lens)
			if err != nil {
				return err
			}

			hub, err := transport.ListenHub(cfg.ListenAddr, cfg.Workers+1)
			if err != nil {
				return err
			}
			defer hub.Close()
			slog.Info("waiting for workers", "addr", hub.Addr(), "workers", cfg.Workers)
			if err := hub.WaitReady(cfg.Timeout()); err != nil {
				return err
			}

			runID := uuid.NewString()
			coord, err := coordinator.New(hub, cluster.BuildCodec(cfg), agg, eng.InitParams(), eng.Frozen(), cluster.CoordinatorOptions(cfg, runID))
			if err != nil {
				return err
			}
			coord.Evaluator = eng

			if cfg.MetricsAddr != "" {
				trainer := metrics.NewTrainer()
				coord.Metrics = trainer
				go func() {
					if err := trainer.Serve(cfg.MetricsAddr); err != nil {
						slog.Error("metrics listener failed", "error", err)
					}
				}()
			}
			if cfg.HistoryDSN != "" {
				store, err := history.New(cfg.HistoryDSN)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.EnsureSchema(); err != nil {
					return err
				}
				coord.History = store
			}

			slog.Info("starting training run", "runId", runID, "flavour", cfg.Flavour, "updateMode", cfg.UpdateMode)
			final, err := coord.Run(cmd.Context())
			if err != nil {
				return err
			}
			slog.Info("training finished", "runId", runID, "finalStep", final)
			return nil
		},
	}
}

func newWorkerCmd() *cobra.Command {
	var rank int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one worker rank against a remote coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if rank < 1 || rank > cfg.Workers {
				return fmt.Errorf("%w: rank %d outside 1..%d", config.ErrBadConfig, rank, cfg.Workers)
			}
			flavour, err := cluster.BuildFlavour(cfg, rank)
			if err != nil {
				return err
			}
			link, err := transport.DialWorker("ws://"+cfg.CoordinatorURL+transport.WSPath, rank, cfg.Workers+1)
			if err != nil {
				return err
			}
			defer link.Close()

			w, err := worker.New(link, cluster.BuildCodec(cfg), buildEngine(cfg), flavour, cfg.TransportMode == config.TransportPointToPoint)
			if err != nil {
				return err
			}
			if cfg.IsAdversary(rank) {
				slog.Warn("running as simulated adversary", "rank", rank, "errMode", cfg.ErrMode)
				w.SetAdversary(worker.NewAdversary(cfg.ErrMode, rank, cfg.Seed))
			}
			return w.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 0, "worker rank (1..workers)")
	return cmd
}

func newLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "local",
		Short: "Run the coordinator and all workers in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			res, err := cluster.Run(cmd.Context(), cfg, func(rank int) engine.Engine {
				return buildEngine(cfg)
			})
			if err != nil {
				return err
			}
			slog.Info("local run finished", "runId", res.RunID, "finalStep", res.FinalStep)
			return nil
		},
	}
}
