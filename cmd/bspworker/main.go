// Command bspworker runs one worker of a synchronous
// data-parallel training job.
//
// Every worker of a job is started with the same
// arguments and environment, except for BSP_RANK:
//
//	BSP_PEERS=host0:7400,host1:7400 BSP_RANK=1 \
//		bspworker cpu avg ring softmax Classifier 0-3
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/unixpickle/dist-train/affinity"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/grpccomm"
	"github.com/unixpickle/dist-train/config"
	"github.com/unixpickle/dist-train/exchanger"
	"github.com/unixpickle/dist-train/model"
	_ "github.com/unixpickle/dist-train/model/softmax"
	"github.com/unixpickle/dist-train/worker"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	cmd := &cobra.Command{
		Use:   "bspworker <device> <sync_type> <exch_strategy> <module> <class> [cpulist]",
		Short: "Run a BSP training worker",
		Long: "Run one worker of a synchronous data-parallel training job.\n\n" +
			"sync_type is \"avg\" to average contributions, or anything else to sum them.\n" +
			"exch_strategy is one of naive, tree, ring or hier.\n" +
			"Registered models: " + strings.Join(model.Registered(), ", ") + "\n\n" +
			"The job is configured through " + config.EnvPrefix + "* environment variables.",
		Args:         cobra.RangeArgs(5, 6),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
	}
	cmd.Flags().AddGoFlagSet(flag.CommandLine)

	if err := cmd.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, rawArgs []string) error {
	args, err := config.ParseArgs(rawArgs)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if args.HasAffinity() {
		cpus, err := affinity.ParseCPUList(args.CPUList)
		if err != nil {
			return err
		}
		if err := affinity.Bind(cpus); errors.Is(err, affinity.ErrUnsupported) {
			klog.Warningf("ignoring cpu list %q: %v", args.CPUList, err)
		} else if err != nil {
			return err
		} else {
			klog.V(1).Infof("bound to cpus %v", cpus)
		}
	}

	m, err := model.New(args.Module, args.Class, model.Config{
		Rank:   cfg.Rank,
		Size:   cfg.Size(),
		Device: args.Device,
		Params: cfg.ModelParams,
	})
	if err != nil {
		return err
	}

	transport, err := grpccomm.Listen(cfg.Rank, cfg.Peers,
		grpccomm.WithDialTimeout(cfg.DialTimeout),
		grpccomm.WithMaxMsgSize(cfg.MaxMsgSize),
	)
	if err != nil {
		return err
	}
	defer transport.Close()
	klog.Infof("worker %d/%d listening on %s", cfg.Rank, cfg.Size(), cfg.Peers[cfg.Rank])

	counter, latency := exchanger.NewPrometheusMetrics("bsp")
	w, err := worker.New(
		collcomm.NewComms(transport),
		args.Device,
		worker.SyncPolicy{SyncType: args.SyncType, Strategy: args.Strategy},
		worker.WithCadence(worker.Cadence{
			ExchangeFreq: cfg.ExchangeFreq,
			SnapshotFreq: cfg.SnapshotFreq,
		}),
		worker.WithPrintFreq(cfg.PrintFreq),
		worker.WithRecordDir(cfg.RecordDir),
		worker.WithSnapshotDir(cfg.SnapshotDir, cfg.SnapshotKeep),
		worker.WithDevicesPerNode(cfg.DevicesPerNode),
		worker.WithExchangeMiddleware(func(ex exchanger.Exchanger) exchanger.Exchanger {
			return exchanger.Logging(cfg.Rank, ex)
		}),
		worker.WithExchangeMiddleware(func(ex exchanger.Exchanger) exchanger.Exchanger {
			return exchanger.Metrics(counter, latency, ex)
		}),
	)
	if err != nil {
		return err
	}
	if err := w.Build(m, worker.BuildConfig{ModelName: args.Module}); err != nil {
		return err
	}

	var g errgroup.Group
	var server *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}

	runErr := w.Run()
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			klog.Warningf("metrics server shutdown: %v", err)
		}
	}
	if err := g.Wait(); err != nil {
		klog.Errorf("%v", err)
	}
	if runErr != nil {
		return errors.Wrapf(runErr, "worker %d", cfg.Rank)
	}
	klog.Infof("worker %d finished", cfg.Rank)
	return nil
}
