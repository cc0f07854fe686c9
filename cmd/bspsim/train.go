package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/unixpickle/dist-train/checkpoint"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/model"
	"github.com/unixpickle/dist-train/model/softmax"
	"github.com/unixpickle/dist-train/worker"
)

// TrainResult summarizes a simulated training run.
type TrainResult struct {
	Time     float64
	ValError float64
}

// SimulateTraining trains one softmax classifier per node
// of a cluster and returns the virtual time it took.
func SimulateTraining(cluster Cluster, policy worker.SyncPolicy, cadence worker.Cadence,
	params softmax.Params) (*TrainResult, error) {
	errs := make([]error, cluster.NumNodes)
	var valInfo model.ValInfo
	t, err := cluster.Run(func(c *collcomm.Comms) {
		rank := c.Rank()
		w, err := worker.New(c, "sim", policy,
			worker.WithCadence(cadence),
			worker.WithDevicesPerNode(cluster.PerHost),
			worker.WithSnapshots(discardSnapshots{}),
		)
		if err == nil {
			err = w.Build(softmax.NewWithParams(params, rank, cluster.NumNodes),
				worker.BuildConfig{ModelName: "softmax"})
		}
		if err == nil {
			err = w.Run()
		}
		errs[rank] = err
		if rank == 0 && err == nil {
			valInfo = w.Recorder().LatestValInfo()
		}
	})
	if err != nil {
		return nil, err
	}
	for rank, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d", rank)
		}
	}
	return &TrainResult{Time: t, ValError: valInfo.Error}, nil
}

func newTrainCmd() *cobra.Command {
	var syncType string
	var cadence worker.Cadence
	params := softmax.DefaultParams()
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Time a softmax training run per strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy := worker.SyncPolicy{SyncType: model.ParseSyncType(syncType)}
			samples := int64(params.Epochs * params.TrainSize)
			fmt.Printf("%s samples per worker, %s parameters\n\n",
				humanize.Comma(samples),
				humanize.Comma(int64(params.Classes*(params.Features+1))))

			var columns []string
			for _, name := range strategies {
				columns = append(columns, name, name+" error")
			}
			markdownHeader(columns...)
			for _, cluster := range defaultClusters {
				fmt.Print(cluster.markdownCells())
				for _, name := range strategies {
					policy.Strategy = name
					res, err := SimulateTraining(cluster, policy, cadence, params)
					if err != nil {
						return errors.Wrap(err, name)
					}
					fmt.Printf("| %f | %s ", res.Time, humanize.CommafWithDigits(res.ValError, 4))
				}
				fmt.Println("|")
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&syncType, "sync", "avg", "sync type (avg or sum)")
	flags.IntVar(&cadence.ExchangeFreq, "exchange-freq", 1, "sub-batches between exchanges")
	flags.IntVar(&params.Epochs, "epochs", params.Epochs, "training epochs")
	flags.IntVar(&params.Features, "features", params.Features, "input features")
	flags.IntVar(&params.Classes, "classes", params.Classes, "classes")
	flags.IntVar(&params.TrainSize, "train-size", params.TrainSize, "training samples per worker")
	flags.Float64Var(&params.LR, "lr", params.LR, "learning rate")
	cadence.SnapshotFreq = 1
	return cmd
}

type discardSnapshots struct{}

func (discardSnapshots) Write(epoch int, s checkpoint.Snapshotter) (string, error) {
	return "", nil
}
