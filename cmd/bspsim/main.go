// Command bspsim measures allreduce strategies and whole
// training runs on a simulated cluster.
//
// Times are in virtual seconds, and the results are
// printed as Markdown tables.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/unixpickle/dist-train/collcomm"
	"github.com/unixpickle/dist-train/collcomm/allreduce"
	"github.com/unixpickle/dist-train/simulator"
	"k8s.io/klog/v2"
)

// Cluster describes a simulated network.
type Cluster struct {
	NumNodes int
	PerHost  int
	Latency  float64

	// IntraRate is the bandwidth between devices on the
	// same host. InterRate is the NIC rate of a host.
	IntraRate float64
	InterRate float64
}

// Run creates a network and drops each worker into its
// own Goroutine, returning the virtual time once every
// worker has finished.
func (c *Cluster) Run(commFn func(c *collcomm.Comms)) (float64, error) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(c.NumNodes)
	var switcher simulator.Switcher
	if c.PerHost > 1 {
		switcher = simulator.NewHostSwitcher(c.NumNodes, c.PerHost, c.IntraRate, c.InterRate)
	} else {
		switcher = simulator.NewGreedyDropSwitcher(c.NumNodes, c.InterRate)
	}
	network := simulator.NewSwitcherNetwork(switcher, nodes, c.Latency)
	collcomm.SpawnComms(loop, network, nodes, commFn)
	if err := loop.Run(); err != nil {
		return 0, err
	}
	return loop.Time(), nil
}

func (c *Cluster) markdownCells() string {
	return fmt.Sprintf("| %d | %d | %s | %s | %s ",
		c.NumNodes,
		c.PerHost,
		strconv.FormatFloat(c.Latency, 'f', -1, 64),
		strconv.FormatFloat(c.IntraRate, 'E', -1, 64),
		strconv.FormatFloat(c.InterRate, 'E', -1, 64),
	)
}

var defaultClusters = []Cluster{
	{NumNodes: 2, PerHost: 1, Latency: 0.1, IntraRate: 1e6, InterRate: 1e6},
	{NumNodes: 16, PerHost: 1, Latency: 1e-3, IntraRate: 1e6, InterRate: 1e6},
	{NumNodes: 32, PerHost: 1, Latency: 0.1, IntraRate: 1e9, InterRate: 1e9},
	{NumNodes: 32, PerHost: 4, Latency: 1e-4, IntraRate: 1e10, InterRate: 1e9},
	{NumNodes: 32, PerHost: 8, Latency: 1e-4, IntraRate: 1e10, InterRate: 1e8},
}

var strategies = []string{"naive", "tree", "ring", "hier"}

func markdownHeader(columns ...string) {
	fmt.Print("| Nodes | Per host | Latency | Intra rate | Inter rate ")
	for _, col := range columns {
		fmt.Printf("| %s ", col)
	}
	fmt.Println("|")
	for i := 0; i < 5+len(columns); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")
}

func newAllreduceCmd() *cobra.Command {
	var sizes []int
	cmd := &cobra.Command{
		Use:   "allreduce",
		Short: "Time one allreduce per strategy and vector size",
		RunE: func(cmd *cobra.Command, args []string) error {
			markdownHeader(append([]string{"Size"}, strategies...)...)
			for _, cluster := range defaultClusters {
				for _, size := range sizes {
					fmt.Print(cluster.markdownCells())
					fmt.Printf("| %d ", size)
					for _, name := range strategies {
						reducer, err := allreduce.ByName(name, cluster.PerHost)
						if err != nil {
							return err
						}
						t, err := cluster.Run(func(c *collcomm.Comms) {
							vec := make([]float64, size)
							if _, err := allreduce.Allreduce(c, reducer, vec, fakeReduce); err != nil {
								klog.Errorf("rank %d: %v", c.Rank(), err)
							}
						})
						if err != nil {
							return err
						}
						fmt.Printf("| %f ", t)
					}
					fmt.Println("|")
				}
			}
			return nil
		},
	}
	cmd.Flags().IntSliceVar(&sizes, "sizes", []int{10, 10000, 10000000}, "vector sizes")
	return cmd
}

// fakeReduce takes no real CPU time. The simulated time
// is still charged by collcomm.Comms.Reduce.
func fakeReduce(vecs ...[]float64) []float64 {
	return make([]float64, len(vecs[0]))
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	root := &cobra.Command{
		Use:          "bspsim",
		Short:        "Simulate BSP collectives and training runs",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	root.AddCommand(newAllreduceCmd(), newTrainCmd())
	if err := root.Execute(); err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
}
