package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pingcap-incubator/tinysilo/config"
	"github.com/pingcap-incubator/tinysilo/metrics"
	"github.com/pingcap-incubator/tinysilo/node"
)

var (
	configPath string
	duration   time.Duration

	coordinatorNum int
	workerNum      int
	partitionNum   int
	replicaNum     int
	readRatio      int
	crossRatio     int
	zipfianTheta   float64
	metricsAddr    string
)

func main() {
	cmd := &cobra.Command{
		Use:          "tinysilo-bench",
		Short:        "Run a tinysilo cluster in-process under the YCSB workload",
		RunE:         run,
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "how long to run")
	cmd.Flags().IntVar(&coordinatorNum, "coordinators", 0, "number of coordinators")
	cmd.Flags().IntVar(&workerNum, "workers", 0, "workers per coordinator")
	cmd.Flags().IntVar(&partitionNum, "partitions", 0, "total partitions")
	cmd.Flags().IntVar(&replicaNum, "replicas", 0, "copies per partition")
	cmd.Flags().IntVar(&readRatio, "read-ratio", -1, "percent of read accesses")
	cmd.Flags().IntVar(&crossRatio, "cross-ratio", -1, "percent of cross-partition transactions")
	cmd.Flags().Float64Var(&zipfianTheta, "zipfian-theta", -1, "key skew, 0 for uniform")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus listen address")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	ctx := config.NewDefaultContext()
	if configPath != "" {
		loaded, err := config.FromFile(configPath)
		if err != nil {
			return err
		}
		ctx = loaded
	}
	if coordinatorNum > 0 {
		ctx.CoordinatorNum = coordinatorNum
	}
	if workerNum > 0 {
		ctx.WorkerNum = workerNum
	}
	if partitionNum > 0 {
		ctx.PartitionNum = partitionNum
	}
	if replicaNum > 0 {
		ctx.ReplicaNum = replicaNum
	}
	if readRatio >= 0 {
		ctx.ReadRatio = readRatio
	}
	if crossRatio >= 0 {
		ctx.CrossRatio = crossRatio
	}
	if zipfianTheta >= 0 {
		ctx.ZipfianTheta = zipfianTheta
	}
	if metricsAddr != "" {
		ctx.MetricsAddr = metricsAddr
	}
	if err := ctx.Validate(); err != nil {
		return err
	}

	lg, props, err := log.InitLogger(&log.Config{Level: ctx.LogLevel})
	if err != nil {
		return err
	}
	log.ReplaceGlobals(lg, props)

	cluster := node.NewCluster(ctx, node.YCSBWorkload)

	if ctx.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(cluster.Metrics))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(ctx.MetricsAddr, mux); err != nil {
				log.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}

	log.Info("benchmark starts",
		zap.Int("coordinators", ctx.CoordinatorNum),
		zap.Int("workers", ctx.WorkerNum),
		zap.Int("partitions", ctx.PartitionNum),
		zap.Int("replicas", ctx.ReplicaNum),
		zap.Duration("duration", duration))

	start := time.Now()
	cluster.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("stopping on signal", zap.String("signal", s.String()))
	case <-time.After(duration):
	}

	cluster.Stop()
	cluster.Report(time.Since(start))
	return nil
}
