package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sauravfouzdar/bucket/pkg/common"
	"github.com/sauravfouzdar/bucket/pkg/master"
)

var rootCmd = &cobra.Command{
	Use:   "bucket-master",
	Short: "Runs the bucket cluster master",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("address", common.DefaultMasterConfig.Address, "listen address for client and chunk server RPCs")
	rootCmd.Flags().Duration("heartbeat-interval", common.DefaultMasterConfig.HeartbeatInterval, "expected chunk server heartbeat interval")
	rootCmd.Flags().Int("replica-num", common.DefaultMasterConfig.ChunkReplicaNum, "number of replicas per chunk")
	rootCmd.Flags().Duration("lease-timeout", common.DefaultMasterConfig.LeaseTimeout, "primary lease duration")
	rootCmd.Flags().Duration("checkpoint-interval", common.DefaultMasterConfig.CheckpointInterval, "metadata checkpoint interval")
	rootCmd.Flags().String("checkpoint-dir", common.DefaultMasterConfig.CheckpointDir, "directory for metadata checkpoints and the operation log")
	rootCmd.Flags().String("metrics-address", ":9090", "listen address for the Prometheus metrics endpoint")
	viper.BindPFlags(rootCmd.Flags())

	viper.SetEnvPrefix("bucket_master")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := common.MasterConfig{
		Address:            viper.GetString("address"),
		HeartbeatInterval:  viper.GetDuration("heartbeat-interval"),
		ChunkReplicaNum:    viper.GetInt("replica-num"),
		LeaseTimeout:       viper.GetDuration("lease-timeout"),
		CheckpointInterval: viper.GetDuration("checkpoint-interval"),
		CheckpointDir:      viper.GetString("checkpoint-dir"),
	}

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		addr := viper.GetString("metrics-address")
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Warn().Err(err).Str("address", addr).Msg("metrics server stopped")
		}
	}()

	m := master.NewMaster(cfg)
	if err := m.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.Shutdown() }()
	select {
	case err := <-shutdownDone:
		return err
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out")
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("master exited")
	}
}
