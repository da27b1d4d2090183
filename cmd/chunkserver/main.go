package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	clientsmcfg "github.com/sauravfouzdar/bucket/internal/config"
	"github.com/sauravfouzdar/bucket/pkg/chunkserver"
	"github.com/sauravfouzdar/bucket/pkg/common"
)

var rootCmd = &cobra.Command{
	Use:   "bucket-chunkserver",
	Short: "Runs a bucket chunk server",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("id", "", "this server's identity, reported to the master on heartbeat (default: listen address)")
	rootCmd.Flags().String("listen-address", common.DefaultChunkServerConfig.ListenAddress, "address clients and the master's RPC dial target connect to")
	rootCmd.Flags().String("master-address", common.DefaultChunkServerConfig.MasterAddress, "master RPC address")
	rootCmd.Flags().String("storage-root", common.DefaultChunkServerConfig.StorageRoot, "directory chunk replicas are persisted under")
	rootCmd.Flags().Duration("heartbeat-interval", common.DefaultChunkServerConfig.HeartbeatInterval, "interval between heartbeats to the master")
	rootCmd.Flags().Int("max-chunks", common.DefaultChunkServerConfig.MaxChunks, "soft cap on the number of chunks this server will hold")
	rootCmd.Flags().String("config", "", "path to a clientSM tunables config file (yaml/json/toml)")
	rootCmd.Flags().String("metrics-address", ":9091", "listen address for the Prometheus metrics endpoint")
	viper.BindPFlags(rootCmd.Flags())

	viper.SetEnvPrefix("bucket_chunkserver")
	viper.AutomaticEnv()
}

func run(cmd *cobra.Command, args []string) error {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := log.Logger

	v := viper.New()
	if p := viper.GetString("config"); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	csc, err := clientsmcfg.Load(v)
	if err != nil {
		return err
	}

	id := viper.GetString("id")
	listenAddr := viper.GetString("listen-address")
	if id == "" {
		id = listenAddr
	}

	cfg := common.ChunkServerConfig{
		ListenAddress:     listenAddr,
		MasterAddress:     viper.GetString("master-address"),
		StorageRoot:       viper.GetString("storage-root"),
		HeartbeatInterval: viper.GetDuration("heartbeat-interval"),
		MaxChunks:         viper.GetInt("max-chunks"),
	}

	reg := prometheus.NewRegistry()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := viper.GetString("metrics-address")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Warn().Err(err).Str("address", addr).Msg("metrics server stopped")
		}
	}()

	cs, err := chunkserver.NewChunkServer(common.ServerID(id), cfg, csc, logger, reg)
	if err != nil {
		return err
	}
	if err := cs.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- cs.Shutdown() }()
	select {
	case err := <-shutdownDone:
		return err
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("shutdown timed out")
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("chunk server exited")
	}
}
