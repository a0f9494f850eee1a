package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mcpguard/mcpbridge/internal/api"
	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	v := config.NewViper()
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "mcpbridge",
		Short: "MCP Bridge - an HTTP facade over a JSON-RPC MCP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(v, configFile)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send one JSON-RPC call to the MCP server and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params interface{}
			if len(args) == 2 {
				params = json.RawMessage(args[1])
			}
			return runOnce(v, configFile, func(ctx context.Context, b *bridge) (interface{}, error) {
				return b.gateway.Call(ctx, args[0], params)
			})
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "List the tools exposed by the MCP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(v, configFile, func(ctx context.Context, b *bridge) (interface{}, error) {
				return b.gateway.ListTools(ctx)
			})
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServer(v *viper.Viper, configFile string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	b.monitor.Start()

	router := mux.NewRouter()
	api.NewAPI(cfg, b.gateway, logger).Routes(router)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting MCP bridge", zap.Int("port", cfg.ServerPort), zap.String("transport", cfg.Transport))
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("error starting server: %w", err)
	case sig := <-shutdown:
		logger.Info("Shutting down server", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown failed, closing", zap.Error(err))
			_ = server.Close()
		}
		logger.Info("Bridge shut down successfully")
	}
	return nil
}

// runOnce connects, runs fn and prints its result as indented JSON.
func runOnce(v *viper.Viper, configFile string, fn func(ctx context.Context, b *bridge) (interface{}, error)) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	b, err := newBridge(cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := fn(ctx, b)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
