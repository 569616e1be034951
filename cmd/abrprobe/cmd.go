package main

import (
	"context"
	"dashabr/internal/api"
	"dashabr/internal/config"
	"dashabr/internal/logger"
	"dashabr/internal/session"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "abrprobe",
		Short:        "Measure segment throughput the way an ABR player does",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringP("log-level", "L", "", "Log level (error, warn, info, debug); overrides the config file")

	rootCmd.AddCommand(newRunCmd(), newProbeCmd())
	return rootCmd
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Download a stream's segments and report bandwidth estimates",
		Args:  cobra.NoArgs,
		RunE:  RunHandler,
	}

	runCmd.Flags().String("manifest", "", "Manifest URL; overrides the streams in the config file")
	runCmd.Flags().String("stream", "", "Stream ID from the config file (default: the first stream)")
	runCmd.Flags().Bool("live", false, "Treat --manifest as a live stream")
	runCmd.Flags().Int("segments", 10, "Media segments to download per media type")
	runCmd.Flags().Bool("serve", false, "Serve estimates and metrics on the configured address until interrupted")
	runCmd.Flags().StringP("listen", "l", "", "Serve on this address instead; implies --serve")

	return runCmd
}

func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe URL...",
		Short: "Check whether segments exist without downloading them",
		Args:  cobra.MinimumNArgs(1),
		RunE:  ProbeHandler,
	}
}

// loadConfig reads --config if given and applies --log-level.
func loadConfig(cmd *cobra.Command) (*config.PlayerConfig, logger.Logger, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.LoadConfig(path); err != nil {
			return nil, nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}

	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	return cfg, log, nil
}

func pickStream(cmd *cobra.Command, cfg *config.PlayerConfig) (config.Stream, error) {
	if manifest, _ := cmd.Flags().GetString("manifest"); manifest != "" {
		live, _ := cmd.Flags().GetBool("live")
		return config.Stream{Name: manifest, Id: "cli", ManifestURL: manifest, Live: live}, nil
	}
	if id, _ := cmd.Flags().GetString("stream"); id != "" {
		stream := cfg.FindStream(id)
		if stream == nil {
			return config.Stream{}, fmt.Errorf("configuration for stream ID '%s' not found", id)
		}
		return *stream, nil
	}
	if len(cfg.Streams) == 0 {
		return config.Stream{}, errors.New("no stream given: use --manifest or a config file with streams")
	}
	return cfg.Streams[0], nil
}

func RunHandler(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	stream, err := pickStream(cmd, cfg)
	if err != nil {
		return err
	}
	segments, _ := cmd.Flags().GetInt("segments")
	listenAddr, _ := cmd.Flags().GetString("listen")
	if serve, _ := cmd.Flags().GetBool("serve"); serve && listenAddr == "" {
		listenAddr = cfg.ListenAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg, stream, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	var server *http.Server
	if listenAddr != "" {
		server = &http.Server{
			Addr:    listenAddr,
			Handler: api.New(sess, log),
		}
		go func() {
			log.Infof("Server starting on %s", listenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Could not listen on %s: %v", listenAddr, err)
				stop()
			}
		}()
	}

	log.Infof("Running stream %s (%s), session %s", stream.Name, stream.ManifestURL, sess.ID)
	runErr := sess.Run(ctx, segments)
	printReport(cmd.OutOrStdout(), sess.Estimator(), sess.IsLive())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	if server == nil {
		return nil
	}

	<-ctx.Done()
	log.Infof("Server is shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Infof("Server exited gracefully")
	return nil
}

func ProbeHandler(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg, config.Stream{Name: "probe", Id: "probe"}, log)
	if err != nil {
		return err
	}
	defer sess.Close()

	found, err := sess.Probe(ctx, args)
	printProbes(cmd.OutOrStdout(), args, found)
	return err
}
