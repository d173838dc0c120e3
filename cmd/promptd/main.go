package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"promptd/internal/config"
	"promptd/internal/coordinator"
	"promptd/internal/engine"
	"promptd/internal/httpapi"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "promptd",
		Short:         "Lifecycle and admission coordinator for an on-device LLM engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	return root
}

func serveCmd() *cobra.Command {
	var (
		cfgPath  string
		addr     string
		model    string
		engSel   string
		ctxSize  int
		threads  int
		logLevel string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the promptd HTTP daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Config{}
			if cfgPath != "" {
				loaded, err := config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			// Flags and env override the file.
			if addr != "" {
				cfg.Addr = addr
			}
			if cfg.Addr == "" {
				cfg.Addr = envOr("PROMPTD_ADDR", ":8080")
			}
			if model != "" {
				cfg.ModelPath = model
			}
			if engSel != "" {
				cfg.Engine = engSel
			}
			if ctxSize > 0 {
				cfg.CtxSize = ctxSize
			}
			if threads > 0 {
				cfg.Threads = threads
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "Config file (.toml/.yaml/.json)")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (defaults PROMPTD_ADDR or :8080)")
	cmd.Flags().StringVar(&model, "model", "", "Path to the GGUF model file")
	cmd.Flags().StringVar(&engSel, "engine", "", "Engine runtime: llama|echo")
	cmd.Flags().IntVar(&ctxSize, "ctx-size", 0, "Model context size")
	cmd.Flags().IntVar(&threads, "threads", 0, "Inference threads")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).With().Timestamp().Logger()
}

// eventLogger adapts the coordinator's telemetry stream onto zerolog.
type eventLogger struct{ log zerolog.Logger }

func (p eventLogger) Publish(e coordinator.Event) {
	p.log.Debug().Fields(e.Fields).Str("event", e.Name).Msg("coordinator event")
}

func serve(cfg config.Config) error {
	log := newLogger(cfg.LogLevel)

	modelPath, err := config.ExpandHome(cfg.ModelPath)
	if err != nil {
		return err
	}

	var eng engine.Engine
	switch cfg.Engine {
	case "echo":
		eng = &engine.Echo{}
		log.Warn().Msg("using echo engine; responses are not real inference")
	default:
		eng = engine.NewLlama()
	}

	coord, err := coordinator.New(eng, coordinator.Config{
		Retry:     cfg.RetryPolicy(),
		Queue:     cfg.QueuePolicy(),
		Publisher: eventLogger{log: log},
		Logger:    log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(coord)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("model", modelPath).Msg("promptd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	// Initialize in the background: the server is already up, requests that
	// arrive during initialization are queued by the coordinator.
	g.Go(func() error {
		err := coord.Initialize(gctx, engine.Config{
			ModelPath: modelPath,
			CtxSize:   cfg.CtxSize,
			Threads:   cfg.Threads,
		})
		if err != nil {
			// The daemon keeps serving /status and queued admission errors;
			// an operator can retry via restart.
			log.Error().Err(err).Msg("engine initialization failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown error")
		}
		if err := coord.Shutdown(shutdownCtx); err != nil && !coordinator.IsReleased(err) {
			log.Warn().Err(err).Msg("coordinator shutdown error")
			coord.Release()
		}
		return nil
	})
	return g.Wait()
}
