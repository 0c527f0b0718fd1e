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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync/internal/relay"
)

type relayOptions struct {
	addr           string
	secret         string
	seed           string
	allowAnyOrigin bool
	logLevel       string
}

var relayOpts relayOptions

// flags binds o to a standalone flag set.
func (o *relayOptions) flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.StringVarP(&o.addr, "addr", "a", ":8080", "Listen address")
	fs.StringVar(&o.secret, "secret", os.Getenv("CHATSYNC_RELAY_SECRET"), "Token signing secret; empty accepts any user id")
	fs.StringVar(&o.seed, "seed", "", "YAML file of messages to preload")
	fs.BoolVar(&o.allowAnyOrigin, "allow-any-origin", false, "Skip the WebSocket origin check")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level")
	return fs
}

func init() {
	relayCmd.Flags().AddFlagSet(relayOpts.flags())
	rootCmd.AddCommand(relayCmd)
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a development relay server",
	Long:  "Run an in-memory relay that speaks the chatsync WebSocket protocol and serves history over REST.\nMetrics are exposed at /metrics.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRelay(relayOpts)
	},
}

func runRelay(o relayOptions) error {
	log, err := newLogger(o.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := relay.NewStore(nil)
	if o.seed != "" {
		seed, err := relay.LoadSeed(o.seed)
		if err != nil {
			return err
		}
		log.Info("relay_seeded", zap.String("file", o.seed), zap.Int("messages", seed.Apply(store)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := &http.Server{
		Addr: o.addr,
		Handler: relay.New(relay.Config{
			Secret:         o.secret,
			AllowAnyOrigin: o.allowAnyOrigin,
			Store:          store,
			Logger:         log,
			Registry:       reg,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info("relay_listening", zap.String("addr", o.addr), zap.Bool("auth", o.secret != ""))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("relay_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
