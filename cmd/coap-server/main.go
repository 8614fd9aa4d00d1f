package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"coap/coap"
	"coap/internal/config"
	"coap/internal/message"
	"coap/internal/obslog"
	"coap/internal/transport"
)

var (
	listenAddr string
	configFile string
	logLevel   string
	logJSON    bool
)

func init() {
	rootCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "UDP address to bind (overrides config file)")
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to an endpoint config file (TOML/YAML/JSON)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON instead of text")
}

// rootCmd serves a demo /hello and /time resource plus an Observe-able
// /clock resource that ticks once a second.
var rootCmd = &cobra.Command{
	Use:   "coap-server",
	Short: "`coap-server` runs a CoAP endpoint answering a small set of demo resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultEndpointConfig()
		if configFile != "" {
			loaded, err := config.LoadEndpointConfig(configFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if errs := cfg.Validate(); len(errs) > 0 {
			return fmt.Errorf("invalid endpoint config: %v", errs)
		}

		log := obslog.New(logLevel, logJSON)

		tr, err := transport.ListenUDP(cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("binding %s: %w", cfg.ListenAddr, err)
		}

		ep := coap.NewEndpoint(tr, cfg, coap.WithLogger(log))

		mux := coap.NewServeMux()
		mux.HandleFunc("/hello", handleHello)
		mux.HandleFunc("/time", handleTime(log))
		mux.HandleFunc("/clock", handleClock)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go runClockTicker(ctx, ep, log)

		log.WithField("addr", cfg.ListenAddr).Info("coap-server listening")
		errCh := make(chan error, 1)
		go func() { errCh <- ep.Serve(mux) }()

		select {
		case <-ctx.Done():
			shCtx, shCancel := context.WithTimeout(context.Background(), cfg.AckTimeout*time.Duration(cfg.MaxRetransmit+1))
			defer shCancel()
			return ep.Shutdown(shCtx)
		case err := <-errCh:
			return err
		}
	},
}

func handleHello(ctx context.Context, req *coap.Request) (*coap.Response, error) {
	return coap.NewResponse(message.Content, []byte("hello from coap-server")), nil
}

func handleTime(log logrus.FieldLogger) coap.HandlerFunc {
	return func(ctx context.Context, req *coap.Request) (*coap.Response, error) {
		log.WithField("peer", req.Peer).Debug("answering /time")
		return coap.NewResponse(message.Content, []byte(time.Now().UTC().Format(time.RFC3339))), nil
	}
}

func handleClock(ctx context.Context, req *coap.Request) (*coap.Response, error) {
	return coap.NewResponse(message.Content, []byte(time.Now().UTC().Format(time.RFC3339))), nil
}

// runClockTicker pushes a fresh /clock notification to every Observe
// subscriber once a second until ctx is cancelled.
func runClockTicker(ctx context.Context, ep *coap.Endpoint, log logrus.FieldLogger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resp := coap.NewResponse(message.Content, []byte(time.Now().UTC().Format(time.RFC3339)))
			if err := ep.Notify(ctx, "/clock", resp); err != nil {
				log.WithError(err).Warn("clock notify failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
