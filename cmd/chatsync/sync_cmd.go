package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

var (
	syncMetricsAddr   string
	syncLimit         int
	syncWebhookAddr   string
	syncWebhookSecret string
)

func init() {
	syncCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	syncCmd.Flags().IntVar(&syncLimit, "limit", 30, "Page size of the channel list")
	syncCmd.Flags().StringVar(&syncWebhookAddr, "webhook-addr", "", "Also accept signed webhook events on this address")
	syncCmd.Flags().StringVar(&syncWebhookSecret, "webhook-secret", "", "HMAC secret of the webhook")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Keep the local cache in sync until interrupted",
	Long: "Query the channel list, connect to the realtime endpoint, replay missed events and\n" +
		"print the channel list every time it changes. Stops on Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		s, err := openSession(chatsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer s.Close()

		if syncMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: syncMetricsAddr, Handler: mux}
			go serve(s.logger, srv, "metrics")
			defer shutdown(srv)
		}
		if syncWebhookAddr != "" {
			wh, err := chatsync.NewWebhook(syncWebhookSecret, s.engine, s.logger)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			srv := &http.Server{Addr: syncWebhookAddr, Handler: mux}
			go serve(s.logger, srv, "webhook")
			defer shutdown(srv)
		}

		state, err := s.engine.QueryChannels(ctx, chatsync.QueryChannelsRequest{
			Limit: syncLimit,
			Watch: true,
			State: true,
		})
		if err != nil {
			var ne *chatsync.NetworkError
			if !errors.As(err, &ne) {
				return err
			}
			fmt.Printf("Offline: %v\n", err)
		}

		rt := chatsync.NewRealtimeClient(s.client.WSURL(), s.engine, &chatsync.RealtimeConfig{
			AutoReconnect:        true,
			MaxReconnectAttempts: -1,
			Logger:               s.logger,
			Sync:                 s.engine.Sync,
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("Reconnecting (attempt %d) in %s\n", attempt, delay.Round(time.Millisecond))
		})
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer rt.Disconnect()

		updates, cancel := state.ChannelsState().Subscribe()
		defer cancel()
		total, cancelTotal := s.engine.GlobalState().TotalUnreadCount().Subscribe()
		defer cancelTotal()

		for {
			select {
			case <-ctx.Done():
				fmt.Println("Stopped.")
				return nil
			case data, ok := <-updates:
				if !ok {
					return nil
				}
				printSnapshot(data)
			case n, ok := <-total:
				if !ok {
					return nil
				}
				fmt.Printf("Total unread: %d\n", n)
			}
		}
	},
}

func printSnapshot(data chatsync.ChannelsStateData) {
	fmt.Printf("── %s (%d channels) ──\n", data.Kind, len(data.Channels))
	for _, ch := range data.Channels {
		printChannelLine(ch)
	}
}

func serve(logger *zap.Logger, srv *http.Server, name string) {
	logger.Info("http_listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http_serve_failed", zap.String("server", name), zap.Error(err))
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
