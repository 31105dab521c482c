package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/auth"
	"go.nexum.io/notifier/delivery"
	xhttp "go.nexum.io/notifier/net/http"
	"go.nexum.io/notifier/net/middleware"
	"go.nexum.io/notifier/storage/orm"
)

var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Run the WebSocket delivery service",
	RunE:  runDelivery,
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
}

func runDelivery(cmd *cobra.Command, _ []string) error {
	vp, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	vp.SetDefault("mongodb.database", "notifier_delivery")
	vp.SetDefault("delivery.fanout_exchange", "notifier.fanout")
	vp.SetDefault("delivery.confirmations_exchange", "notifier.confirmations")
	vp.SetDefault("delivery.ticket_lifespan", 30*time.Second)
	vp.SetDefault("delivery.dedup.lifespan", 10*time.Minute)
	vp.SetDefault("delivery.dedup.gc_interval", time.Minute)
	vp.SetDefault("delivery.websocket.ping_interval", 30*time.Second)
	vp.SetDefault("delivery.websocket.retry_interval", 15*time.Second)
	vp.SetDefault("delivery.websocket.retry_max_count", 4)
	vp.SetDefault("delivery.websocket.buffer_size", 64)
	cfg := baseSettings(vp)
	ll := newLogger(cfg, "delivery")

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := delivery.NewMetrics(registry)

	// Storage
	setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	operator, err := orm.NewOperator(setupCtx, cfg.MongoDatabase, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	ticketsRepository, err := delivery.NewTicketsRepository(setupCtx, operator)
	if err != nil {
		return err
	}
	tickets := delivery.NewTicketsService(delivery.TicketsServiceConfig{
		TicketLifespan: vp.GetDuration("delivery.ticket_lifespan"),
	}, ticketsRepository, ll)

	// Broker
	conn, err := amqp.Dial(cfg.BrokerAddr,
		amqp.WithLogger(ll),
		amqp.WithRetryInterval(cfg.BrokerRetryInterval))
	if err != nil {
		return err
	}
	confirmations, err := delivery.NewConfirmationsService(delivery.ConfirmationsServiceConfig{
		Exchange: vp.GetString("delivery.confirmations_exchange"),
	}, conn, ll)
	if err != nil {
		return err
	}

	// Delivery engine
	websockets := delivery.NewWebSocketsService(delivery.WebSocketsServiceConfig{
		PingInterval:         vp.GetDuration("delivery.websocket.ping_interval"),
		RetryInterval:        vp.GetDuration("delivery.websocket.retry_interval"),
		RetryMaxCount:        vp.GetInt("delivery.websocket.retry_max_count"),
		ConnectionBufferSize: vp.GetInt("delivery.websocket.buffer_size"),
	}, confirmations, metrics, ll)
	dedup := delivery.NewDeduplicator(delivery.DeduplicatorConfig{
		Lifespan:   vp.GetDuration("delivery.dedup.lifespan"),
		GCInterval: vp.GetDuration("delivery.dedup.gc_interval"),
	}, metrics, ll)
	consumer, err := delivery.NewNotificationsConsumer(delivery.NotificationsConsumerConfig{
		Exchange: vp.GetString("delivery.fanout_exchange"),
	}, conn, dedup, websockets, ll)
	if err != nil {
		return err
	}

	// HTTP API; WebSocket connections are long lived so the server
	// timeouts are disabled.
	mux := http.NewServeMux()
	mux.Handle("/", delivery.NewRouter(tickets, websockets, auth.NewValidator([]byte(cfg.JWTSecret)), ll))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server, err := xhttp.NewServer(
		xhttp.WithPort(cfg.HTTPPort),
		xhttp.WithIdleTimeout(0),
		xhttp.WithHandler(mux),
		xhttp.WithMiddleware(
			middleware.Logging(ll),
			middleware.Recovery(ll),
		))
	if err != nil {
		return err
	}
	go func() {
		ll.WithField("port", cfg.HTTPPort).Info("server ready")
		if err := server.Start(); err != nil {
			ll.WithField("error", err.Error()).Warning("server stopped")
		}
	}()

	// Wait for the termination signal, then tear components down in
	// reverse dependency order.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ll.Info("shutting down")

	if err := server.Stop(false); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to stop server")
	}
	websockets.Close()
	if err := consumer.Close(); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close notifications consumer")
	}
	dedup.Close()
	if err := confirmations.Close(); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close confirmations service")
	}
	if err := conn.Close(); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close broker connection")
	}
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	if err := operator.Close(closeCtx); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close storage client")
	}
	ll.Info("shutdown complete")
	return nil
}
