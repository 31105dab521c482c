package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.nexum.io/notifier/amqp"
	"go.nexum.io/notifier/auth"
	"go.nexum.io/notifier/core"
	xhttp "go.nexum.io/notifier/net/http"
	"go.nexum.io/notifier/net/middleware"
	"go.nexum.io/notifier/storage/orm"
)

var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Run the notification core service",
	RunE:  runCore,
}

func init() {
	rootCmd.AddCommand(coreCmd)
}

func runCore(cmd *cobra.Command, _ []string) error {
	vp, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	vp.SetDefault("mongodb.database", "notifier_core")
	vp.SetDefault("core.max_content_len", 8*1024*1024)
	vp.SetDefault("core.fanout_exchange", "notifier.fanout")
	vp.SetDefault("core.confirmations_exchange", "notifier.confirmations")
	vp.SetDefault("core.confirmations_queue", "notifier.confirmations")
	cfg := baseSettings(vp)
	ll := newLogger(cfg, "core")

	// Storage
	setupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	operator, err := orm.NewOperator(setupCtx, cfg.MongoDatabase, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return err
	}
	repository, err := core.NewNotificationsRepository(setupCtx, operator)
	if err != nil {
		return err
	}

	// Broker
	conn, err := amqp.Dial(cfg.BrokerAddr,
		amqp.WithLogger(ll),
		amqp.WithRetryInterval(cfg.BrokerRetryInterval))
	if err != nil {
		return err
	}
	fanout, err := core.NewFanoutService(core.FanoutConfig{
		Exchange: vp.GetString("core.fanout_exchange"),
	}, conn, ll)
	if err != nil {
		return err
	}
	confirmations, err := core.NewConfirmationsConsumer(core.ConfirmationsConsumerConfig{
		Exchange: vp.GetString("core.confirmations_exchange"),
		Queue:    vp.GetString("core.confirmations_queue"),
	}, conn, repository, ll)
	if err != nil {
		return err
	}

	// HTTP API
	service := core.NewNotificationsService(core.NotificationsServiceConfig{
		MaxContentLen: vp.GetInt("core.max_content_len"),
	}, repository, fanout, ll)
	router := core.NewRouter(service, auth.NewValidator([]byte(cfg.JWTSecret)), ll)
	server, err := xhttp.NewServer(
		xhttp.WithPort(cfg.HTTPPort),
		xhttp.WithHandler(router),
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

	if err := server.Stop(true); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to stop server")
	}
	if err := confirmations.Close(); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close confirmations consumer")
	}
	if err := fanout.Close(); err != nil {
		ll.WithField("error", err.Error()).Warning("failed to close fanout service")
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
