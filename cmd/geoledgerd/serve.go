package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"geoledger/internal/config"
	"geoledger/internal/core"
	"geoledger/internal/httpapi"
	"geoledger/internal/ingest/kafka"
	"geoledger/internal/ingest/rabbitmq"
	"geoledger/internal/ingest/socket"
	"geoledger/internal/notify"
)

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, socket server, ingest consumers and subscription publishers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, log, closeBackend, err := openService(*cfgPath)
			if err != nil {
				return err
			}
			defer closeBackend()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, svc, log)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, svc *core.Service, log *logrus.Logger) error {
	entry := log.WithField("node", cfg.Server.NodeID)

	var (
		kafkaAdapter  *kafka.Adapter
		rabbitAdapter *rabbitmq.Adapter
		notifier      *notify.Notifier
		err           error
	)
	if cfg.Ingest.Kafka.Enabled {
		if kafkaAdapter, err = kafka.NewAdapter(kafkaConfig(cfg.Ingest.Kafka, entry), svc); err != nil {
			return err
		}
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		if rabbitAdapter, err = rabbitmq.NewAdapter(rabbitConfig(cfg.Ingest.RabbitMQ, entry), svc); err != nil {
			return err
		}
	}
	if cfg.Notify.Enabled && len(cfg.Notify.Subscriptions) > 0 {
		if notifier, err = notify.New(notifyConfig(cfg.Notify, entry), svc, notify.DialKafka); err != nil {
			return err
		}
		defer notifier.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddress,
		Handler:           httpapi.NewRouter(httpapi.NewHandler(svc, entry)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		entry.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Server.SocketAddress != "" {
		s := socket.NewServer(socketConfig(cfg, entry), svc)
		g.Go(func() error { return s.Start(ctx) })
	}
	if kafkaAdapter != nil {
		g.Go(func() error {
			if err := kafkaAdapter.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	if rabbitAdapter != nil {
		g.Go(func() error {
			if err := rabbitAdapter.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return rabbitAdapter.Close()
		})
	}
	if notifier != nil {
		g.Go(func() error { return notifier.Run(ctx) })
	}
	if cfg.Retention.SweepInterval > 0 {
		g.Go(func() error {
			sweep(ctx, svc, cfg.Retention.SweepInterval, entry)
			return nil
		})
	}

	return g.Wait()
}

// sweep enforces versionsToKeep on every space at each interval.
func sweep(ctx context.Context, svc *core.Service, every time.Duration, log logrus.FieldLogger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			results, err := svc.Sweep(ctx)
			if err != nil {
				log.WithError(err).Warn("retention sweep")
				continue
			}
			var purged int64
			for _, r := range results {
				purged += r.Versions
			}
			if purged > 0 {
				log.WithField("versions", purged).Info("retention sweep purged history")
			}
		}
	}
}

func socketConfig(cfg config.Config, log logrus.FieldLogger) socket.Config {
	sc := socket.Config{
		Network:          "tcp",
		Address:          cfg.Server.SocketAddress,
		AuthToken:        cfg.Server.SocketAuthToken,
		MaxInflight:      cfg.Server.MaxInflight,
		GlobalQueueLimit: cfg.Server.MaxInflight * 8,
		MaxFrameBytes:    cfg.Server.MaxFrameBytes,
		Logger:           log,
	}
	if path, ok := strings.CutPrefix(sc.Address, "unix://"); ok {
		sc.Network, sc.Address, sc.UnixSocketPath = "unix", "", path
	}
	return sc
}

func kafkaConfig(c config.KafkaConfig, log logrus.FieldLogger) kafka.Config {
	return kafka.Config{
		Enabled:       c.Enabled,
		Brokers:       c.Brokers,
		Topics:        c.Topics,
		GroupID:       c.GroupID,
		ClientID:      c.ClientID,
		WorkerCount:   c.Workers,
		QueueCapacity: c.QueueCapacity,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: c.Username != "", Mechanism: c.SASLMechanism, Username: c.Username, Password: c.Password},
			TLS:  kafka.TLSConfig{Enabled: c.TLS},
		},
		Logger: log,
	}
}

func rabbitConfig(c config.RabbitMQConfig, log logrus.FieldLogger) rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       c.Enabled,
		URL:           c.URL,
		Endpoints:     c.Endpoints,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		PrefetchCount: c.PrefetchCount,
		ManualAck:     true,
		Workers:       c.Workers,
		DeliveryQueue: c.DeliveryQueue,
		TLS:           rabbitmq.TLSConfig{Enabled: c.TLS, CAFile: c.CAFile},
		Auth:          rabbitmq.AuthConfig{Username: c.Username, Password: c.Password},
		Logger:        log,
	}
}

func notifyConfig(c config.NotifyConfig, log logrus.FieldLogger) notify.Config {
	subs := make([]notify.Subscription, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		brokers := s.Brokers
		if len(brokers) == 0 {
			brokers = c.Brokers
		}
		subs = append(subs, notify.Subscription{ID: s.ID, Space: s.Space, Brokers: brokers, Topic: s.Topic})
	}
	return notify.Config{Interval: c.Interval, Subscriptions: subs, Logger: log}
}
