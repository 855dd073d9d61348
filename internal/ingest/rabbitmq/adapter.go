// Package rabbitmq consumes write envelopes from an AMQP queue. A delivery is acked after its
// version commits, requeued when the write failed for infrastructure reasons, and dropped
// when the envelope itself is unusable.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"geoledger/internal/domain"
	"geoledger/internal/hashroute"
	"geoledger/internal/ingest"
)

type Config struct {
	Enabled       bool
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	ManualAck     bool
	TLS           TLSConfig
	Auth          AuthConfig
	Workers       int
	DeliveryQueue int
	Logger        logrus.FieldLogger
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

type Adapter struct {
	cfg      Config
	log      logrus.FieldLogger
	writer   ingest.Writer
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	workers  []chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
	req      domain.WriteRequest
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.ManualAck {
		return fmt.Errorf("rabbitmq manual_ack must be true")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.Workers < 1 {
		return fmt.Errorf("rabbitmq workers must be >= 1")
	}
	if c.DeliveryQueue < 1 {
		return fmt.Errorf("rabbitmq delivery_queue must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func NewAdapter(cfg Config, writer ingest.Writer) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "geoledger-rabbitmq"
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     cfg.Logger.WithField("transport", "rabbitmq"),
		writer:  writer,
		closed:  make(chan struct{}),
		workers: make([]chan deliveryTask, cfg.Workers),
	}
	per := cfg.DeliveryQueue / cfg.Workers
	if per < 1 {
		per = 1
	}
	for i := range a.workers {
		a.workers[i] = make(chan deliveryTask, per)
	}
	return a, nil
}

// Start declares the topology, begins consuming and returns; deliveries are processed in the
// background until ctx is done or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if tlsCfg, err := a.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(a.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(format string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf(format, err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		return fail("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			return fail("bind queue key="+key+": %w", err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries
	a.log.WithFields(logrus.Fields{"queue": a.cfg.Queue, "exchange": a.cfg.Exchange}).Info("consuming")

	a.wg.Add(1)
	go a.readLoop(ctx)
	for _, q := range a.workers {
		a.wg.Add(1)
		go a.workerLoop(ctx, q)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	a.closeErr.Store(err)
	return err
}

// readLoop decodes each delivery and hands it to the worker owning its space, so envelopes
// for one space are written in delivery order.
func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			req, err := ingest.Decode(d.Body)
			if err != nil {
				a.drop(d, err)
				continue
			}
			select {
			case a.workerFor(req.Space) <- deliveryTask{ctx: ctx, delivery: d, req: req}:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerFor(space string) chan deliveryTask {
	return a.workers[hashroute.PartitionForSpace(space)%len(a.workers)]
}

func (a *Adapter) workerLoop(ctx context.Context, q chan deliveryTask) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task := <-q:
			a.processDelivery(task.ctx, task.delivery, task.req)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery, req domain.WriteRequest) {
	res, err := a.writer.Write(ctx, req)
	if err == nil {
		a.log.WithFields(logrus.Fields{"source": a.source(d), "space": req.Space, "version": res.Version}).Debug("envelope applied")
		_ = d.Ack(false)
		return
	}
	if ingest.Retryable(err) {
		a.log.WithError(err).WithField("source", a.source(d)).Warn("write failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	a.drop(d, err)
}

func (a *Adapter) drop(d amqp091.Delivery, err error) {
	a.log.WithError(err).WithField("source", a.source(d)).Warn("dropping envelope that cannot be applied")
	_ = d.Nack(false, false)
}

func (a *Adapter) source(d amqp091.Delivery) string {
	return ingest.Source("rabbitmq", d.Exchange, d.RoutingKey, d.DeliveryTag)
}

func (a *Adapter) buildTLSConfig() (*tls.Config, error) {
	if !a.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify, ServerName: a.cfg.TLS.ServerName}
	if a.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(a.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if a.cfg.TLS.CertFile != "" || a.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(a.cfg.TLS.CertFile, a.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
