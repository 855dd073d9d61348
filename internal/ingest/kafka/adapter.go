// Package kafka consumes write envelopes from Kafka topics. A record's offset is committed only
// once its version is committed, or once the envelope is known to fail the same way forever.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"geoledger/internal/ingest"
)

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	RetryBackoff   time.Duration
	MaxBackoff     time.Duration
	Auth           AuthConfig
	Fetch          FetchConfig
	Logger         logrus.FieldLogger
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

// SASLConfig.Mechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg Config
	log logrus.FieldLogger

	client  *kgo.Client
	workers []chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	writer       ingest.Writer
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, writer ingest.Writer, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("kafka: writer is required")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		mech, err := cfg.Auth.SASL.mechanism()
		if err != nil {
			return nil, err
		}
		kopts = append(kopts, kgo.SASL(mech))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, writer)
	a.client = cl
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, writer ingest.Writer) *Adapter {
	cfg.withDefaults()
	a := &Adapter{
		cfg:     cfg,
		log:     cfg.Logger.WithField("transport", "kafka"),
		writer:  writer,
		workers: make([]chan *kgo.Record, cfg.WorkerCount),
		acks:    make(chan recordAck, cfg.QueueCapacity),
	}
	per := cfg.QueueCapacity / cfg.WorkerCount
	if per < 1 {
		per = 1
	}
	for i := range a.workers {
		a.workers[i] = make(chan *kgo.Record, per)
	}
	return a
}

func (s SASLConfig) mechanism() (sasl.Mechanism, error) {
	switch strings.ToUpper(s.Mechanism) {
	case "", "PLAIN":
		return plain.Auth{User: s.Username, Pass: s.Password}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: s.Username, Pass: s.Password}.AsSha512Mechanism(), nil
	}
	return nil, fmt.Errorf("unsupported kafka sasl mechanism %q", s.Mechanism)
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.Auth.SASL.Enabled {
		if _, err := c.Auth.SASL.mechanism(); err != nil {
			return err
		}
	}
	return nil
}

// Start consumes until ctx is done.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()
	for _, q := range a.workers {
		wg.Add(1)
		go func(q chan *kgo.Record) {
			defer wg.Done()
			a.runWorker(ctx, q)
		}(q)
	}
	stop := func() {
		for _, q := range a.workers {
			close(q)
		}
		wg.Wait()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			stop()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				continue
			}
			stop()
			return fmt.Errorf("kafka fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				a.dispatch(ctx, rec)
			}
		})
		a.client.AllowRebalance()
	}
}

// dispatch hands rec to the worker owning its partition, so records of one partition are
// written and committed in offset order.
func (a *Adapter) dispatch(ctx context.Context, rec *kgo.Record) {
	q := a.workers[int(rec.Partition)%len(a.workers)]
	for {
		select {
		case q <- rec:
			a.maybeResume(q)
			return
		case <-ctx.Done():
			return
		default:
			a.maybePause(q)
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (a *Adapter) runWorker(ctx context.Context, q chan *kgo.Record) {
	for rec := range q {
		ack := recordAck{record: rec, err: a.apply(ctx, rec)}
		select {
		case a.acks <- ack:
		case <-ctx.Done():
		}
	}
}

// apply writes the envelope in rec, retrying infrastructure failures until ctx is done.
func (a *Adapter) apply(ctx context.Context, rec *kgo.Record) error {
	log := a.log.WithField("source", ingest.Source("kafka", rec.Topic, rec.Partition, rec.Offset))
	req, err := ingest.Decode(rec.Value)
	if err != nil {
		return err
	}
	backoff := a.cfg.RetryBackoff
	for {
		res, err := a.writer.Write(ctx, req)
		if err == nil {
			log.WithFields(logrus.Fields{"space": req.Space, "version": res.Version}).Debug("envelope applied")
			return nil
		}
		if !ingest.Retryable(err) || ctx.Err() != nil {
			return err
		}
		log.WithError(err).Warnf("write failed, retrying in %s", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > a.cfg.MaxBackoff {
			backoff = a.cfg.MaxBackoff
		}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				if ingest.Retryable(ack.err) {
					continue
				}
				a.log.WithError(ack.err).WithField("source", ingest.Source("kafka", ack.record.Topic, ack.record.Partition, ack.record.Offset)).
					Warn("dropping envelope that cannot be applied")
			}
			a.markCommit(ack.record)
			if err := a.commitMarked(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Warn("commit offsets")
			}
		}
	}
}

func (a *Adapter) maybePause(q chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(q) < cap(q) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume(q chan *kgo.Record) {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(q) > cap(q)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}

// Close stops the poll loop after the current fetch.
func (a *Adapter) Close() { a.closed.Store(true) }
