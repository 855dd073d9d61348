// Package notify streams committed changesets of a space to a Kafka topic. Progress is kept
// in a system tag per subscription and moved only after the broker acknowledged the records,
// so a subscriber sees every version at least once.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"geoledger/internal/core"
	"geoledger/internal/domain"
	"geoledger/internal/metrics"
)

type Subscription struct {
	ID      string
	Space   string
	Brokers []string
	Topic   string
}

func (s Subscription) validate() error {
	switch {
	case s.ID == "":
		return errors.New("notify subscription id is required")
	case s.Space == "":
		return fmt.Errorf("notify subscription %q: space is required", s.ID)
	case s.Topic == "":
		return fmt.Errorf("notify subscription %q: topic is required", s.ID)
	case len(s.Brokers) == 0:
		return fmt.Errorf("notify subscription %q: brokers are required", s.ID)
	}
	return nil
}

type Config struct {
	Interval      time.Duration
	PageLimit     int
	Subscriptions []Subscription
	Logger        logrus.FieldLogger
}

// Source is the part of the core service a notifier reads from.
type Source interface {
	Statistics(ctx context.Context, space, branchID string) (domain.HistoryStatistics, error)
	Changesets(ctx context.Context, req core.ChangesetRequest) (domain.ChangesetPage, error)
	Checkpoint(ctx context.Context, space, subscription string) (int64, bool, error)
	SetCheckpoint(ctx context.Context, space, subscription string, version int64) error
}

// Publisher delivers records synchronously; a nil error means every record was acked.
type Publisher interface {
	Publish(ctx context.Context, records ...*kgo.Record) error
	Close()
}

// Dialer opens the publisher of one subscription.
type Dialer func(Subscription) (Publisher, error)

type Notifier struct {
	cfg  Config
	src  Source
	log  logrus.FieldLogger
	subs []Subscription
	pubs map[string]Publisher
}

func New(cfg Config, src Source, dial Dialer) (*Notifier, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if dial == nil {
		dial = DialKafka
	}
	n := &Notifier{cfg: cfg, src: src, log: cfg.Logger.WithField("component", "notify"), pubs: map[string]Publisher{}}
	for _, sub := range cfg.Subscriptions {
		if err := sub.validate(); err != nil {
			n.Close()
			return nil, err
		}
		if _, dup := n.pubs[sub.ID]; dup {
			n.Close()
			return nil, fmt.Errorf("duplicate notify subscription %q", sub.ID)
		}
		pub, err := dial(sub)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("notify subscription %q: %w", sub.ID, err)
		}
		n.subs = append(n.subs, sub)
		n.pubs[sub.ID] = pub
	}
	return n, nil
}

// Run ticks until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	t := time.NewTicker(n.cfg.Interval)
	defer t.Stop()
	for {
		if err := n.Tick(ctx); err != nil && ctx.Err() == nil {
			n.log.WithError(err).Warn("notify tick")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Tick delivers the pending versions of every subscription.
func (n *Notifier) Tick(ctx context.Context) error {
	var errs []error
	for _, sub := range n.subs {
		if err := n.deliver(ctx, sub); err != nil {
			errs = append(errs, fmt.Errorf("subscription %q: %w", sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) deliver(ctx context.Context, sub Subscription) error {
	log := n.log.WithFields(logrus.Fields{"subscription": sub.ID, "space": sub.Space})
	stats, err := n.src.Statistics(ctx, sub.Space, "")
	if err != nil {
		return err
	}
	checkpoint, found, err := n.src.Checkpoint(ctx, sub.Space, sub.ID)
	if err != nil {
		return err
	}
	start := checkpoint + 1
	if start < stats.MinVersion {
		if found {
			log.WithField("version", checkpoint).Warnf("versions up to %d were purged before delivery", stats.MinVersion-1)
		}
		start = stats.MinVersion
	}
	if start > stats.MaxVersion {
		return nil
	}

	req := core.ChangesetRequest{Space: sub.Space, Start: start, End: stats.MaxVersion, Limit: n.cfg.PageLimit}
	pub := n.pubs[sub.ID]
	for {
		page, err := n.src.Changesets(ctx, req)
		if err != nil {
			return err
		}
		if len(page.Versions) == 0 {
			return nil
		}
		records := make([]*kgo.Record, 0, len(page.Versions))
		for _, v := range page.Versions {
			value, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode version %d: %w", v.Version, err)
			}
			records = append(records, &kgo.Record{Topic: sub.Topic, Key: []byte(sub.Space), Value: value})
		}
		if err := pub.Publish(ctx, records...); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
		last := page.Versions[len(page.Versions)-1].Version
		if err := n.src.SetCheckpoint(ctx, sub.Space, sub.ID, last); err != nil {
			return err
		}
		metrics.Notified(sub.ID, len(records))
		log.WithField("version", last).Debugf("published %d versions", len(records))
		if page.NextPageToken == "" {
			return nil
		}
		req.PageToken = page.NextPageToken
	}
}

func (n *Notifier) Close() {
	for _, pub := range n.pubs {
		pub.Close()
	}
}

type kafkaPublisher struct {
	client *kgo.Client
}

// DialKafka opens a producer that waits for all in-sync replicas.
func DialKafka(sub Subscription) (Publisher, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(sub.Brokers...),
		kgo.DefaultProduceTopic(sub.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ClientID("geoledger-notify-"+sub.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &kafkaPublisher{client: cl}, nil
}

func (p *kafkaPublisher) Publish(ctx context.Context, records ...*kgo.Record) error {
	return p.client.ProduceSync(ctx, records...).FirstErr()
}

func (p *kafkaPublisher) Close() { p.client.Close() }
