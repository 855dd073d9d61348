package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"geoledger/internal/domain"
)

type recordingWriter struct {
	mu      sync.Mutex
	applied []domain.WriteRequest
	fn      func(domain.WriteRequest) error
}

func (r *recordingWriter) Write(_ context.Context, req domain.WriteRequest) (domain.WriteResult, error) {
	r.mu.Lock()
	r.applied = append(r.applied, req)
	n := len(r.applied)
	r.mu.Unlock()
	if r.fn != nil {
		if err := r.fn(req); err != nil {
			return domain.WriteResult{}, err
		}
	}
	return domain.WriteResult{Space: req.Space, Version: int64(n), Committed: true}, nil
}

func (r *recordingWriter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func runRabbitMQ(t *testing.T) (string, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("rabbitmq container unavailable: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatalf("mapped port: %v", err)
	}
	url := fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
	return url, func() { _ = c.Terminate(ctx) }
}

func publish(t *testing.T, ch *amqp091.Channel, exchange, key string, body []byte) {
	t.Helper()
	if err := ch.PublishWithContext(context.Background(), exchange, key, false, false, amqp091.Publishing{ContentType: "application/json", Body: body}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func openChannel(t *testing.T, url string) (*amqp091.Connection, *amqp091.Channel) {
	t.Helper()
	conn, err := amqp091.Dial(url)
	if err != nil {
		t.Fatalf("dial amqp: %v", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("channel: %v", err)
	}
	return conn, ch
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(25 * time.Millisecond)
	}
	return cond()
}

func TestAdapterIntegration_AckAndRedeliveryAndDrop(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	var once sync.Once
	writer := &recordingWriter{fn: func(domain.WriteRequest) error {
		var err error
		once.Do(func() { err = errors.New("database is locked") })
		return err
	}}
	cfg := Config{Enabled: true, URL: url, Exchange: "geoledger.writes", Queue: "geoledger.ingest", RoutingKeys: []string{"writes.*"}, ConsumerTag: "geoledger-it", PrefetchCount: 2, ManualAck: true, Workers: 2, DeliveryQueue: 32}
	adapter, err := NewAdapter(cfg, writer)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "writes.roads", []byte(`{"space":"roads","features":{"type":"Feature","id":"a","geometry":null,"properties":{}}}`))
	publish(t, ch, cfg.Exchange, "writes.roads", []byte(`{"space":"roads"`))

	if !waitFor(t, 8*time.Second, func() bool { return writer.count() >= 2 }) {
		t.Fatalf("expected redelivery after retryable nack, got writes=%d", writer.count())
	}

	out, err := ch.Consume(cfg.Queue, "verify-empty", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("consume verify queue: %v", err)
	}
	select {
	case d := <-out:
		_ = d.Nack(false, true)
		t.Fatalf("expected malformed envelope to be dropped, not requeued")
	case <-time.After(700 * time.Millisecond):
	}
}

func TestAdapterIntegration_BackpressurePrefetchOne(t *testing.T) {
	url, cleanup := runRabbitMQ(t)
	defer cleanup()

	release := make(chan struct{})
	writer := &recordingWriter{fn: func(domain.WriteRequest) error {
		<-release
		return nil
	}}
	cfg := Config{Enabled: true, URL: url, Exchange: "geoledger.writes2", Queue: "geoledger.prefetch", RoutingKeys: []string{"writes.prefetch"}, ConsumerTag: "geoledger-prefetch", PrefetchCount: 1, ManualAck: true, Workers: 1, DeliveryQueue: 1}
	adapter, err := NewAdapter(cfg, writer)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := adapter.Start(ctx); err != nil {
		t.Fatalf("adapter start: %v", err)
	}
	defer adapter.Close()

	conn, ch := openChannel(t, url)
	defer conn.Close()
	defer ch.Close()

	publish(t, ch, cfg.Exchange, "writes.prefetch", []byte(`{"space":"one","delete":["a"]}`))
	publish(t, ch, cfg.Exchange, "writes.prefetch", []byte(`{"space":"two","delete":["b"]}`))

	time.Sleep(400 * time.Millisecond)
	if got := writer.count(); got != 1 {
		t.Fatalf("expected only one inflight write with prefetch=1, got %d", got)
	}
	close(release)
	if !waitFor(t, 5*time.Second, func() bool { return writer.count() >= 2 }) {
		t.Fatalf("expected second delivery after first ack, got writes=%d", writer.count())
	}
}
