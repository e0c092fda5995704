package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adjust/rmq/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"transit-ingest/internal/delivery"
	"transit-ingest/internal/event"
)

type RedisConfig struct {
	Address  string
	Password string
	Database int
	Queue    string
	Workers  int
	// ReturnRejected is how often nacked deliveries are moved back to ready.
	ReturnRejected time.Duration
	// MaxDeliver caps how often one payload is delivered. A payload nacked
	// that many times goes to the <Queue>-dead queue. Zero disables the cap.
	MaxDeliver int
}

// nackTTL bounds how long a payload's nack count is remembered.
const nackTTL = 24 * time.Hour

// openQueue connects to Redis and opens the named queue. Connection errors
// reported by rmq are logged until ctx is done.
func openQueue(ctx context.Context, cfg RedisConfig, tag string) (*redis.Client, rmq.Connection, rmq.Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}

	errChan := make(chan error, 10)
	conn, err := rmq.OpenConnectionWithRedisClient(tag, client, errChan)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}
	queue, err := conn.OpenQueue(cfg.Queue)
	if err != nil {
		<-conn.StopAllConsuming()
		client.Close()
		return nil, nil, nil, err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errChan:
				log.Warn().Err(err).Msg("rmq error")
			}
		}
	}()
	return client, conn, queue, nil
}

// nackBudget counts nacks per payload so a payload that never succeeds is
// dead-lettered instead of returning to the queue forever.
type nackBudget struct {
	prefix string
	max    int64
	incr   func(ctx context.Context, key string) (int64, error)
}

func newNackBudget(client redis.Cmdable, queue string, max int) *nackBudget {
	if max <= 0 {
		return nil
	}
	return &nackBudget{
		prefix: "transit-ingest:nacks:" + queue + ":",
		max:    int64(max),
		incr: func(ctx context.Context, key string) (int64, error) {
			n, err := client.Incr(ctx, key).Result()
			if err == nil && n == 1 {
				err = client.Expire(ctx, key, nackTTL).Err()
			}
			return n, err
		},
	}
}

// exhausted records one more nack for payload and reports whether the
// payload has used up its deliveries. A nil budget never runs out.
func (b *nackBudget) exhausted(ctx context.Context, payload string) bool {
	if b == nil {
		return false
	}
	key := b.prefix + strconv.FormatUint(xxhash.Sum64String(payload), 16)
	n, err := b.incr(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("count nack")
		return false
	}
	return n >= b.max
}

// RedisConsumer reads events from an rmq queue. A nack rejects the delivery;
// rejected deliveries are periodically returned to the ready list so they are
// retried, up to MaxDeliver times.
type RedisConsumer struct {
	client  *redis.Client
	conn    rmq.Connection
	queue   rmq.Queue
	budget  *nackBudget
	cfg     RedisConfig
	handler Handler
	metrics ConnMetrics
}

func NewRedisConsumer(ctx context.Context, cfg RedisConfig, h Handler, m ConnMetrics) (*RedisConsumer, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReturnRejected <= 0 {
		cfg.ReturnRejected = 30 * time.Second
	}
	client, conn, queue, err := openQueue(ctx, cfg, "transit-ingest")
	if err != nil {
		return nil, err
	}
	dead, err := conn.OpenQueue(cfg.Queue + "-dead")
	if err != nil {
		<-conn.StopAllConsuming()
		client.Close()
		return nil, err
	}
	queue.SetPushQueue(dead)
	if m != nil {
		m.SetBusConnected(true)
	}
	return &RedisConsumer{
		client:  client,
		conn:    conn,
		queue:   queue,
		budget:  newNackBudget(client, cfg.Queue, cfg.MaxDeliver),
		cfg:     cfg,
		handler: h,
		metrics: m,
	}, nil
}

type rmqMessage struct {
	ctx    context.Context
	d      rmq.Delivery
	budget *nackBudget
}

func (m rmqMessage) Data() []byte { return []byte(m.d.Payload()) }
func (m rmqMessage) Ack() error   { return m.d.Ack() }

// Nak rejects the delivery, or pushes it to the dead-letter queue once the
// payload has no deliveries left.
func (m rmqMessage) Nak() error {
	if m.budget.exhausted(m.ctx, m.d.Payload()) {
		log.Warn().Int64("max_deliver", m.budget.max).Msg("delivery limit reached, moving payload to dead-letter queue")
		return m.d.Push()
	}
	return m.d.Reject()
}

// Run consumes until ctx is cancelled and returns the run's tally.
func (c *RedisConsumer) Run(ctx context.Context) (delivery.Tally, error) {
	var tally delivery.SyncTally

	if err := c.queue.StartConsuming(int64(2*c.cfg.Workers), time.Second); err != nil {
		return tally.Snapshot(), fmt.Errorf("start consuming %s: %w", c.cfg.Queue, err)
	}
	work := context.WithoutCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		if _, err := c.queue.AddConsumerFunc(fmt.Sprintf("ingest-%d", i), func(d rmq.Delivery) {
			dispatch(work, c.handler, rmqMessage{ctx: work, d: d, budget: c.budget}, &tally)
		}); err != nil {
			<-c.conn.StopAllConsuming()
			return tally.Snapshot(), err
		}
	}
	log.Info().Str("queue", c.cfg.Queue).Int("workers", c.cfg.Workers).Int("max_deliver", c.cfg.MaxDeliver).
		Msg("listening for messages")

	ticker := time.NewTicker(c.cfg.ReturnRejected)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-c.conn.StopAllConsuming()
			if c.metrics != nil {
				c.metrics.SetBusConnected(false)
			}
			return tally.Snapshot(), nil
		case <-ticker.C:
			n, err := c.queue.ReturnRejected(1000)
			if err != nil {
				log.Warn().Err(err).Msg("return rejected deliveries")
			} else if n > 0 {
				log.Info().Int64("count", n).Msg("returned rejected deliveries for retry")
			}
		}
	}
}

func (c *RedisConsumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

type RedisPublisher struct {
	client  *redis.Client
	conn    rmq.Connection
	queue   rmq.Queue
	metrics PublisherMetrics
}

func NewRedisPublisher(ctx context.Context, cfg RedisConfig, m PublisherMetrics) (*RedisPublisher, error) {
	client, conn, queue, err := openQueue(ctx, cfg, "transit-ingest-replay")
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, conn: conn, queue: queue, metrics: m}, nil
}

func (p *RedisPublisher) Publish(_ context.Context, e *event.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	start := time.Now()
	err = p.queue.PublishBytes(b)
	observePublish(p.metrics, start, err)
	return err
}

func (p *RedisPublisher) Close() {
	<-p.conn.StopAllConsuming()
	p.client.Close()
}
