package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// BrokerConfig configures the Kafka connection JobEngine produces warm/
// invalidate jobs onto and consumes them from, one topic per priority class.
// Grounded on pkg/invalidation/kafka.InvalidationConfig/FromEnv: Brokers
// unset or Enabled=false keeps JobEngine entirely in-process (Queue only),
// exactly as DriverNone disables the teacher's own Kafka runner.
type BrokerConfig struct {
	Enabled     bool
	Brokers     []string
	TopicPrefix string
	GroupID     string
}

func (c BrokerConfig) topicFor(p Priority) string {
	prefix := c.TopicPrefix
	if prefix == "" {
		prefix = "tiles-jobs"
	}
	return prefix + "-" + string(p)
}

// SplitBrokers parses a comma-separated broker list, the same helper shape
// as kafka.split/kafkaconsumer.splitCSV.
func SplitBrokers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}

// Producer publishes a WireJob onto its priority's topic. KafkaProducer is
// the real implementation; tests use a fake.
type Producer interface {
	Publish(ctx context.Context, job WireJob) error
	Close() error
}

// KafkaProducer wraps a sarama.SyncProducer, one topic per priority class.
type KafkaProducer struct {
	cfg  BrokerConfig
	prod sarama.SyncProducer
}

// NewKafkaProducer dials brokers and builds a synchronous, idempotent-enough
// (acks=all) producer, mirroring the teacher's consumer-side config style
// (pkg/invalidation/kafka.Runner.Start) applied to the producer side sarama
// also exposes.
func NewKafkaProducer(cfg BrokerConfig) (*KafkaProducer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	prod, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaProducer{cfg: cfg, prod: prod}, nil
}

func (p *KafkaProducer) Publish(_ context.Context, job WireJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, _, err = p.prod.SendMessage(&sarama.ProducerMessage{
		Topic: p.cfg.topicFor(job.Priority),
		Key:   sarama.StringEncoder(job.ID),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

func (p *KafkaProducer) Close() error { return p.prod.Close() }

// Consumer bridges one priority's Kafka topic onto the in-process Queue via
// a sarama consumer group, the same Setup/Cleanup/ConsumeClaim handler shape
// pkg/invalidation/kafka.Runner and internal/invalidation/kafkaconsumer use,
// with readiness reported the same way (partition assignment tracked on
// Setup/Cleanup).
type Consumer struct {
	cfg      BrokerConfig
	priority Priority
	queue    *Queue
	logger   zerolog.Logger

	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumer(cfg BrokerConfig, priority Priority, queue *Queue, logger zerolog.Logger) *Consumer {
	return &Consumer{cfg: cfg, priority: priority, queue: queue, logger: logger, assign: map[int32]struct{}{}}
}

// Start dials the broker and runs the consume loop until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID+"-"+string(c.priority), sc)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	handler := &jobGroupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(true)
			c.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					c.assign[p] = struct{}{}
				}
			}
			c.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			c.assignMu.Lock()
			c.assigned.Store(false)
			c.assign = map[int32]struct{}{}
			c.assignMu.Unlock()
		},
		process: c.handleMessage,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = group.Close() }()
		for {
			if err := group.Consume(ctx, []string{c.cfg.topicFor(c.priority)}, handler); err != nil {
				c.logger.Error().Err(err).Str("priority", string(c.priority)).Msg("kafka consume error")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// Readiness reports whether this priority's consumer currently holds a
// partition assignment, for the /healthz endpoint.
func (c *Consumer) Readiness() (ready bool, partitions []int32) {
	if !c.assigned.Load() {
		return false, nil
	}
	c.assignMu.RLock()
	defer c.assignMu.RUnlock()
	for p := range c.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (c *Consumer) handleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	var job WireJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		c.logger.Error().Err(err).Msg("job decode failed")
		return nil // poison message: drop rather than block the partition forever
	}
	if err := c.queue.Enqueue(job); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.ID).Msg("queue full, dropping job from broker")
	}
	return nil
}

type jobGroupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *jobGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *jobGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *jobGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
