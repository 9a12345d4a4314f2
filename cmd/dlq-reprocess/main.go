// Command dlq-reprocess возвращает сообщения из storefront.dlq в исходные топики.
// По умолчанию работает в режиме dry-run и только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "STOREFRONT_KAFKA_BROKERS"

	headerReplayedFrom = "x-replayed-from"
)

type config struct {
	brokers     []string
	sourceTopic string
	orderTopic  string
	eventTypes  map[string]struct{}
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// consumerDeadLetter — запись, которую consumer кладёт в DLQ после исчерпания повторов.
type consumerDeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxDeadLetter — полезная нагрузка outbox-события, не доставленного в Kafka.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
}

type replayMessage struct {
	topic     string
	key       string
	eventType string
	value     []byte
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// connect открывает клиент Kafka; producer создаётся только в режиме execute.
var connect = func(cfg config) (offsetClient, partitionSource, sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Retry.Max = 5

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !cfg.execute {
		return client, saramaSource{consumer: consumer}, nil, nil
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return client, saramaSource{consumer: consumer}, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fail("load .env: %v", err)
	}

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	var (
		cfg        config
		brokersRaw string
		eventsRaw  string
	)

	fset := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fset.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+envKafkaBrokers+")")
	fset.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	fset.StringVar(&cfg.orderTopic, "order-topic", kafka.TopicOrderEvents, "topic for replayed outbox events")
	fset.StringVar(&eventsRaw, "event-types", "", "replay only these event types, comma-separated (default: all)")
	fset.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fset.BoolVar(&cfg.execute, "execute", false, "publish messages; default is dry-run")
	fset.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the latest messages first (bounded by limit)")
	fset.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	if err := fset.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv(envKafkaBrokers)
	}
	cfg.brokers = splitList(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	}
	if events := splitList(eventsRaw); len(events) > 0 {
		cfg.eventTypes = make(map[string]struct{}, len(events))
		for _, event := range events {
			cfg.eventTypes[event] = struct{}{}
		}
	}

	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.orderTopic = strings.TrimSpace(cfg.orderTopic)
	switch {
	case cfg.sourceTopic == "":
		return config{}, errors.New("source-topic is required")
	case cfg.orderTopic == "":
		return config{}, errors.New("order-topic is required")
	case cfg.sourceTopic == cfg.orderTopic:
		return config{}, errors.New("source-topic and order-topic must differ")
	case cfg.limit <= 0:
		return config{}, errors.New("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return config{}, errors.New("idle-timeout must be > 0")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, chunk := range strings.Split(raw, ",") {
		if chunk = strings.TrimSpace(chunk); chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func run(ctx context.Context, cfg config) error {
	client, source, producer, err := connect(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		_ = source.Close()
		_ = client.Close()
	}()

	r := &replayer{cfg: cfg, client: client, source: source, producer: producer}
	return r.run(ctx)
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

type replayer struct {
	cfg      config
	client   offsetClient
	source   partitionSource
	producer sarama.SyncProducer
	stats    replayStats
}

func (r *replayer) run(ctx context.Context) error {
	if r.cfg.execute && r.producer == nil {
		return errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if r.stats.scanned >= r.cfg.limit {
			break
		}
		if err := r.drain(ctx, partition); err != nil {
			return err
		}
	}

	mode := "dry-run"
	if r.cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  r.stats.scanned,
		"replayed": r.stats.replayed,
		"skipped":  r.stats.skipped,
	}).Info("dlq replay finished")
	return nil
}

// drain читает партицию от стартового смещения до high watermark, зафиксированного при старте.
func (r *replayer) drain(ctx context.Context, partition int32) error {
	topic := r.cfg.sourceTopic
	oldest, err := r.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if r.cfg.fromNewest {
		start = max(newest-int64(r.cfg.limit-r.stats.scanned), oldest)
	}

	pc, err := r.source.ConsumePartition(topic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()
	errs := pc.Errors()

	for r.stats.scanned < r.cfg.limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			log.WithField("partition", partition).Warn("partition idle before high watermark")
			return nil
		case cerr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if cerr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)

			if err := r.handle(msg); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	r.stats.scanned++
	fields := log.Fields{"partition": msg.Partition, "offset": msg.Offset}

	replay, ok, err := decodeDeadLetter(msg, r.cfg.orderTopic)
	switch {
	case err != nil:
		r.stats.skipped++
		log.WithError(err).WithFields(fields).Warn("skip malformed dlq message")
		return nil
	case !ok:
		r.stats.skipped++
		return nil
	case !r.wanted(replay.eventType):
		r.stats.skipped++
		return nil
	}

	fields["target_topic"] = replay.topic
	fields["key"] = replay.key
	fields["event_type"] = replay.eventType
	if !r.cfg.execute {
		r.stats.replayed++
		log.WithFields(fields).Info("dlq replay candidate")
		return nil
	}

	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: replay.topic,
		Key:   sarama.StringEncoder(replay.key),
		Value: sarama.ByteEncoder(replay.value),
		Headers: []sarama.RecordHeader{{
			Key:   []byte(headerReplayedFrom),
			Value: []byte(fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)),
		}},
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish replay message: %w", err)
	}
	r.stats.replayed++
	log.WithFields(fields).Info("dlq message replayed")
	return nil
}

func (r *replayer) wanted(eventType string) bool {
	if len(r.cfg.eventTypes) == 0 {
		return true
	}
	_, ok := r.cfg.eventTypes[eventType]
	return ok
}

// decodeDeadLetter распознаёт оба формата DLQ. ok=false означает, что сообщение не подлежит повтору.
func decodeDeadLetter(msg *sarama.ConsumerMessage, orderTopic string) (replayMessage, bool, error) {
	var dead consumerDeadLetter
	if err := json.Unmarshal(msg.Value, &dead); err == nil && dead.OriginalValue != "" {
		topic := strings.TrimSpace(headerValue(msg, kafka.HeaderOriginalTopic))
		if topic == "" {
			topic = strings.TrimSpace(dead.OriginalTopic)
		}
		if topic == "" {
			return replayMessage{}, false, errors.New("consumer dead letter has no original topic")
		}
		return replayMessage{
			topic:     topic,
			key:       dead.OriginalKey,
			eventType: eventTypeOf([]byte(dead.OriginalValue)),
			value:     []byte(dead.OriginalValue),
		}, true, nil
	}

	var envelope kafka.OrderEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}
	var outbox outboxDeadLetter
	if err := json.Unmarshal(envelope.Payload, &outbox); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(outbox.Payload) == 0 {
		return replayMessage{}, false, errors.New("outbox dead letter has no original payload")
	}

	replay := kafka.OrderEnvelope{
		ID:            firstNonEmpty(outbox.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(outbox.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(outbox.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(outbox.EventType, envelope.EventType),
		Payload:       outbox.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}
	return replayMessage{
		topic:     orderTopic,
		key:       firstNonEmpty(replay.AggregateID, replay.ID),
		eventType: replay.EventType,
		value:     encoded,
	}, true, nil
}

func headerValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// eventTypeOf достаёт event_type из исходного сообщения, если он там есть.
func eventTypeOf(raw []byte) string {
	var probe struct {
		EventType string `json:"event_type"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.EventType
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
