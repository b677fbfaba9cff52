package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/IliaW/front-page-snapshot-worker/config"
	"github.com/IliaW/front-page-snapshot-worker/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// KafkaProducerClient drains the record channel and publishes every outcome
// record as JSON, keyed by fingerprint so records for one target land on one
// partition. Runs until the channel is closed.
type KafkaProducerClient struct {
	recordChan <-chan *model.OutcomeRecord
	cfg        *config.ProducerConfig
	log        *slog.Logger
	wg         *sync.WaitGroup
}

func NewKafkaProducer(recordChan <-chan *model.OutcomeRecord, cfg *config.ProducerConfig,
	log *slog.Logger, wg *sync.WaitGroup) *KafkaProducerClient {
	return &KafkaProducerClient{
		recordChan: recordChan,
		cfg:        cfg,
		log:        log,
		wg:         wg,
	}
}

func (p *KafkaProducerClient) Run() {
	defer p.wg.Done()
	p.log.Info("starting kafka producer...", slog.String("topic", p.cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(p.cfg.Addr, ",")...),
		Topic:        p.cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  p.cfg.MaxAttempts,
		BatchSize:    1,                // the parameter is controlled by 'batchTicker' variable
		BatchTimeout: time.Millisecond, // the parameter is controlled by 'batch' variable
		ReadTimeout:  p.cfg.ReadTimeout,
		WriteTimeout: p.cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.cfg.RequiredAsks),
		Async:        p.cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			p.log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	batchTicker := time.NewTicker(p.cfg.BatchTimeout)
	batch := make([]kafka.Message, 0, p.cfg.BatchSize)
	writeMessage := func(batch []kafka.Message) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		err := w.WriteMessages(ctx, batch...)
		if err != nil {
			p.log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			return
		}
		p.log.Debug("successfully sent messages to kafka.", slog.Int("batch length", len(batch)))
	}

	for record := range p.recordChan {
		body, err := json.Marshal(record)
		if err != nil {
			p.log.Error("marshaling error.", slog.String("err", err.Error()),
				slog.Any("record", record))
			continue
		}
		batch = append(batch, kafka.Message{
			Key:   []byte(record.GNIS),
			Value: body,
		})
		select {
		case <-batchTicker.C:
			writeMessage(batch)
			batch = batch[:0]
		default:
			if len(batch) >= p.cfg.BatchSize {
				writeMessage(batch)
				batch = batch[:0]
			}
		}
	}
	// Some messages may remain in the batch after recordChan is closed
	if len(batch) > 0 {
		p.log.Debug("messages in batch.", slog.Int("count", len(batch)))
		writeMessage(batch)
	}
	p.log.Info("stopping kafka writer.")
}
