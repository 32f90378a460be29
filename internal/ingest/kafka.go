package ingest

import (
	"context"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"valuelog/internal/config"
	"valuelog/internal/driver"
	"valuelog/internal/logging"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaReader consumes one sample line per message from a topic.
type KafkaReader struct {
	reader messageReader
	parser *Parser
	logger *slog.Logger
}

func NewKafkaReader(cfg config.KafkaConfig, parser *Parser, logger *slog.Logger) *KafkaReader {
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaReader(reader, parser, logger)
}

func newKafkaReader(reader messageReader, parser *Parser, logger *slog.Logger) *KafkaReader {
	if parser == nil {
		parser = NewParser(nil)
	}
	return &KafkaReader{reader: reader, parser: parser, logger: logger}
}

func (k *KafkaReader) Name() string { return "kafka" }

func (k *KafkaReader) Read(ctx context.Context) ([]driver.Reading, error) {
	for {
		m, err := k.reader.ReadMessage(ctx)
		if err != nil {
			return nil, err
		}
		readings, err := k.parser.ParseLine(string(m.Value))
		if err != nil {
			return nil, parseErr(k.Name(), string(m.Value), err)
		}
		if len(readings) > 0 {
			return readings, nil
		}
	}
}

func (k *KafkaReader) Close() error {
	return k.reader.Close()
}
