// internal/processor/account.go
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/internal/metrics"
	"github.com/Wxveshack/ibkr/pkg/kafka"
	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

var errUndecodableFrame = errors.New("processor: undecodable frame")

// AccountEvent — обновление значения счёта, публикуемое в Kafka.
type AccountEvent struct {
	Account    string `json:"account"`
	Key        string `json:"key"`
	Value      string `json:"value"`
	Currency   string `json:"currency,omitempty"`
	ReceivedAt int64  `json:"received_at"` // Unix ms
}

type accountProcessor struct {
	producer kafka.Producer
	topic    string
	log      *logger.Logger
}

// NewAccountProcessor публикует обновления значений счёта в topic.
func NewAccountProcessor(p kafka.Producer, topic string, log *logger.Logger) Processor {
	return &accountProcessor{producer: p, topic: topic, log: log.Named("account")}
}

func (ap *accountProcessor) Process(ctx context.Context, fields []string) error {
	ctx, span := otel.Tracer("ibkr/processor/account").Start(ctx, "Process")
	defer span.End()

	value, ok := tws.DecodeAccountValue(fields)
	if !ok {
		metrics.ParseErrors.Inc()
		ap.log.WithContext(ctx).Error("undecodable account frame",
			zap.Strings("fields", fields))
		span.RecordError(errUndecodableFrame)
		return nil
	}

	metrics.AccountUpdatesTotal.Inc()
	start := time.Now()

	evt := AccountEvent{
		Account:    value.Account,
		Key:        value.Key,
		Value:      value.Value,
		Currency:   value.Currency,
		ReceivedAt: start.UnixMilli(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		metrics.SerializeErrors.Inc()
		ap.log.WithContext(ctx).Error("marshal account value failed", zap.Error(err))
		span.RecordError(err)
		return nil
	}

	key := []byte(value.Account + ":" + value.Key)
	if err := ap.producer.Publish(ctx, ap.topic, key, payload); err != nil {
		metrics.PublishErrors.Inc()
		ap.log.WithContext(ctx).Error("publish account value failed", zap.Error(err))
		span.RecordError(err)
		return err
	}
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	return nil
}
