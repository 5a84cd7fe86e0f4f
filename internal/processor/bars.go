// internal/processor/bars.go
package processor

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/internal/metrics"
	"github.com/Wxveshack/ibkr/pkg/kafka"
	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

// BarEvent — бар в том виде, в котором он публикуется в Kafka.
type BarEvent struct {
	Symbol     string  `json:"symbol"`
	Date       string  `json:"date"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	WAP        float64 `json:"wap"`
	Count      int     `json:"count"`
	ReceivedAt int64   `json:"received_at"` // Unix ms
}

type barProcessor struct {
	producer kafka.Producer
	topic    string
	symbol   string
	log      *logger.Logger
}

// NewBarProcessor публикует бары инструмента symbol в topic. Обрабатывает
// и стартовый пакет, и последующие обновления keepUpToDate-потока.
func NewBarProcessor(p kafka.Producer, topic, symbol string, log *logger.Logger) Processor {
	return &barProcessor{producer: p, topic: topic, symbol: symbol, log: log.Named("bars")}
}

func (bp *barProcessor) Process(ctx context.Context, fields []string) error {
	ctx, span := otel.Tracer("ibkr/processor/bars").Start(ctx, "Process")
	defer span.End()

	var bars []tws.Bar
	if bar, ok := tws.DecodeBarUpdate(fields); ok {
		bars = []tws.Bar{bar}
	} else if packet, ok := tws.DecodeBarPacket(fields); ok {
		bars = packet
	} else {
		metrics.ParseErrors.Inc()
		bp.log.WithContext(ctx).Error("undecodable bar frame",
			zap.String("symbol", bp.symbol),
			zap.Strings("fields", fields))
		span.RecordError(errUndecodableFrame)
		return nil
	}

	now := time.Now()
	for _, bar := range bars {
		metrics.BarsTotal.Inc()

		evt := BarEvent{
			Symbol:     bp.symbol,
			Date:       bar.Date,
			Open:       bar.Open,
			High:       bar.High,
			Low:        bar.Low,
			Close:      bar.Close,
			Volume:     bar.Volume,
			WAP:        bar.WAP,
			Count:      bar.Count,
			ReceivedAt: now.UnixMilli(),
		}

		payload, err := json.Marshal(evt)
		if err != nil {
			metrics.SerializeErrors.Inc()
			bp.log.WithContext(ctx).Error("marshal bar failed", zap.Error(err))
			span.RecordError(err)
			return nil
		}

		if err := bp.producer.Publish(ctx, bp.topic, []byte(bp.symbol), payload); err != nil {
			metrics.PublishErrors.Inc()
			bp.log.WithContext(ctx).Error("publish bar failed",
				zap.String("symbol", bp.symbol), zap.Error(err))
			span.RecordError(err)
			return err
		}
		metrics.PublishLatency.Observe(time.Since(now).Seconds())
	}
	return nil
}
