// internal/transport/tws/stream.go

// Package tws — транспортный слой поверх pkg/tws: подключение и
// стриминг с метриками и трассировкой.
package tws

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

var tracer = otel.Tracer("ibkr/transport/tws")

// Connect оборачивает tws.Connect метрикой попыток подключения.
func Connect(ctx context.Context, cfg tws.Config, log *logger.Logger) (*tws.Client, error) {
	client, err := tws.Connect(ctx, cfg, log)
	if err != nil {
		IncConnect("error")
		return nil, err
	}
	IncConnect("ok")
	return client, nil
}

// StreamWithMetrics оборачивает подписку: считает кадры, держит span на
// время жизни потока и снимает подписку при отмене ctx. Выходной канал
// закрывается вместе с подпиской.
func StreamWithMetrics(ctx context.Context, sub *tws.Subscription, stream string, log *logger.Logger) <-chan []string {
	out := make(chan []string)

	go func() {
		defer close(out)

		// имя потока различает bars/account в трейсах
		ctx, span := tracer.Start(ctx, "Stream",
			trace.WithAttributes(attribute.String("stream", stream)))
		defer span.End()

		for {
			select {
			case fields, ok := <-sub.C():
				if !ok {
					if err := sub.Err(); err != nil {
						IncError(stream)
						span.RecordError(err)
						log.WithContext(ctx).Warn("transport: stream terminated",
							zap.String("stream", stream), zap.Error(err))
					}
					return
				}
				IncFrame(stream)
				select {
				case out <- fields:
				case <-ctx.Done():
					sub.Cancel()
					return
				}
			case <-ctx.Done():
				sub.Cancel()
				return
			}
		}
	}()

	return out
}
