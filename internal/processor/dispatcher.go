// internal/processor/dispatcher.go
package processor

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/internal/metrics"
	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

var dispatcherTracer = otel.Tracer("ibkr/processor/dispatcher")

// DispatchRouter маршрутизирует входящие кадры по идентификатору сообщения.
type DispatchRouter struct {
	processors map[tws.IncomingID]Processor
	log        *logger.Logger
}

// NewRouter создает маршрутизатор с логгером.
func NewRouter(log *logger.Logger) *DispatchRouter {
	return &DispatchRouter{
		processors: make(map[tws.IncomingID]Processor),
		log:        log.Named("router"),
	}
}

// Register добавляет обработчик для заданного типа сообщений.
func (r *DispatchRouter) Register(id tws.IncomingID, proc Processor) {
	r.processors[id] = proc
}

// Run запускает основной цикл маршрутизации кадров. Завершается, когда
// входной канал закрыт либо отменён ctx.
func (r *DispatchRouter) Run(ctx context.Context, in <-chan []string) error {
	ctx, span := dispatcherTracer.Start(ctx, "DispatchRouter.Run")
	defer span.End()

	for {
		select {
		case fields, ok := <-in:
			if !ok {
				return nil
			}
			if len(fields) == 0 {
				continue
			}
			msgID, err := strconv.Atoi(fields[0])
			if err != nil {
				metrics.ParseErrors.Inc()
				r.log.WithContext(ctx).Error("unparsable message id",
					zap.String("field", fields[0]))
				continue
			}

			proc, ok := r.processors[tws.IncomingID(msgID)]
			if !ok {
				r.log.WithContext(ctx).Debug("unsupported message type",
					zap.Int("msg_id", msgID))
				continue
			}

			if err := proc.Process(ctx, fields); err != nil {
				r.log.WithContext(ctx).Error("frame processing failed",
					zap.Int("msg_id", msgID),
					zap.Error(err))
				metrics.PublishErrors.Inc()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
