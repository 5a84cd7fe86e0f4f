package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// BarsTotal — общее число баров, принятых из TWS.
	BarsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "tws",
		Name:      "bars_total",
		Help:      "Total number of bar updates received from TWS",
	})

	// AccountUpdatesTotal — число обновлений значений счёта.
	AccountUpdatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "tws",
		Name:      "account_updates_total",
		Help:      "Total number of account value updates received from TWS",
	})

	// ServerErrorsTotal — число сообщений об ошибках от TWS.
	ServerErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "tws",
		Name:      "server_errors_total",
		Help:      "Total number of error messages received from TWS",
	})

	// ParseErrors — число кадров, которые не удалось разобрать.
	ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "pipeline",
		Name:      "parse_errors_total",
		Help:      "Total number of frames that failed to decode",
	})

	// SerializeErrors — число ошибок сериализации событий.
	SerializeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "pipeline",
		Name:      "serialize_errors_total",
		Help:      "Total number of event serialization errors",
	})

	// PublishErrors — число ошибок при публикации сообщений в Kafka.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "kafka",
		Name:      "publish_errors_total",
		Help:      "Total number of errors when publishing to Kafka",
	})

	// PublishLatency — гистограмма задержек от кадра TWS до публикации в Kafka.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ibkr",
		Subsystem: "pipeline",
		Name:      "publish_latency_seconds",
		Help:      "Latency from receiving a TWS frame to publishing to Kafka (seconds)",
		Buckets:   prometheus.DefBuckets,
	})

	// ReconnectsTotal — число переподключений к TWS.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ibkr",
		Subsystem: "tws",
		Name:      "reconnects_total",
		Help:      "Total number of TWS reconnect cycles",
	})
)

// Register регистрирует все метрики в заданном реестре.
// Можно вызвать без аргументов, чтобы зарегистрировать в DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			BarsTotal,
			AccountUpdatesTotal,
			ServerErrorsTotal,
			ParseErrors,
			SerializeErrors,
			PublishErrors,
			PublishLatency,
			ReconnectsTotal,
		)
	})
}
