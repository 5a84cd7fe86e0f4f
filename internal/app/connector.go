// internal/app/connector.go
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Wxveshack/ibkr/internal/config"
	httpserver "github.com/Wxveshack/ibkr/internal/http"
	"github.com/Wxveshack/ibkr/internal/metrics"
	"github.com/Wxveshack/ibkr/internal/processor"
	transporttws "github.com/Wxveshack/ibkr/internal/transport/tws"
	"github.com/Wxveshack/ibkr/pkg/backoff"
	"github.com/Wxveshack/ibkr/pkg/kafka"
	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/telemetry"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

// errStreamEnded сигнализирует нормальное завершение потока: соединение
// с TWS закрылось, сессию нужно пересоздать.
var errStreamEnded = errors.New("app: stream ended")

func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register(nil)
	transporttws.RegisterMetrics(nil)

	// Инициализируем трассировку
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(ctx) }, log)

	// Kafka Producer
	kafkaProd, err := kafka.NewProducer(ctx, kafka.Config{
		Brokers:        cfg.Kafka.Brokers,
		RequiredAcks:   cfg.Kafka.Acks,
		Timeout:        cfg.Kafka.Timeout,
		Compression:    cfg.Kafka.Compression,
		FlushFrequency: cfg.Kafka.FlushFrequency,
		FlushMessages:  cfg.Kafka.FlushMessages,
		Backoff:        cfg.Kafka.Backoff,
	}, log)
	if err != nil {
		return fmt.Errorf("kafka producer init: %w", err)
	}
	defer shutdownSafe(ctx, "kafka-producer", kafkaProd.Close, log)

	// HTTP-сервер
	readiness := func() error { return kafkaProd.Ping(ctx) }
	httpSrv := httpserver.NewServer(cfg.HTTP, readiness, log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Start(ctx) })

	// Основной TWS→Kafka цикл
	g.Go(func() error { return runPipeline(ctx, cfg, kafkaProd, log) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("connector stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// runPipeline подключается к TWS с ретраями и крутит сессии до отмены ctx.
// Обрыв соединения — штатное событие: сессия пересоздаётся.
func runPipeline(ctx context.Context, cfg *config.Config, prod kafka.Producer, log *logger.Logger) error {
	twsCfg := tws.Config{
		Addr:           cfg.TWS.Addr,
		ClientID:       cfg.TWS.ClientID,
		MinVersion:     cfg.TWS.MinVersion,
		MaxVersion:     cfg.TWS.MaxVersion,
		ConnectTimeout: cfg.TWS.ConnectTimeout,
		WriteTimeout:   cfg.TWS.WriteTimeout,
		StreamBuffer:   cfg.TWS.StreamBuffer,
		MaxFrameSize:   cfg.TWS.MaxFrameSize,
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var client *tws.Client
		if err := backoff.Execute(ctx, cfg.TWS.Backoff, log, func(ctx context.Context) error {
			c, e := transporttws.Connect(ctx, twsCfg, log)
			if e == nil {
				client = c
			}
			return e
		}); err != nil {
			return fmt.Errorf("tws connect failed: %w", err)
		}
		metrics.ReconnectsTotal.Inc()

		if err := runSession(ctx, cfg, client, prod, log); err != nil {
			if errors.Is(err, context.Canceled) {
				_ = client.Close()
				return err
			}
			log.WithContext(ctx).Warn("tws session ended", zap.Error(err))
		}
		_ = client.Close()

		// цикл продолжается: переподключение через backoff
	}
}

// runSession поднимает все потоки одной TWS-сессии и живёт до закрытия
// соединения либо отмены ctx.
func runSession(ctx context.Context, cfg *config.Config, client *tws.Client, prod kafka.Producer, log *logger.Logger) error {
	g, sctx := errgroup.WithContext(ctx)

	// Поток данных счёта
	g.Go(func() error {
		sub, err := client.AccountUpdates()
		if err != nil {
			return fmt.Errorf("account subscribe: %w", err)
		}
		ch := transporttws.StreamWithMetrics(sctx, sub, "account", log)

		router := processor.NewRouter(log)
		router.Register(tws.InAccountValue,
			processor.NewAccountProcessor(prod, cfg.Kafka.AccountTopic, log))
		if err := router.Run(sctx, ch); err != nil {
			return err
		}
		return errStreamEnded
	})

	// Поток баров на каждый инструмент
	for _, symbol := range cfg.Bars.Symbols {
		symbol := symbol
		g.Go(func() error {
			sub, err := client.StreamBars(tws.HistoricalDataRequest{
				Contract:   tws.Stock(symbol, cfg.Bars.Exchange, cfg.Bars.Currency),
				Duration:   tws.Duration(cfg.Bars.Duration),
				BarSize:    tws.BarSize(cfg.Bars.BarSize),
				WhatToShow: tws.WhatToShow(cfg.Bars.WhatToShow),
				UseRTH:     cfg.Bars.UseRTH,
			})
			if err != nil {
				return fmt.Errorf("stream bars %s: %w", symbol, err)
			}
			ch := transporttws.StreamWithMetrics(sctx, sub, "bars:"+symbol, log)

			router := processor.NewRouter(log)
			barProc := processor.NewBarProcessor(prod, cfg.Kafka.BarsTopic, symbol, log)
			router.Register(tws.InHistoricalData, barProc)
			router.Register(tws.InHistoricalDataUpdate, barProc)
			if err := router.Run(sctx, ch); err != nil {
				return err
			}
			return errStreamEnded
		})
	}

	// Незапрошенные ошибки сервера: логируем и считаем
	g.Go(func() error {
		for {
			select {
			case fields, ok := <-client.Errors().C():
				if !ok {
					return errStreamEnded
				}
				metrics.ServerErrorsTotal.Inc()
				log.WithContext(sctx).Warn("tws server message",
					zap.Strings("fields", fields))
			case <-sctx.Done():
				return sctx.Err()
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, errStreamEnded) {
		return nil
	}
	return err
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
