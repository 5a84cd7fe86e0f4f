// pkg/tws/client.go

// Package tws реализует клиент бинарного протокола TWS/IB Gateway:
// кадрирование, согласование версии, мультиплексирование множества
// логических запросов поверх одного TCP-соединения.
package tws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// начальное значение счётчика request ID, как в эталонном клиенте TWS
const firstRequestID = 1000

// Client — фасад соединения. Безопасен для конкурентного использования:
// запись в сокет сериализуется, таблица корреляции синхронизирована,
// чтение принадлежит единственной фоновой горутине.
type Client struct {
	cfg  Config
	log  *logger.Logger
	conn *conn
	disp *dispatcher

	nextReqID atomic.Int64
	errStream *Subscription

	readerDone chan struct{}
	closeOnce  sync.Once

	mu               sync.Mutex
	managedAccounts  []string
	nextValidOrderID int64
}

// Connect открывает соединение, проводит handshake и отправляет StartAPI —
// первый кадр, поля которого зависят от согласованной версии.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log = log.Named("tws")

	cn, err := dialConn(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		log:        log,
		conn:       cn,
		disp:       newDispatcher(cfg.StreamBuffer, log),
		readerDone: make(chan struct{}),
	}
	c.nextReqID.Store(firstRequestID)

	// Поток незапрошенных ошибок живёт столько же, сколько соединение.
	c.errStream, _ = c.disp.registerStream(keyErrorStream)

	start := newRequest(cn.serverVersion, OutStartAPI).
		AddInt(2). // версия сообщения StartAPI
		AddInt(cfg.ClientID).
		AddGated(minServerVerOptionalCapabilities, "")
	frame, err := wire.Encode(start.Fields())
	if err != nil {
		_ = cn.close()
		return nil, err
	}
	if err := cn.send(frame); err != nil {
		_ = cn.close()
		return nil, err
	}

	go c.runReader()
	return c, nil
}

// runReader живёт до закрытия соединения; по завершении все ожидающие
// цели получают connection-closed, никто не подвисает.
func (c *Client) runReader() {
	defer close(c.readerDone)

	err := c.conn.readLoop(context.Background(), c.route)
	if !errors.Is(err, ErrConnectionClosed) {
		c.log.Error("tws: reader terminated", zap.Error(err))
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	_ = c.conn.close()
	c.disp.closeAll(err)
}

// route отображает входящий кадр на ключ корреляции: request ID из тела
// сообщения либо фиксированный ключ для сообщений вне запросов.
func (c *Client) route(fields []string) {
	if len(fields) == 0 {
		return
	}
	r := wire.NewFieldReader(fields)

	switch id := IncomingID(r.Int()); id {
	case InErrMsg:
		r.Skip(1) // версия сообщения
		reqID := r.Int64()
		serr := &ServerError{ReqID: reqID, Code: r.Int(), Message: r.String()}
		if reqID > 0 {
			if !c.disp.deliverErr(reqID, serr) {
				// ошибка для уже завершённого запроса: фиксируем и отдаём
				// в общий поток, соединение не трогаем
				c.log.Warn("tws: server error for unknown request",
					zap.Int64("req_id", reqID), zap.Int("code", serr.Code))
				c.disp.deliver(keyErrorStream, fields)
			}
			return
		}
		c.disp.deliver(keyErrorStream, fields)

	case InAccountValue, InPortfolioValue, InAccountDownloadEnd:
		c.disp.deliver(keyAccountStream, fields)

	case InHistoricalData, InHistoricalDataUpdate, InHistoricalDataEnd:
		c.disp.deliver(r.Int64(), fields)

	case InNextValidID:
		r.Skip(1)
		id := r.Int64()
		c.mu.Lock()
		c.nextValidOrderID = id
		c.mu.Unlock()

	case InManagedAccounts:
		r.Skip(1)
		accounts := strings.Split(r.String(), ",")
		c.mu.Lock()
		c.managedAccounts = accounts
		c.mu.Unlock()

	default:
		c.log.Debug("tws: unhandled message", zap.Int("msg_id", int(id)))
	}
}

// ServerVersion возвращает согласованную версию протокола; кодеки
// сверяются с ней при добавлении опциональных полей.
func (c *Client) ServerVersion() int { return c.conn.serverVersion }

// ServerTime возвращает timestamp из handshake-ответа сервера.
func (c *Client) ServerTime() string { return c.conn.serverTime }

// NextRequestID выделяет свежий request ID. Счётчик монотонный в рамках
// соединения; повторная регистрация живого ID отклоняется таблицей
// корреляции, молчаливого переиспользования нет.
func (c *Client) NextRequestID() int64 {
	return c.nextReqID.Add(1)
}

// ManagedAccounts возвращает список счетов, присланный после StartAPI.
func (c *Client) ManagedAccounts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.managedAccounts...)
}

// NextValidOrderID возвращает последний присланный сервером order ID.
func (c *Client) NextValidOrderID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextValidOrderID
}

// Errors — поток незапрошенных ошибок сервера (кадры InErrMsg без
// request ID). Подписка живёт до закрытия соединения.
func (c *Client) Errors() *Subscription { return c.errStream }

// RequestSingle регистрирует single-shot цель под reqID, отправляет кадр
// и ждёт ровно одну доставку: payload, ServerError либо connection-closed.
func (c *Client) RequestSingle(ctx context.Context, reqID int64, fields []string) ([]string, error) {
	ch, err := c.disp.registerOnce(reqID)
	if err != nil {
		return nil, err
	}

	frame, err := wire.Encode(fields)
	if err != nil {
		c.disp.cancel(reqID)
		return nil, err
	}
	if err := c.conn.send(frame); err != nil {
		c.disp.cancel(reqID)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.fields, res.err
	case <-ctx.Done():
		c.disp.cancel(reqID)
		return nil, ctx.Err()
	}
}

// RequestStream регистрирует streaming цель под key и отправляет кадр.
// cancelFields, если заданы, уходят на сервер при Cancel (unsubscribe).
func (c *Client) RequestStream(key int64, fields, cancelFields []string) (*Subscription, error) {
	sub, err := c.disp.registerStream(key)
	if err != nil {
		return nil, err
	}

	unregister := sub.cancelFn
	sub.cancelFn = func() {
		unregister()
		if cancelFields == nil {
			return
		}
		if frame, err := wire.Encode(cancelFields); err == nil {
			if err := c.conn.send(frame); err != nil {
				c.log.Debug("tws: unsubscribe send failed", zap.Int64("key", key), zap.Error(err))
			}
		}
	}

	frame, err := wire.Encode(fields)
	if err != nil {
		c.disp.cancel(key)
		return nil, err
	}
	if err := c.conn.send(frame); err != nil {
		c.disp.cancel(key)
		return nil, err
	}
	return sub, nil
}

// Close закрывает соединение и дожидается остановки reader-горутины.
// Все незавершённые запросы получают ErrConnectionClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.close()
	})
	<-c.readerDone
	return nil
}
