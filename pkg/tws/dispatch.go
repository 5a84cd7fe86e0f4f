// pkg/tws/dispatch.go
package tws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/pkg/logger"
)

// Фиксированные ключи корреляции для сообщений вне запросов.
// Request ID всегда положительны (счётчик начинается с 1000).
const (
	keyErrorStream   int64 = -1
	keyAccountStream int64 = -2
)

// result — единичная доставка single-shot запросу: payload либо ошибка.
type result struct {
	fields []string
	err    error
}

// Subscription — потребительская сторона streaming-доставки.
// Канал закрывается при Cancel или завершении соединения; после
// закрытия Err() сообщает причину (nil для явной отмены).
type Subscription struct {
	ch       chan []string
	cancelFn func()
	once     sync.Once

	mu  sync.Mutex
	err error
}

// C возвращает канал payload-ов в порядке прихода кадров.
func (s *Subscription) C() <-chan []string { return s.ch }

// Cancel снимает подписку: запись удаляется из таблицы корреляции,
// поздние кадры для этого ключа отбрасываются без ошибки.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		if s.cancelFn != nil {
			s.cancelFn()
		}
	})
}

// Err возвращает причину закрытия канала подписки.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.ch)
}

type targetKind int

const (
	targetOnce targetKind = iota
	targetStream
)

// target — ожидающая цель доставки: single-shot канал либо подписка.
type target struct {
	kind targetKind
	once chan result
	sub  *Subscription
}

// dispatcher — таблица корреляции соединения. Пишется конкурентно
// reader-горутиной (доставка) и горутинами вызывающих (регистрация,
// отмена), поэтому полностью под мьютексом.
type dispatcher struct {
	mu           sync.Mutex
	targets      map[int64]*target
	log          *logger.Logger
	streamBuffer int
	closed       bool
}

func newDispatcher(streamBuffer int, log *logger.Logger) *dispatcher {
	return &dispatcher{
		targets:      make(map[int64]*target),
		log:          log.Named("dispatch"),
		streamBuffer: streamBuffer,
	}
}

// registerOnce регистрирует single-shot цель. Дубликат активного ключа —
// ошибка вызывающего кода, отказываем громко.
func (d *dispatcher) registerOnce(key int64) (<-chan result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrConnectionClosed
	}
	if _, dup := d.targets[key]; dup {
		return nil, &CorrelationError{Key: key, Reason: "already registered"}
	}

	ch := make(chan result, 1)
	d.targets[key] = &target{kind: targetOnce, once: ch}
	return ch, nil
}

// registerStream регистрирует streaming цель и возвращает подписку.
func (d *dispatcher) registerStream(key int64) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrConnectionClosed
	}
	if _, dup := d.targets[key]; dup {
		return nil, &CorrelationError{Key: key, Reason: "already registered"}
	}

	sub := &Subscription{ch: make(chan []string, d.streamBuffer)}
	sub.cancelFn = func() { d.cancel(key) }
	d.targets[key] = &target{kind: targetStream, sub: sub}
	return sub, nil
}

// deliver доставляет payload цели по ключу. Кадр для неизвестного ключа —
// ожидаемая гонка с отменой: логируется и отбрасывается.
func (d *dispatcher) deliver(key int64, fields []string) bool {
	d.mu.Lock()
	t, ok := d.targets[key]
	if !ok {
		d.mu.Unlock()
		d.log.Debug("tws: frame for unknown correlation key dropped", zap.Int64("key", key))
		return false
	}

	switch t.kind {
	case targetOnce:
		// Single-shot: запись удаляется до доставки — ровно одно выполнение.
		delete(d.targets, key)
		d.mu.Unlock()
		t.once <- result{fields: fields}
	case targetStream:
		select {
		case t.sub.ch <- fields:
		default:
			d.log.Warn("tws: stream buffer full, dropping frame", zap.Int64("key", key))
		}
		d.mu.Unlock()
	}
	return true
}

// deliverErr доставляет ошибку цели: single-shot получает её вместо
// payload-а, подписка закрывается с этой причиной.
func (d *dispatcher) deliverErr(key int64, err error) bool {
	d.mu.Lock()
	t, ok := d.targets[key]
	if !ok {
		d.mu.Unlock()
		return false
	}
	delete(d.targets, key)
	d.mu.Unlock()

	switch t.kind {
	case targetOnce:
		t.once <- result{err: err}
	case targetStream:
		t.sub.closeWith(err)
	}
	return true
}

// cancel снимает регистрацию. Отмена неизвестного ключа не фатальна.
func (d *dispatcher) cancel(key int64) {
	d.mu.Lock()
	t, ok := d.targets[key]
	if ok {
		delete(d.targets, key)
	}
	d.mu.Unlock()

	if ok && t.kind == targetStream {
		t.sub.closeWith(nil)
	}
}

// closeAll завершает все ожидающие цели ошибкой соединения: ни один
// вызывающий не остаётся подвешенным.
func (d *dispatcher) closeAll(err error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	pending := d.targets
	d.targets = make(map[int64]*target)
	d.mu.Unlock()

	for _, t := range pending {
		switch t.kind {
		case targetOnce:
			t.once <- result{err: err}
		case targetStream:
			t.sub.closeWith(err)
		}
	}
}
