// pkg/tws/conn.go
package tws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// ErrFrameTooLarge возвращается, когда префикс длины превышает потолок
// из конфига. Проверка выполняется до аллокации тела кадра.
var ErrFrameTooLarge = errors.New("tws: frame exceeds size ceiling")

// conn владеет сокетом после успешного handshake. Запись сериализуется
// мьютексом, чтение принадлежит единственной reader-горутине клиента.
type conn struct {
	raw    net.Conn
	reader *bufio.Reader
	log    *logger.Logger

	writeTimeout time.Duration
	maxFrameSize int

	serverVersion int
	serverTime    string

	writeMu sync.Mutex
	closed  atomic.Bool
}

// dialConn открывает сокет и проводит handshake. При любой ошибке сокет
// закрывается — дескриптор не утекает.
func dialConn(ctx context.Context, cfg Config, log *logger.Logger) (*conn, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("tws: dial %s: %w", cfg.Addr, err)
	}

	// Handshake ограничен общим дедлайном подключения.
	_ = raw.SetDeadline(time.Now().Add(cfg.ConnectTimeout))

	reader := bufio.NewReader(raw)
	version, timestamp, err := negotiate(raw, reader, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}

	// Дальше соединение долгоживущее: дедлайн чтения снимается.
	_ = raw.SetDeadline(time.Time{})

	log.Info("tws: connected",
		zap.String("addr", cfg.Addr),
		zap.Int("server_version", version),
		zap.String("server_time", timestamp),
	)

	return &conn{
		raw:           raw,
		reader:        reader,
		log:           log,
		writeTimeout:  cfg.WriteTimeout,
		maxFrameSize:  cfg.MaxFrameSize,
		serverVersion: version,
		serverTime:    timestamp,
	}, nil
}

// send пишет полностью закодированный кадр. Мьютекс гарантирует, что
// кадры конкурирующих запросов не перемешиваются в сокете.
func (c *conn) send(frame []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.raw.Write(frame); err != nil {
		// Кадр мог уйти частично, исходящий поток рассинхронизирован.
		// Восстановления нет: соединение закрывается целиком, reader
		// завершается и все ожидающие получают connection-closed.
		_ = c.close()
		return fmt.Errorf("tws: send frame: %w", err)
	}
	return nil
}

// readFrame читает ровно один кадр: префикс, проверка потолка, тело,
// разбор полей.
func (c *conn) readFrame() ([]string, error) {
	prefix := make([]byte, wire.PrefixLen)
	if _, err := io.ReadFull(c.reader, prefix); err != nil {
		return nil, err
	}
	length, err := wire.ReadLengthPrefix(prefix)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, wire.ErrBadPayload
	}
	if int(length) > c.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, c.maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	return wire.DecodeFields(payload)
}

// readLoop — единственный читатель сокета. Работает до закрытия
// соединения или фатальной ошибки кадрирования: повреждённый кадр
// рассинхронизирует весь поток, восстановление невозможно.
func (c *conn) readLoop(ctx context.Context, handler func(fields []string)) error {
	for {
		fields, err := c.readFrame()
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() {
				return ErrConnectionClosed
			}
			return err
		}
		handler(fields)
	}
}

func (c *conn) close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}
