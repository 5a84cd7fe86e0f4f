// pkg/tws/errors.go
package tws

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed возвращается всем ожидающим вызовам,
// когда соединение с TWS завершилось.
var ErrConnectionClosed = errors.New("tws: connection closed")

// HandshakeError — фатальная ошибка согласования версии протокола.
// Повтор на этом уровне не выполняется.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tws: handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("tws: handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// CorrelationError — ошибка таблицы корреляции. Дубликат активного
// request ID — это ошибка программирования вызывающего кода.
type CorrelationError struct {
	Key    int64
	Reason string
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("tws: correlation key %d: %s", e.Key, e.Reason)
}

// ServerError — корректно оформленный отрицательный ответ TWS.
// Доставляется как payload соответствующему запросу и не считается
// ошибкой транспорта.
type ServerError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("tws: server error %d: %s", e.Code, e.Message)
}
