// pkg/tws/handshake.go
package tws

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// apiPrefix — литеральный маркер API-подключения, отправляемый до
// первого кадра.
const apiPrefix = "API\x00"

// negotiate выполняет handshake: отправляет маркер API и диапазон
// поддерживаемых версий, читает ровно один кадр ответа
// "<server_version>\0<timestamp>\0". Версия вне объявленного диапазона —
// фатальная ошибка: соединение закрывает вызывающая сторона.
func negotiate(raw net.Conn, reader *bufio.Reader, cfg Config) (int, string, error) {
	// 1) "API\0" + length-prefixed строка диапазона версий.
	versionRange := fmt.Sprintf("v%d..%d", cfg.MinVersion, cfg.MaxVersion)
	hello := append([]byte(apiPrefix), wire.WithLengthPrefix([]byte(versionRange))...)
	if _, err := raw.Write(hello); err != nil {
		return 0, "", &HandshakeError{Reason: "send version range", Err: err}
	}

	// 2) Ровно один кадр ответа.
	payload, err := readHandshakeFrame(reader, cfg.MaxFrameSize)
	if err != nil {
		return 0, "", err
	}

	fields, err := wire.DecodeFields(payload)
	if err != nil {
		return 0, "", &HandshakeError{Reason: "malformed server response", Err: err}
	}
	if len(fields) < 2 {
		return 0, "", &HandshakeError{
			Reason: fmt.Sprintf("expected version and timestamp, got %d fields", len(fields)),
		}
	}

	r := wire.NewFieldReader(fields)
	version := r.Int()
	timestamp := r.String()
	if version == 0 {
		return 0, "", &HandshakeError{Reason: fmt.Sprintf("unparsable server version %q", fields[0])}
	}
	if version < cfg.MinVersion || version > cfg.MaxVersion {
		return 0, "", &HandshakeError{
			Reason: fmt.Sprintf("server version %d outside advertised range %d..%d",
				version, cfg.MinVersion, cfg.MaxVersion),
		}
	}

	return version, timestamp, nil
}

func readHandshakeFrame(reader *bufio.Reader, maxFrameSize int) ([]byte, error) {
	prefix := make([]byte, wire.PrefixLen)
	if _, err := io.ReadFull(reader, prefix); err != nil {
		return nil, &HandshakeError{Reason: "read length prefix", Err: err}
	}
	length, err := wire.ReadLengthPrefix(prefix)
	if err != nil {
		return nil, &HandshakeError{Reason: "decode length prefix", Err: err}
	}
	if length == 0 || int(length) > maxFrameSize {
		return nil, &HandshakeError{Reason: fmt.Sprintf("implausible frame length %d", length)}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, &HandshakeError{Reason: "read frame body", Err: err}
	}
	return payload, nil
}
