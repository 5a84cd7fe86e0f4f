// pkg/tws/wire/wire.go

// Package wire реализует кадрирование бинарного протокола TWS:
// 4-байтовый big-endian префикс длины и поля, завершённые нулевым байтом.
// Пакет не выполняет I/O — кодек детерминированно тестируется на буферах.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

// PrefixLen — размер префикса длины в байтах.
const PrefixLen = 4

var (
	// ErrEmbeddedNull возвращается, когда поле содержит нулевой байт:
	// он разрушил бы границы полей внутри кадра.
	ErrEmbeddedNull = errors.New("wire: field contains embedded null byte")
	// ErrShortPrefix возвращается, когда буфер короче префикса длины.
	ErrShortPrefix = errors.New("wire: buffer shorter than length prefix")
	// ErrBadPayload возвращается, когда payload не является ровно одним
	// завершённым кадром (нет финального нулевого терминатора).
	ErrBadPayload = errors.New("wire: payload is not a complete frame body")
)

// Encode собирает полный кадр: каждое поле завершается нулевым байтом,
// перед payload-ом ставится 4-байтовый big-endian префикс длины.
func Encode(fields []string) ([]byte, error) {
	payloadLen := 0
	for _, f := range fields {
		payloadLen += len(f) + 1
	}

	buf := make([]byte, PrefixLen, PrefixLen+payloadLen)
	binary.BigEndian.PutUint32(buf, uint32(payloadLen))
	for _, f := range fields {
		if strings.IndexByte(f, 0) >= 0 {
			return nil, ErrEmbeddedNull
		}
		buf = append(buf, f...)
		buf = append(buf, 0)
	}
	return buf, nil
}

// WithLengthPrefix добавляет префикс длины к произвольному payload-у.
// Используется в handshake, где строка версии не терминируется нулём.
func WithLengthPrefix(payload []byte) []byte {
	buf := make([]byte, PrefixLen+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[PrefixLen:], payload)
	return buf
}

// ReadLengthPrefix читает big-endian длину кадра из первых четырёх байт.
func ReadLengthPrefix(b []byte) (uint32, error) {
	if len(b) < PrefixLen {
		return 0, ErrShortPrefix
	}
	return binary.BigEndian.Uint32(b), nil
}

// DecodeFields разбирает payload кадра (без префикса длины) на поля.
// Терминатор после последнего поля обязателен и не порождает пустого
// лишнего поля.
func DecodeFields(payload []byte) ([]string, error) {
	if len(payload) == 0 || payload[len(payload)-1] != 0 {
		return nil, ErrBadPayload
	}
	parts := bytes.Split(payload[:len(payload)-1], []byte{0})
	fields := make([]string, len(parts))
	for i, p := range parts {
		fields[i] = string(p)
	}
	return fields, nil
}

// FieldReader — позиционное типизированное чтение полей ответа.
// Пустые и нечитаемые значения дают нулевые значения типов, как и
// принято в протоколе TWS.
type FieldReader struct {
	fields []string
	pos    int
}

// NewFieldReader создаёт reader над уже разобранными полями.
func NewFieldReader(fields []string) *FieldReader {
	return &FieldReader{fields: fields}
}

// Next возвращает следующее поле; ok=false после конца.
func (r *FieldReader) Next() (string, bool) {
	if r.pos >= len(r.fields) {
		return "", false
	}
	f := r.fields[r.pos]
	r.pos++
	return f, true
}

// String возвращает следующее поле либо пустую строку.
func (r *FieldReader) String() string {
	f, _ := r.Next()
	return f
}

// Int возвращает следующее поле как int (0 для пустого/нечитаемого).
func (r *FieldReader) Int() int {
	f, ok := r.Next()
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(f)
	if err != nil {
		return 0
	}
	return n
}

// Int64 возвращает следующее поле как int64 (0 для пустого/нечитаемого).
func (r *FieldReader) Int64() int64 {
	f, ok := r.Next()
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(f, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Float возвращает следующее поле как float64 (0 для пустого/нечитаемого).
func (r *FieldReader) Float() float64 {
	f, ok := r.Next()
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(f, 64)
	if err != nil {
		return 0
	}
	return v
}

// Bool трактует поле как флаг протокола: 0 — false, всё прочее — true.
func (r *FieldReader) Bool() bool {
	return r.Int() != 0
}

// Skip пропускает n полей.
func (r *FieldReader) Skip(n int) {
	r.pos += n
	if r.pos > len(r.fields) {
		r.pos = len(r.fields)
	}
}

// Remaining возвращает непрочитанный хвост полей.
func (r *FieldReader) Remaining() []string {
	return r.fields[r.pos:]
}
