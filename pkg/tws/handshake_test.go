// pkg/tws/handshake_test.go
package tws

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

func handshakeConfig() Config {
	cfg := Config{Addr: "127.0.0.1:0"}
	cfg.ApplyDefaults()
	return cfg
}

func frameOf(t *testing.T, fields ...string) []byte {
	t.Helper()
	b, err := wire.Encode(fields)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}
	return b
}

// serveHandshake читает hello клиента и отвечает заготовленными байтами.
// В канал уходит присланная клиентом строка диапазона версий.
func serveHandshake(t *testing.T, server net.Conn, response []byte) <-chan string {
	t.Helper()
	got := make(chan string, 1)
	go func() {
		defer server.Close()

		marker := make([]byte, len(apiPrefix))
		if _, err := io.ReadFull(server, marker); err != nil {
			return
		}
		if !bytes.Equal(marker, []byte(apiPrefix)) {
			got <- "unexpected marker"
			return
		}

		prefix := make([]byte, wire.PrefixLen)
		if _, err := io.ReadFull(server, prefix); err != nil {
			return
		}
		n, err := wire.ReadLengthPrefix(prefix)
		if err != nil {
			return
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(server, buf); err != nil {
			return
		}
		got <- string(buf)

		_, _ = server.Write(response)
	}()
	return got
}

func TestNegotiate_Success(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	got := serveHandshake(t, server, frameOf(t, "176", "20260828 10:00:00 UTC"))

	version, timestamp, err := negotiate(client, bufio.NewReader(client), handshakeConfig())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if version != 176 {
		t.Errorf("version = %d; want 176", version)
	}
	if timestamp != "20260828 10:00:00 UTC" {
		t.Errorf("timestamp = %q", timestamp)
	}
	if r := <-got; r != "v100..176" {
		t.Errorf("advertised range = %q; want v100..176", r)
	}
}

func TestNegotiate_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		response []byte
	}{
		{"version below range", mustFrame("99", "ts")},
		{"version above range", mustFrame("200", "ts")},
		{"missing timestamp", mustFrame("176")},
		{"non-numeric version", mustFrame("abc", "ts")},
		// тело без завершающего нуля
		{"malformed payload", wire.WithLengthPrefix([]byte("176"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			serveHandshake(t, server, tt.response)

			_, _, err := negotiate(client, bufio.NewReader(client), handshakeConfig())
			var herr *HandshakeError
			if !errors.As(err, &herr) {
				t.Fatalf("expected HandshakeError, got %v", err)
			}
		})
	}
}

// Ответ, чей префикс объявляет длину выше потолка, отклоняется
// до аллокации тела.
func TestNegotiate_RejectsOversizedResponse(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	huge := make([]byte, wire.PrefixLen)
	binary.BigEndian.PutUint32(huge, 1<<30)
	serveHandshake(t, server, huge)

	_, _, err := negotiate(client, bufio.NewReader(client), handshakeConfig())
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
}

func TestNegotiate_ServerClosesEarly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	serveHandshake(t, server, nil) // server пишет ноль байт и закрывается

	_, _, err := negotiate(client, bufio.NewReader(client), handshakeConfig())
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("expected HandshakeError, got %v", err)
	}
}

func mustFrame(fields ...string) []byte {
	b, err := wire.Encode(fields)
	if err != nil {
		panic(err)
	}
	return b
}
