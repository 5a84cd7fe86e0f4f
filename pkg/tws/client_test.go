// pkg/tws/client_test.go
package tws_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// fakeGateway — минимальный TWS-сервер на loopback для интеграционных
// тестов: проводит handshake, отвечает на StartAPI и передаёт остальные
// кадры обработчику теста.
type fakeGateway struct {
	t  *testing.T
	ln net.Listener

	helloRange chan string
	startAPI   chan []string
	cancels    chan []string

	mu   sync.Mutex
	conn net.Conn
}

func startGateway(t *testing.T, handler func(g *fakeGateway, fields []string)) *fakeGateway {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := &fakeGateway{
		t:          t,
		ln:         ln,
		helloRange: make(chan string, 1),
		startAPI:   make(chan []string, 1),
		cancels:    make(chan []string, 4),
	}
	go g.serve(handler)
	t.Cleanup(func() {
		_ = ln.Close()
		g.closeConn()
	})
	return g
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

func (g *fakeGateway) serve(handler func(g *fakeGateway, fields []string)) {
	conn, err := g.ln.Accept()
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	r := bufio.NewReader(conn)

	// Handshake: маркер "API\0", префикс длины, строка диапазона версий.
	marker := make([]byte, 4)
	if _, err := io.ReadFull(r, marker); err != nil {
		return
	}
	prefix := make([]byte, wire.PrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return
	}
	n, err := wire.ReadLengthPrefix(prefix)
	if err != nil {
		return
	}
	rangeBuf := make([]byte, n)
	if _, err := io.ReadFull(r, rangeBuf); err != nil {
		return
	}
	g.helloRange <- string(rangeBuf)
	g.send("176", "20260828 10:00:00 UTC")

	for {
		fields, err := g.readFrame(r)
		if err != nil {
			return
		}
		switch fields[0] {
		case "71": // StartAPI
			g.startAPI <- fields
			g.send("9", "1", "5000")           // NextValidID
			g.send("15", "1", "DU1234567,DU1234568") // ManagedAccounts
		case "25": // CancelHistoricalData
			g.cancels <- fields
		default:
			if handler != nil {
				handler(g, fields)
			}
		}
	}
}

func (g *fakeGateway) readFrame(r *bufio.Reader) ([]string, error) {
	prefix := make([]byte, wire.PrefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	n, err := wire.ReadLengthPrefix(prefix)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return wire.DecodeFields(payload)
}

func (g *fakeGateway) send(fields ...string) {
	frame, err := wire.Encode(fields)
	if err != nil {
		g.t.Errorf("gateway encode: %v", err)
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return
	}
	if _, err := g.conn.Write(frame); err != nil {
		g.t.Logf("gateway write: %v", err)
	}
}

func (g *fakeGateway) closeConn() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		_ = g.conn.Close()
	}
}

func dialClient(t *testing.T, g *fakeGateway) *tws.Client {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "debug", DevMode: true})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := tws.Connect(ctx, tws.Config{Addr: g.addr(), ClientID: 7}, log)
	if err != nil {
		t.Fatalf("tws.Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// respondBars отвечает на ReqHistoricalData пакетом из двух баров.
func respondBars(g *fakeGateway, fields []string) {
	if fields[0] != "20" {
		return
	}
	reqID := fields[1]
	g.send("17", reqID,
		"20260801 00:00:00", "20260802 00:00:00", "2",
		"20260801 10:00:00", "100.5", "101.0", "100.1", "100.9", "5000", "100.6", "42",
		"20260801 11:00:00", "100.9", "102.0", "100.8", "101.7", "6200", "101.3", "57",
	)
}

func TestConnect_HandshakeAndStartAPI(t *testing.T) {
	g := startGateway(t, nil)
	client := dialClient(t, g)

	if got := <-g.helloRange; got != "v100..176" {
		t.Errorf("advertised range = %q; want v100..176", got)
	}
	start := <-g.startAPI
	// версия сервера 176: поле optional capabilities присутствует
	if want := []string{"71", "2", "7", ""}; !reflect.DeepEqual(start, want) {
		t.Errorf("StartAPI frame = %q; want %q", start, want)
	}

	if v := client.ServerVersion(); v != 176 {
		t.Errorf("ServerVersion = %d; want 176", v)
	}
	if ts := client.ServerTime(); ts != "20260828 10:00:00 UTC" {
		t.Errorf("ServerTime = %q", ts)
	}

	// NextValidID и ManagedAccounts приходят асинхронно после StartAPI.
	deadline := time.Now().Add(3 * time.Second)
	for {
		accounts := client.ManagedAccounts()
		if len(accounts) == 2 && client.NextValidOrderID() == 5000 {
			if accounts[0] != "DU1234567" {
				t.Errorf("accounts = %q", accounts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session data not populated: accounts=%q orderID=%d",
				accounts, client.NextValidOrderID())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_HistoricalData(t *testing.T) {
	g := startGateway(t, respondBars)
	client := dialClient(t, g)

	bars, err := client.HistoricalData(testCtx(t), tws.HistoricalDataRequest{
		Contract: tws.Stock("AAPL", "SMART", "USD"),
		Duration: tws.Days(1),
		BarSize:  tws.BarHour1,
	})
	if err != nil {
		t.Fatalf("HistoricalData: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars; want 2", len(bars))
	}
	if bars[0].Open != 100.5 || bars[0].Count != 42 {
		t.Errorf("bar[0] = %+v", bars[0])
	}
	if bars[1].Close != 101.7 || bars[1].Volume != 6200 {
		t.Errorf("bar[1] = %+v", bars[1])
	}
}

// Конкурентные запросы мультиплексируются по одному сокету: каждый
// получает свой ответ независимо от порядка прихода.
func TestClient_ConcurrentRequests(t *testing.T) {
	g := startGateway(t, respondBars)
	client := dialClient(t, g)
	ctx := testCtx(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bars, err := client.HistoricalData(ctx, tws.HistoricalDataRequest{
				Contract: tws.Stock("AAPL", "SMART", "USD"),
			})
			if err == nil && len(bars) != 2 {
				err = errors.New("wrong bar count")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent request: %v", err)
		}
	}
}

func TestClient_ServerErrorDelivered(t *testing.T) {
	g := startGateway(t, func(g *fakeGateway, fields []string) {
		if fields[0] == "20" {
			g.send("4", "2", fields[1], "200", "No security definition has been found")
		}
	})
	client := dialClient(t, g)

	_, err := client.HistoricalData(testCtx(t), tws.HistoricalDataRequest{
		Contract: tws.Stock("NOPE", "SMART", "USD"),
	})
	var serr *tws.ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if serr.Code != 200 {
		t.Errorf("Code = %d; want 200", serr.Code)
	}

	// отрицательный ответ сервера не роняет соединение
	if client.ServerVersion() != 176 {
		t.Error("connection unusable after server error")
	}
}

func TestClient_AccountValues(t *testing.T) {
	g := startGateway(t, func(g *fakeGateway, fields []string) {
		if fields[0] != "6" || fields[2] != "1" { // только subscribe
			return
		}
		g.send("6", "2", "NetLiquidation", "100000.00", "USD", "DU1234567")
		g.send("6", "2", "CashBalance", "50000.00", "USD", "DU1234567")
		g.send("7", "9", "ignored-portfolio-frame")
		g.send("8", "1", "DU1234567")
	})
	client := dialClient(t, g)

	values, err := client.AccountValues(testCtx(t))
	if err != nil {
		t.Fatalf("AccountValues: %v", err)
	}
	want := []tws.AccountValue{
		{Key: "NetLiquidation", Value: "100000.00", Currency: "USD", Account: "DU1234567"},
		{Key: "CashBalance", Value: "50000.00", Currency: "USD", Account: "DU1234567"},
	}
	if !reflect.DeepEqual(values, want) {
		t.Errorf("values = %+v\nwant %+v", values, want)
	}
}

// Сценарий отмены: после Cancel поздние кадры отбрасываются,
// соединение остаётся рабочим для новых запросов.
func TestClient_StreamCancelDropsLateFrames(t *testing.T) {
	g := startGateway(t, func(g *fakeGateway, fields []string) {
		if fields[0] != "20" {
			return
		}
		reqID := fields[1]
		if fields[len(fields)-2] == "1" { // keepUpToDate: стрим
			g.send("90", reqID,
				"20260801 10:00:00", "100.5", "101.0", "100.1", "100.9", "5000", "100.6", "42")
			return
		}
		respondBars(g, fields)
	})
	client := dialClient(t, g)

	sub, err := client.StreamBars(tws.HistoricalDataRequest{
		Contract: tws.Stock("AAPL", "SMART", "USD"),
		BarSize:  tws.BarMin5,
	})
	if err != nil {
		t.Fatalf("StreamBars: %v", err)
	}

	select {
	case fields := <-sub.C():
		bar, ok := tws.DecodeBarUpdate(fields)
		if !ok || bar.Open != 100.5 {
			t.Fatalf("unexpected stream frame: %q", fields)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no stream frame received")
	}

	sub.Cancel()

	// отмена уходит на сервер
	select {
	case cancelFrame := <-g.cancels:
		if len(cancelFrame) != 3 || cancelFrame[0] != "25" {
			t.Errorf("cancel frame = %q", cancelFrame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel frame not sent")
	}

	// поздний кадр после отмены: клиент обязан его молча отбросить
	g.send("90", "1001", "late", "1", "1", "1", "1", "1", "1", "1")

	for range sub.C() {
		// дочитываем буфер до закрытия
	}
	if sub.Err() != nil {
		t.Errorf("Err() after cancel = %v; want nil", sub.Err())
	}

	// соединение живо: обычный запрос выполняется
	bars, err := client.HistoricalData(testCtx(t), tws.HistoricalDataRequest{
		Contract: tws.Stock("AAPL", "SMART", "USD"),
	})
	if err != nil {
		t.Fatalf("HistoricalData after cancel: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("got %d bars; want 2", len(bars))
	}
}

// Незапрошенные ошибки сервера (reqID < 0) уходят в общий поток ошибок.
func TestClient_UnsolicitedErrorStream(t *testing.T) {
	g := startGateway(t, nil)
	client := dialClient(t, g)

	<-g.startAPI
	g.send("4", "2", "-1", "1100", "Connectivity between IB and TWS has been lost")

	select {
	case fields := <-client.Errors().C():
		if fields[3] != "1100" {
			t.Errorf("error frame = %q", fields)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unsolicited error not delivered")
	}
}

// Дубликат активного request ID отклоняется без отправки кадра.
func TestClient_DuplicateRequestIDRejected(t *testing.T) {
	g := startGateway(t, nil)
	client := dialClient(t, g)

	reqID := client.NextRequestID()
	if _, err := client.RequestStream(reqID, []string{"20", strconv.FormatInt(reqID, 10)}, nil); err != nil {
		t.Fatalf("RequestStream: %v", err)
	}

	_, err := client.RequestSingle(testCtx(t), reqID, []string{"20", strconv.FormatInt(reqID, 10)})
	var cerr *tws.CorrelationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CorrelationError, got %v", err)
	}
}

// Обрыв со стороны сервера завершает все ожидающие вызовы.
func TestClient_TeardownOnServerClose(t *testing.T) {
	g := startGateway(t, nil) // сервер молчит: запросы остаются в полёте
	client := dialClient(t, g)

	sub, err := client.AccountUpdates()
	if err != nil {
		t.Fatalf("AccountUpdates: %v", err)
	}

	singleErr := make(chan error, 1)
	go func() {
		reqID := client.NextRequestID()
		_, err := client.RequestSingle(context.Background(), reqID,
			[]string{"20", strconv.FormatInt(reqID, 10)})
		singleErr <- err
	}()

	// даём запросу зарегистрироваться, затем рвём соединение
	time.Sleep(50 * time.Millisecond)
	g.closeConn()

	select {
	case err := <-singleErr:
		if !errors.Is(err, tws.ErrConnectionClosed) {
			t.Errorf("single request err = %v; want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request not released")
	}

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Error("subscription channel should be closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription not released")
	}
	if !errors.Is(sub.Err(), tws.ErrConnectionClosed) {
		t.Errorf("sub.Err() = %v; want ErrConnectionClosed", sub.Err())
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
