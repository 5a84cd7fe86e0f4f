// pkg/tws/messages_test.go
package tws

import (
	"reflect"
	"testing"
)

func TestRequestBuilder_Gating(t *testing.T) {
	low := newRequest(90, OutStartAPI).AddInt(2).AddInt(7).
		AddGated(minServerVerOptionalCapabilities, "").Fields()
	if want := []string{"71", "2", "7"}; !reflect.DeepEqual(low, want) {
		t.Errorf("server 90: fields = %q; want %q", low, want)
	}

	high := newRequest(176, OutStartAPI).AddInt(2).AddInt(7).
		AddGated(minServerVerOptionalCapabilities, "").Fields()
	if want := []string{"71", "2", "7", ""}; !reflect.DeepEqual(high, want) {
		t.Errorf("server 176: fields = %q; want %q", high, want)
	}
}

func TestRequestBuilder_FloatZeroIsEmptyField(t *testing.T) {
	got := newRequest(176, OutReqHistoricalData).AddFloat(0).AddFloat(152.5).Fields()
	if want := []string{"20", "", "152.5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("fields = %q; want %q", got, want)
	}
}

func TestHistoricalDataRequest_Encode(t *testing.T) {
	req := HistoricalDataRequest{
		Contract:    Stock("AAPL", "SMART", "USD"),
		EndDateTime: "20260801 00:00:00",
		Duration:    Days(5),
		BarSize:     BarMin5,
		WhatToShow:  ShowTrades,
		UseRTH:      true,
	}

	got := req.encode(1001, 176)
	want := []string{
		"20", "1001",
		// контракт: conId, symbol, secType, lastTradeDate, strike, right,
		// multiplier, exchange, primaryExchange, currency, localSymbol, tradingClass
		"0", "AAPL", "STK", "", "", "", "", "SMART", "", "USD", "", "",
		"0",                   // includeExpired
		"20260801 00:00:00",   // endDateTime
		"5 mins", "5 D", "1",  // barSize, duration, useRTH
		"TRADES", "1",         // whatToShow, formatDate
		"0",                   // keepUpToDate
		"",                    // chartOptions
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("encode(176):\n got %q\nwant %q", got, want)
	}
}

// На старых версиях сервера опциональные поля не отправляются.
func TestHistoricalDataRequest_EncodeVersionGating(t *testing.T) {
	req := HistoricalDataRequest{Contract: Stock("AAPL", "SMART", "USD")}.applyDefaults()

	full := req.encode(1001, 176)
	noKeepUp := req.encode(1001, 120) // ниже гейта keepUpToDate
	if len(full)-len(noKeepUp) != 1 {
		t.Errorf("server 120: expected exactly one field dropped, got %d vs %d",
			len(full), len(noKeepUp))
	}

	legacy := req.encode(1001, 60) // ниже гейта conId/tradingClass
	if len(full)-len(legacy) != 3 {
		t.Errorf("server 60: expected three fields dropped, got %d vs %d",
			len(full), len(legacy))
	}
	if legacy[2] != "AAPL" {
		t.Errorf("server 60: symbol must follow request id, got %q", legacy[2])
	}
}

func TestEncodeCancelHistorical(t *testing.T) {
	got := encodeCancelHistorical(1001, 176)
	if want := []string{"25", "1", "1001"}; !reflect.DeepEqual(got, want) {
		t.Errorf("fields = %q; want %q", got, want)
	}
}

func TestHistoricalDataRequest_ApplyDefaults(t *testing.T) {
	req := HistoricalDataRequest{}.applyDefaults()
	if req.Duration != Days(1) || req.BarSize != BarHour1 || req.WhatToShow != ShowTrades {
		t.Errorf("defaults: %+v", req)
	}
}

func TestDecodeBarUpdate(t *testing.T) {
	bar, ok := DecodeBarUpdate([]string{"90", "1001",
		"20260801 10:00:00", "100.5", "101.0", "100.1", "100.9", "5000", "100.6", "42"})
	if !ok {
		t.Fatal("DecodeBarUpdate: ok = false")
	}
	if bar.Date != "20260801 10:00:00" || bar.Open != 100.5 || bar.Count != 42 {
		t.Errorf("bar = %+v", bar)
	}

	if _, ok := DecodeBarUpdate([]string{"17", "1001"}); ok {
		t.Error("foreign message decoded as bar update")
	}
}

func TestDecodeAccountValue(t *testing.T) {
	av, ok := DecodeAccountValue([]string{"6", "2", "NetLiquidation", "100000.00", "USD", "DU1234567"})
	if !ok {
		t.Fatal("DecodeAccountValue: ok = false")
	}
	want := AccountValue{Key: "NetLiquidation", Value: "100000.00", Currency: "USD", Account: "DU1234567"}
	if av != want {
		t.Errorf("value = %+v; want %+v", av, want)
	}

	if _, ok := DecodeAccountValue([]string{"7", "2"}); ok {
		t.Error("foreign message decoded as account value")
	}
}
