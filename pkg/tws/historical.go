// pkg/tws/historical.go
package tws

import (
	"context"
	"fmt"

	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// BarSize — размер бара в запросе исторических данных.
type BarSize string

const (
	BarSec1  BarSize = "1 sec"
	BarSec5  BarSize = "5 secs"
	BarSec15 BarSize = "15 secs"
	BarSec30 BarSize = "30 secs"
	BarMin1  BarSize = "1 min"
	BarMin2  BarSize = "2 mins"
	BarMin3  BarSize = "3 mins"
	BarMin5  BarSize = "5 mins"
	BarMin15 BarSize = "15 mins"
	BarMin30 BarSize = "30 mins"
	BarHour1 BarSize = "1 hour"
	BarDay1  BarSize = "1 day"
)

// WhatToShow — тип данных в барах.
type WhatToShow string

const (
	ShowTrades     WhatToShow = "TRADES"
	ShowMidpoint   WhatToShow = "MIDPOINT"
	ShowBid        WhatToShow = "BID"
	ShowAsk        WhatToShow = "ASK"
	ShowBidAsk     WhatToShow = "BID_ASK"
	ShowHistVol    WhatToShow = "HISTORICAL_VOLATILITY"
	ShowOptImplVol WhatToShow = "OPTION_IMPLIED_VOLATILITY"
)

// Duration — глубина запроса в нотации протокола ("5 D", "2 W", ...).
type Duration string

func Seconds(n int) Duration { return Duration(fmt.Sprintf("%d S", n)) }
func Days(n int) Duration    { return Duration(fmt.Sprintf("%d D", n)) }
func Weeks(n int) Duration   { return Duration(fmt.Sprintf("%d W", n)) }
func Months(n int) Duration  { return Duration(fmt.Sprintf("%d M", n)) }
func Years(n int) Duration   { return Duration(fmt.Sprintf("%d Y", n)) }

// Bar — один исторический бар.
type Bar struct {
	Date   string
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	WAP    float64
	Count  int
}

func parseBar(r *wire.FieldReader) Bar {
	return Bar{
		Date:   r.String(),
		Open:   r.Float(),
		High:   r.Float(),
		Low:    r.Float(),
		Close:  r.Float(),
		Volume: r.Float(),
		WAP:    r.Float(),
		Count:  r.Int(),
	}
}

// HistoricalDataRequest — параметры запроса исторических баров.
type HistoricalDataRequest struct {
	Contract    Contract
	EndDateTime string // пусто — текущее время; "yyyymmdd HH:mm:ss [tz]"
	Duration    Duration
	BarSize     BarSize
	WhatToShow  WhatToShow
	UseRTH      bool // только регулярная торговая сессия
	KeepUpToDate bool // продолжать присылать обновления баров
}

func (h HistoricalDataRequest) applyDefaults() HistoricalDataRequest {
	if h.Duration == "" {
		h.Duration = Days(1)
	}
	if h.BarSize == "" {
		h.BarSize = BarHour1
	}
	if h.WhatToShow == "" {
		h.WhatToShow = ShowTrades
	}
	return h
}

// encode собирает кадр запроса; keepUpToDate добавляется только при
// достаточной версии сервера.
func (h HistoricalDataRequest) encode(reqID int64, serverVersion int) []string {
	b := newRequest(serverVersion, OutReqHistoricalData).AddInt64(reqID)
	h.Contract.appendFields(b)
	b.AddBool(h.Contract.IncludeExpired).
		Add(h.EndDateTime).
		Add(string(h.BarSize)).
		Add(string(h.Duration)).
		AddBool(h.UseRTH).
		Add(string(h.WhatToShow)).
		AddInt(1). // formatDate: строковый формат дат
		AddGated(minServerVerSyntRealtimeBars, boolField(h.KeepUpToDate)).
		Add("") // chartOptions
	return b.Fields()
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func encodeCancelHistorical(reqID int64, serverVersion int) []string {
	return newRequest(serverVersion, OutCancelHistoricalData).
		AddInt(1). // версия сообщения
		AddInt64(reqID).
		Fields()
}

// HistoricalData запрашивает пакет исторических баров и ждёт единственный
// ответ. Таймаут — политика вызывающего через ctx.
func (c *Client) HistoricalData(ctx context.Context, req HistoricalDataRequest) ([]Bar, error) {
	req = req.applyDefaults()
	req.KeepUpToDate = false

	reqID := c.NextRequestID()
	fields, err := c.RequestSingle(ctx, reqID, req.encode(reqID, c.ServerVersion()))
	if err != nil {
		return nil, err
	}

	bars, _ := DecodeBarPacket(fields)
	return bars, nil
}

// DecodeBarPacket разбирает кадр InHistoricalData: пакет баров с границами
// запрошенного интервала. ok=false для кадров другого типа.
func DecodeBarPacket(fields []string) ([]Bar, bool) {
	r := wire.NewFieldReader(fields)
	if IncomingID(r.Int()) != InHistoricalData {
		return nil, false
	}
	r.Skip(1) // request id
	r.Skip(2) // start, end
	count := r.Int()
	bars := make([]Bar, 0, count)
	for i := 0; i < count; i++ {
		bars = append(bars, parseBar(r))
	}
	return bars, true
}

// StreamBars запрашивает бары в режиме keepUpToDate: первый кадр несёт
// исторический пакет, дальше приходят обновления. Cancel подписки
// отправляет CancelHistoricalData.
func (c *Client) StreamBars(req HistoricalDataRequest) (*Subscription, error) {
	req = req.applyDefaults()
	req.KeepUpToDate = true

	reqID := c.NextRequestID()
	return c.RequestStream(reqID,
		req.encode(reqID, c.ServerVersion()),
		encodeCancelHistorical(reqID, c.ServerVersion()),
	)
}

// DecodeBarUpdate разбирает кадр InHistoricalDataUpdate.
// ok=false для кадров другого типа.
func DecodeBarUpdate(fields []string) (Bar, bool) {
	r := wire.NewFieldReader(fields)
	if IncomingID(r.Int()) != InHistoricalDataUpdate {
		return Bar{}, false
	}
	r.Skip(1) // request id
	return parseBar(r), true
}
