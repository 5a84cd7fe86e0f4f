// pkg/tws/contract.go
package tws

// SecurityType — код типа инструмента в протоколе TWS.
type SecurityType string

const (
	SecStock  SecurityType = "STK"
	SecOption SecurityType = "OPT"
	SecFuture SecurityType = "FUT"
	SecIndex  SecurityType = "IND"
	SecForex  SecurityType = "FOREX"
	SecCash   SecurityType = "CASH"
	SecCFD    SecurityType = "CFD"
	SecBag    SecurityType = "BAG"
)

// OptionRight — право опциона.
type OptionRight string

const (
	RightNone OptionRight = ""
	RightCall OptionRight = "C"
	RightPut  OptionRight = "P"
)

// Contract однозначно идентифицирует торгуемый инструмент.
type Contract struct {
	ConID           int64        // идентификатор контракта в TWS (0 — не задан)
	Symbol          string       // тикер
	SecType         SecurityType // тип инструмента
	LastTradeDate   string       // экспирация для деривативов (YYYYMMDD или YYYYMM)
	Strike          float64      // страйк для опционов
	Right           OptionRight  // право (call/put)
	Multiplier      string       // множитель контракта
	Exchange        string       // биржа ("SMART", "NYSE", ...)
	PrimaryExchange string       // первичная биржа при SMART-роутинге
	Currency        string       // валюта ("USD", ...)
	LocalSymbol     string       // локальный биржевой символ
	TradingClass    string       // торговый класс
	IncludeExpired  bool         // включать истёкшие контракты в поиск
}

// Stock создаёт контракт на акцию/ETF.
func Stock(symbol, exchange, currency string) Contract {
	return Contract{
		Symbol:   symbol,
		SecType:  SecStock,
		Exchange: exchange,
		Currency: currency,
	}
}

// Forex создаёт валютный контракт ("EUR.USD" — symbol=EUR, currency=USD).
func Forex(pair string) Contract {
	return Contract{
		Symbol:   pair,
		SecType:  SecCash,
		Exchange: "IDEALPRO",
		Currency: "USD",
	}
}

// appendFields кодирует стандартный блок полей контракта. ConID и
// TradingClass присутствуют только при достаточной версии сервера —
// гейтинг централизован в requestBuilder.
func (c Contract) appendFields(b *requestBuilder) {
	b.AddGated(minServerVerTradingClass, formatInt64(c.ConID))
	b.Add(c.Symbol).
		Add(string(c.SecType)).
		Add(c.LastTradeDate).
		AddFloat(c.Strike).
		Add(string(c.Right)).
		Add(c.Multiplier).
		Add(c.Exchange).
		Add(c.PrimaryExchange).
		Add(c.Currency).
		Add(c.LocalSymbol).
		AddGated(minServerVerTradingClass, c.TradingClass)
}
