// pkg/tws/messages.go
package tws

import "strconv"

// OutgoingID — числовой идентификатор запроса (client -> TWS).
type OutgoingID int

const (
	// OutReqAccountData — подписка на данные счёта.
	OutReqAccountData OutgoingID = 6
	// OutReqHistoricalData — запрос исторических баров.
	OutReqHistoricalData OutgoingID = 20
	// OutCancelHistoricalData — отмена запроса исторических данных.
	OutCancelHistoricalData OutgoingID = 25
	// OutStartAPI — стартовый кадр сессии после handshake.
	OutStartAPI OutgoingID = 71
)

// IncomingID — числовой идентификатор ответа (TWS -> client).
type IncomingID int

const (
	// InErrMsg — асинхронное сообщение об ошибке.
	InErrMsg IncomingID = 4
	// InAccountValue — обновление значения счёта.
	InAccountValue IncomingID = 6
	// InPortfolioValue — обновление позиции портфеля.
	InPortfolioValue IncomingID = 7
	// InAccountDownloadEnd — маркер конца выгрузки счёта.
	InAccountDownloadEnd IncomingID = 8
	// InNextValidID — следующий валидный order ID.
	InNextValidID IncomingID = 9
	// InManagedAccounts — список управляемых счетов.
	InManagedAccounts IncomingID = 15
	// InHistoricalData — пакет исторических баров.
	InHistoricalData IncomingID = 17
	// InHistoricalDataUpdate — обновление бара в режиме keepUpToDate.
	InHistoricalDataUpdate IncomingID = 90
	// InHistoricalDataEnd — маркер конца исторических данных.
	InHistoricalDataEnd IncomingID = 108
)

// Диапазон версий протокола, который клиент объявляет в handshake,
// и минимальные версии сервера для опциональных полей запросов.
const (
	MinClientVersion = 100
	MaxClientVersion = 176

	minServerVerTradingClass         = 68
	minServerVerOptionalCapabilities = 100
	minServerVerSyntRealtimeBars     = 124
)

// requestBuilder собирает поля исходящего кадра. Опциональные поля,
// зависящие от версии сервера, добавляются только через AddGated —
// единая точка version-gating вместо ветвлений по кодекам.
type requestBuilder struct {
	serverVersion int
	fields        []string
}

func newRequest(serverVersion int, id OutgoingID) *requestBuilder {
	return &requestBuilder{
		serverVersion: serverVersion,
		fields:        []string{strconv.Itoa(int(id))},
	}
}

func (b *requestBuilder) Add(v string) *requestBuilder {
	b.fields = append(b.fields, v)
	return b
}

func (b *requestBuilder) AddInt(v int) *requestBuilder {
	return b.Add(strconv.Itoa(v))
}

func (b *requestBuilder) AddInt64(v int64) *requestBuilder {
	return b.Add(strconv.FormatInt(v, 10))
}

// AddFloat кодирует число; ноль передаётся пустым полем, как принято в TWS.
func (b *requestBuilder) AddFloat(v float64) *requestBuilder {
	if v == 0 {
		return b.Add("")
	}
	return b.Add(strconv.FormatFloat(v, 'g', -1, 64))
}

func (b *requestBuilder) AddBool(v bool) *requestBuilder {
	if v {
		return b.Add("1")
	}
	return b.Add("0")
}

// AddGated добавляет поле только если согласованная версия сервера
// не ниже minVersion.
func (b *requestBuilder) AddGated(minVersion int, v string) *requestBuilder {
	if b.serverVersion >= minVersion {
		b.fields = append(b.fields, v)
	}
	return b
}

func (b *requestBuilder) Fields() []string {
	return b.fields
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}
