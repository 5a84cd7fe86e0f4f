// pkg/tws/account.go
package tws

import (
	"context"

	"github.com/Wxveshack/ibkr/pkg/tws/wire"
)

// AccountValue — одно значение счёта (ключ, значение, валюта, счёт).
type AccountValue struct {
	Key      string
	Value    string
	Currency string
	Account  string
}

// AccountUpdates подписывается на поток данных счёта (ReqAccountData).
// Кадры доставляются сырыми полями; DecodeAccountValue разбирает
// обновления значений. Cancel подписки отправляет unsubscribe.
// Одновременно может существовать одна подписка на соединение —
// протокол не несёт request ID в этих кадрах.
func (c *Client) AccountUpdates() (*Subscription, error) {
	subscribe := newRequest(c.ServerVersion(), OutReqAccountData).
		AddInt(2). // версия сообщения
		AddBool(true).
		Add(""). // acctCode
		Fields()
	unsubscribe := newRequest(c.ServerVersion(), OutReqAccountData).
		AddInt(2).
		AddBool(false).
		Add("").
		Fields()
	return c.RequestStream(keyAccountStream, subscribe, unsubscribe)
}

// AccountValues собирает snapshot значений счёта: подписывается,
// накапливает обновления до маркера конца выгрузки и отписывается.
func (c *Client) AccountValues(ctx context.Context) ([]AccountValue, error) {
	sub, err := c.AccountUpdates()
	if err != nil {
		return nil, err
	}
	defer sub.Cancel()

	var values []AccountValue
	for {
		select {
		case fields, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return nil, err
				}
				return values, nil
			}
			r := wire.NewFieldReader(fields)
			switch IncomingID(r.Int()) {
			case InAccountValue:
				r.Skip(1) // версия сообщения
				values = append(values, AccountValue{
					Key:      r.String(),
					Value:    r.String(),
					Currency: r.String(),
					Account:  r.String(),
				})
			case InAccountDownloadEnd:
				return values, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// DecodeAccountValue разбирает кадр InAccountValue.
// ok=false для кадров другого типа.
func DecodeAccountValue(fields []string) (AccountValue, bool) {
	r := wire.NewFieldReader(fields)
	if IncomingID(r.Int()) != InAccountValue {
		return AccountValue{}, false
	}
	r.Skip(1) // версия сообщения
	return AccountValue{
		Key:      r.String(),
		Value:    r.String(),
		Currency: r.String(),
		Account:  r.String(),
	}, true
}
