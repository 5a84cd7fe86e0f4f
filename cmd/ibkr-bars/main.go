// cmd/ibkr-bars — утилита для разового запроса исторических баров
// и значений счёта из TWS/IB Gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wxveshack/ibkr/pkg/logger"
	"github.com/Wxveshack/ibkr/pkg/tws"
)

func main() {
	var (
		addr     string
		clientID int
		symbol   string
		exchange string
		currency string
		duration string
		barSize  string
		show     string
		useRTH   bool
		endTime  string
		account  bool
		timeout  time.Duration
	)

	root := &cobra.Command{
		Use:   "ibkr-bars",
		Short: "Fetch historical bars from TWS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			lg, err := logger.New(logger.Config{Level: "warn", DevMode: true})
			if err != nil {
				return err
			}

			client, err := tws.Connect(ctx, tws.Config{Addr: addr, ClientID: clientID}, lg)
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			fmt.Printf("connected: server version %d, time %s\n",
				client.ServerVersion(), client.ServerTime())

			reqCtx, reqCancel := context.WithTimeout(ctx, timeout)
			defer reqCancel()

			bars, err := client.HistoricalData(reqCtx, tws.HistoricalDataRequest{
				Contract:    tws.Stock(symbol, exchange, currency),
				EndDateTime: endTime,
				Duration:    tws.Duration(duration),
				BarSize:     tws.BarSize(barSize),
				WhatToShow:  tws.WhatToShow(show),
				UseRTH:      useRTH,
			})
			if err != nil {
				return fmt.Errorf("historical data: %w", err)
			}

			fmt.Printf("%-20s %10s %10s %10s %10s %12s\n",
				"DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")
			for _, b := range bars {
				fmt.Printf("%-20s %10.2f %10.2f %10.2f %10.2f %12.0f\n",
					b.Date, b.Open, b.High, b.Low, b.Close, b.Volume)
			}
			fmt.Printf("%d bars\n", len(bars))

			if !account {
				return nil
			}

			values, err := client.AccountValues(reqCtx)
			if err != nil {
				return fmt.Errorf("account values: %w", err)
			}
			for _, v := range values {
				fmt.Printf("%-12s %-28s %16s %s\n", v.Account, v.Key, v.Value, v.Currency)
			}
			return nil
		},
	}

	root.Flags().StringVar(&addr, "addr", "127.0.0.1:7496", "TWS/IB Gateway address")
	root.Flags().IntVar(&clientID, "client-id", 2, "API client id")
	root.Flags().StringVar(&symbol, "symbol", "AAPL", "ticker symbol")
	root.Flags().StringVar(&exchange, "exchange", "SMART", "exchange")
	root.Flags().StringVar(&currency, "currency", "USD", "currency")
	root.Flags().StringVar(&duration, "duration", "5 D", "history depth, e.g. \"5 D\"")
	root.Flags().StringVar(&barSize, "bar-size", "1 hour", "bar size, e.g. \"5 mins\"")
	root.Flags().StringVar(&show, "show", "TRADES", "what to show")
	root.Flags().BoolVar(&useRTH, "rth", true, "regular trading hours only")
	root.Flags().StringVar(&endTime, "end", "", "end datetime (yyyymmdd HH:mm:ss), empty = now")
	root.Flags().BoolVar(&account, "account", false, "also print account values")
	root.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
