// streamtest connects to one feed endpoint and prints decoded frames to the console.
// Usage: go run ./cmd/streamtest --url ws://localhost:8080/ws/tick --feed tick
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/logging"
	"github.com/rickgao/market-dashboard/internal/transport"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws/tick", "feed endpoint")
	feedKey := flag.String("feed", feed.KeyTick, "feed kind: tick or indicators")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	delay := flag.Duration("reconnect", 5*time.Second, "reconnect delay")
	flag.Parse()

	logger := logging.New(os.Stdout, "debug", "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var received, failed atomic.Int64
	tr, err := transport.New(*url, transport.Handlers{
		OnOpen: func() {
			logger.Info("connected", "url", *url)
		},
		OnMessage: func(m feed.Message) {
			received.Add(1)
			if err := printMessage(*feedKey, m, *verbose); err != nil {
				failed.Add(1)
				logger.Warn("unparseable frame", "error", err)
			}
		},
		OnClose: func(ev transport.CloseEvent) {
			logger.Info("disconnected", "code", ev.Code, "reason", ev.Reason, "clean", ev.Clean)
		},
		OnError: func(err error) {
			logger.Error("transport error", "error", err)
		},
	}, transport.WithLogger(logger), transport.WithPolicy(transport.Policy{Delay: *delay}))
	if err != nil {
		logger.Error("failed to create transport", "error", err)
		os.Exit(1)
	}
	tr.Connect()

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logger.Info("stats", "state", tr.State(), "received", received.Load(), "unparseable", failed.Load())
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")
	<-ctx.Done()

	logger.Info("shutting down...")
	tr.Close()
	logger.Info("shutdown complete")
}

func printMessage(feedKey string, m feed.Message, verbose bool) error {
	if verbose {
		data, err := json.MarshalIndent(m.Value, "", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s\n", feedKey, data)
		return nil
	}

	if feedKey == feed.KeyIndicators {
		ind, err := feed.ParseIndicators(m)
		if err != nil {
			return err
		}
		fmt.Printf("[INDICATORS] ticker=%s date=%s values=%v\n", ind.Ticker, ind.Timestamp.Format(time.RFC3339), ind.Values)
		return nil
	}

	tick, err := feed.ParseTick(m)
	if err != nil {
		return err
	}
	fmt.Printf("[TICK] ticker=%s price=%g qty=%g trade_id=%s ordered=%s\n",
		tick.Ticker, tick.Price, tick.Quantity, tick.TradeID, tick.Ordered)
	return nil
}
