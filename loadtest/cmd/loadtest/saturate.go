package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/unspoken/chat-app/loadtest/client"
	"github.com/unspoken/chat-app/loadtest/stats"
)

// runSaturate opens N logged-in connections as fast as the ramp rate
// allows, holds them for the configured duration, then closes them. It
// measures connect latency and verifies the relay keeps idle connections
// alive through its heartbeat.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8765/ws", "relay WebSocket URL")
	n := fs.Int("n", 1000, "number of connections to open")
	ramp := fs.Int("ramp", 100, "connections to open per second")
	hold := fs.Duration("hold", 30*time.Second, "how long to hold connections open")
	metricsURL := fs.String("metrics", "", "relay metrics URL to scrape (optional)")
	fs.Parse(args)

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	fmt.Printf("saturate: opening %d connections at %d/s against %s\n", *n, *ramp, *url)

	var mu sync.Mutex
	clients := make([]*client.Client, 0, *n)
	var wg sync.WaitGroup
	interval := time.Second / time.Duration(*ramp)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c, err := client.New(ctx, *url, fmt.Sprintf("sat-%d-%d", os.Getpid(), i))
			if err != nil {
				collector.AddError()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(i)
		time.Sleep(interval)
	}
	wg.Wait()

	fmt.Printf("saturate: %d connections open (%d errors), holding for %s\n",
		collector.ConnectionCount(), collector.ErrorCount(), *hold)
	time.Sleep(*hold)

	for _, c := range clients {
		c.Close()
	}
	collector.Report()
}
