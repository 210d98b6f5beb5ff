// Package stats aggregates client-side measurements from load test runs
// against the relay: connection setup, room establishment, and end-to-end
// message delivery. A single Collector is shared by all scenario goroutines
// and prints one summary when the run ends.
package stats

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Collector gathers latency series and counters from concurrently running
// load test clients. All methods are goroutine-safe.
type Collector struct {
	mu          sync.Mutex
	connects    []time.Duration
	roomSetups  []time.Duration
	deliveries  []time.Duration
	connections int
	roomsClosed int
	errors      int
	startTime   time.Time
	scraper     *Scraper
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetScraper attaches a relay metrics scraper. When set, Report also prints
// the server-side view of the run.
func (c *Collector) SetScraper(s *Scraper) {
	c.mu.Lock()
	c.scraper = s
	c.mu.Unlock()
}

// AddConnect records one successful login handshake and its latency.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects = append(c.connects, d)
	c.connections++
	c.mu.Unlock()
}

// AddRoomSetup records the time from a guest's join_room to its room_joined
// ack, covering the relay's atomic slot claim and key handover.
func (c *Collector) AddRoomSetup(d time.Duration) {
	c.mu.Lock()
	c.roomSetups = append(c.roomSetups, d)
	c.mu.Unlock()
}

// AddDelivery records the send-to-receive latency of one relayed message.
func (c *Collector) AddDelivery(d time.Duration) {
	c.mu.Lock()
	c.deliveries = append(c.deliveries, d)
	c.mu.Unlock()
}

// AddRoomClosed records one room that completed its full lifecycle, from
// create through host leave and the guest's room_closed.
func (c *Collector) AddRoomClosed() {
	c.mu.Lock()
	c.roomsClosed++
	c.mu.Unlock()
}

// AddError increments the failure counter.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns the number of recorded logins so far.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

// ErrorCount returns the number of recorded failures so far.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints a summary of the run: counters, per-series percentile
// distributions, message throughput, and the scraped relay metrics when a
// scraper is attached.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := time.Since(c.startTime)

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Duration:      %s\n", elapsed.Round(time.Second))
	fmt.Printf("Connections:   %d\n", c.connections)
	fmt.Printf("Rooms closed:  %d\n", c.roomsClosed)
	fmt.Printf("Errors:        %d\n", c.errors)
	if c.connections > 0 {
		fmt.Printf("Error rate:    %.2f%%\n", float64(c.errors)/float64(c.connections)*100)
	}
	if len(c.deliveries) > 0 && elapsed > 0 {
		fmt.Printf("Delivered:     %d messages (%.1f/s)\n",
			len(c.deliveries), float64(len(c.deliveries))/elapsed.Seconds())
	}

	printSeries("Connect Latency", c.connects)
	printSeries("Room Setup", c.roomSetups)
	printSeries("Delivery Latency", c.deliveries)

	if c.scraper != nil {
		c.scraper.Report()
	}
	fmt.Println()
}

// printSeries prints one latency series as avg/p50/p95/p99/max. Empty
// series are skipped.
func printSeries(name string, durations []time.Duration) {
	if len(durations) == 0 {
		return
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	n := len(durations)
	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	fmt.Printf("\n--- %s ---\n", name)
	fmt.Printf("  avg: %v  p50: %v  p95: %v  p99: %v  max: %v  (n=%d)\n",
		(sum / time.Duration(n)).Round(time.Microsecond),
		percentile(durations, 0.50).Round(time.Microsecond),
		percentile(durations, 0.95).Round(time.Microsecond),
		percentile(durations, 0.99).Round(time.Microsecond),
		durations[n-1].Round(time.Microsecond),
		n,
	)
}

// percentile returns the p-th percentile of a sorted series.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}
