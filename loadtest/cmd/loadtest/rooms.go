package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/unspoken/chat-app/loadtest/client"
	"github.com/unspoken/chat-app/loadtest/stats"
)

// runRooms drives the full room lifecycle: each pair has a host create a
// room, a guest join it, the two exchange messages at the configured rate,
// and the host leave (closing the room). Message latency is measured by
// embedding a send timestamp in the opaque payload field and reading it
// back on the receiving side.
func runRooms(args []string) {
	fs := flag.NewFlagSet("rooms", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8765/ws", "relay WebSocket URL")
	pairs := fs.Int("pairs", 100, "number of host/guest pairs")
	messages := fs.Int("messages", 20, "messages each side sends per room")
	rate := fs.Int("rate", 5, "messages per second per sender")
	metricsURL := fs.String("metrics", "", "relay metrics URL to scrape (optional)")
	fs.Parse(args)

	collector := stats.NewCollector()
	if *metricsURL != "" {
		scraper := stats.NewScraper(*metricsURL, 2*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	fmt.Printf("rooms: %d pairs, %d messages each at %d/s against %s\n",
		*pairs, *messages, *rate, *url)

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := runPair(*url, i, *messages, *rate, collector); err != nil {
				collector.AddError()
				fmt.Fprintf(os.Stderr, "pair %d: %v\n", i, err)
			}
		}(i)
		// Stagger pair starts so room creation doesn't thundering-herd.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	collector.Report()
}

// runPair executes one complete host/guest conversation.
func runPair(url string, idx, messages, rate int, collector *stats.Collector) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	prefix := fmt.Sprintf("room-%d-%d", os.Getpid(), idx)

	host, err := client.New(ctx, url, prefix+"-host")
	if err != nil {
		return fmt.Errorf("host connect: %w", err)
	}
	defer host.Close()
	collector.AddConnect(host.GetMetrics().ConnectLatency)

	created := make(chan string, 1)
	host.On(client.ActionRoomCreated, func(msg client.Message) {
		created <- msg["room_id"]
	})
	guestJoined := make(chan struct{}, 1)
	host.On(client.ActionUserJoined, func(client.Message) {
		guestJoined <- struct{}{}
	})

	if err := host.CreateRoom(); err != nil {
		return fmt.Errorf("create_room: %w", err)
	}
	var roomID string
	select {
	case roomID = <-created:
	case <-ctx.Done():
		return fmt.Errorf("room_created timeout")
	}

	guest, err := client.New(ctx, url, prefix+"-guest")
	if err != nil {
		return fmt.Errorf("guest connect: %w", err)
	}
	defer guest.Close()
	collector.AddConnect(guest.GetMetrics().ConnectLatency)

	joined := make(chan struct{}, 1)
	guest.On(client.ActionRoomJoined, func(client.Message) {
		joined <- struct{}{}
	})
	closed := make(chan struct{}, 1)
	guest.On(client.ActionRoomClosed, func(client.Message) {
		closed <- struct{}{}
	})

	// Both sides record delivery latency from the timestamp in the payload.
	recvDone := make(chan struct{})
	var recvCount int
	onMessage := func(msg client.Message) {
		if ns, err := strconv.ParseInt(msg["encrypted_content"], 10, 64); err == nil {
			collector.AddDelivery(time.Since(time.Unix(0, ns)))
		}
		recvCount++
		if recvCount == messages {
			close(recvDone)
		}
	}
	guest.On(client.ActionNewMessage, onMessage)

	joinStart := time.Now()
	if err := guest.JoinRoom(roomID); err != nil {
		return fmt.Errorf("join_room: %w", err)
	}
	select {
	case <-joined:
		collector.AddRoomSetup(time.Since(joinStart))
	case <-ctx.Done():
		return fmt.Errorf("room_joined timeout")
	}
	select {
	case <-guestJoined:
	case <-ctx.Done():
		return fmt.Errorf("user_joined timeout")
	}

	// Host sends at the configured rate; the payload is the send time.
	interval := time.Second / time.Duration(rate)
	for n := 0; n < messages; n++ {
		payload := strconv.FormatInt(time.Now().UnixNano(), 10)
		if err := host.SendEncrypted(client.ActionSendMessage, roomID, "host", payload); err != nil {
			return fmt.Errorf("send_message: %w", err)
		}
		time.Sleep(interval)
	}

	select {
	case <-recvDone:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("guest received %d/%d messages", recvCount, messages)
	}

	// Host leaves; the room must close for the guest.
	if err := host.LeaveRoom(roomID, "host"); err != nil {
		return fmt.Errorf("leave_room: %w", err)
	}
	select {
	case <-closed:
		collector.AddRoomClosed()
	case <-time.After(10 * time.Second):
		return fmt.Errorf("room_closed timeout")
	}
	return nil
}
