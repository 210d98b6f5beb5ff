// Command unspoken is a terminal client for the Unspoken relay. It holds
// one end-to-end encrypted conversation: create or join a room, type, and
// everything leaves the process as ciphertext.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/unspoken/chat-app/internal/crypto"
	"github.com/unspoken/chat-app/internal/engine"
	"github.com/unspoken/chat-app/internal/transport"
)

type config struct {
	ServerHost string `envconfig:"UNSPOKEN_HOST" default:"localhost"`
	ServerPort string `envconfig:"UNSPOKEN_PORT" default:"8765"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"warn"`
}

// printer renders snapshot updates incrementally: only entries not yet
// shown, state changes, and the live typing preview.
type printer struct {
	mu        sync.Mutex
	shown     int
	lastState engine.State
	lastType  string
	lastError string
}

func (p *printer) update(s engine.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.State != p.lastState {
		fmt.Printf("-- %s --\n", s.State)
		p.lastState = s.State
	}
	if s.LastError != "" && s.LastError != p.lastError {
		fmt.Printf("!! %s\n", s.LastError)
		p.lastError = s.LastError
	}

	// A cleared conversation (left room) resets the counter.
	if len(s.Messages) < p.shown {
		p.shown = 0
	}
	for _, entry := range s.Messages[p.shown:] {
		switch entry.Origin {
		case engine.OriginLocal:
			fmt.Printf("me: %s\n", entry.Content)
		case engine.OriginRemote:
			fmt.Printf("peer: %s\n", entry.Content)
		default:
			fmt.Printf("** %s\n", entry.Content)
		}
	}
	p.shown = len(s.Messages)

	if s.TypingIndicator != p.lastType {
		if s.TypingIndicator != "" {
			fmt.Printf("peer is typing: %s\n", s.TypingIndicator)
		}
		p.lastType = s.TypingIndicator
	}
}

func main() {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		logrus.WithError(err).Fatal("config error")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	userID := uuid.New().String()
	eng := engine.New(engine.DefaultConfig(), userID, crypto.NewKeyRing(), func() transport.Transport {
		return transport.NewWebSocket()
	})
	defer eng.Close()

	p := &printer{lastState: engine.StateDisconnected}
	eng.Subscribe(p.update)

	fmt.Printf("connecting to %s:%s ...\n", cfg.ServerHost, cfg.ServerPort)
	if err := eng.SetServerAddress(cfg.ServerHost, cfg.ServerPort); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	if err := eng.Login(); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("commands: /create, /join <room>, /leave, /typing <text>, /quit")
	fmt.Println("anything else is sent as an encrypted message")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/quit":
			return
		case line == "/create":
			err = eng.CreateRoom()
		case strings.HasPrefix(line, "/join "):
			err = eng.JoinRoom(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		case line == "/leave":
			err = eng.LeaveRoom()
		case strings.HasPrefix(line, "/typing "):
			err = eng.SendTyping(strings.TrimPrefix(line, "/typing "))
		case strings.HasPrefix(line, "/"):
			fmt.Printf("unknown command %q\n", line)
			continue
		default:
			err = eng.SendMessage(line)
		}
		if err != nil {
			fmt.Printf("!! %v\n", err)
		}
	}
}
