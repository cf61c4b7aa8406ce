// Package logbook persists the process log to daily files and relays it
// to connected peers, both live (LOG messages as entries happen) and in
// bulk (the current day's file on request).
package logbook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skylink-io/skylink/internal/peer"
	"github.com/skylink-io/skylink/internal/protocol"
	"github.com/skylink-io/skylink/internal/router"
	"github.com/skylink-io/skylink/pkg/log"
)

const (
	sinkName   = "logbook"
	dayFormat  = "2006-01-02"
	timeFormat = "15:04:05"
)

// Config wires the logbook.
type Config struct {
	// Dir holds the daily log files. Required.
	Dir string

	// Router, when set, receives live LOG broadcasts and answers
	// REQUEST_TODAY_LOGS. A logbook without a router only writes files.
	Router *router.Router

	// Now defaults to time.Now; injectable for tests.
	Now func() time.Time
}

// Book is the logbook. It taps the process logger through a sink, so
// everything logged anywhere in the process ends up in the daily file.
type Book struct {
	dir    string
	router *router.Router
	now    func() time.Time

	relaying atomic.Bool

	mu         sync.Mutex
	file       *os.File
	day        string
	lastMinute string
}

// New creates the log directory and returns an unstarted Book.
func New(cfg Config) (*Book, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("logbook: directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("logbook: create %s: %w", cfg.Dir, err)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Book{dir: cfg.Dir, router: cfg.Router, now: now}, nil
}

// Start taps the process logger and installs the bulk-transfer route.
func (b *Book) Start() {
	if b.router != nil {
		b.router.Handle(protocol.TypeRequestTodayLogs, b.handleRequest)
	}
	log.AddSink(sinkName, b.consume)
}

// Stop detaches from the logger and closes the current file.
func (b *Book) Stop() {
	log.RemoveSink(sinkName)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
}

// TodayContent returns the full content of the current day's file.
// A day without entries yields an empty string.
func (b *Book) TodayContent() (string, error) {
	path := filepath.Join(b.dir, b.now().Format(dayFormat)+".log")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("logbook: read %s: %w", path, err)
	}
	return string(raw), nil
}

func (b *Book) handleRequest(ctx context.Context, conn *peer.Connection, msg protocol.Message) {
	content, err := b.TodayContent()
	if err != nil {
		log.Error(err, "reading today's log file")
		return
	}
	reply := protocol.MustNew(protocol.TypeTodayLogs, protocol.TodayLogsData{TodayLogsFileContent: content})
	if err := conn.Send(ctx, reply); err != nil {
		log.Warn("answering log request", "peer", conn.RemoteID(), "err", err)
	}
}

// consume receives every log entry. File write failures go to stderr
// directly; routing them through the logger would loop.
func (b *Book) consume(e log.Entry) {
	if err := b.write(e); err != nil {
		fmt.Fprintf(os.Stderr, "logbook: %v\n", err)
	}
	b.relay(e)
}

func (b *Book) write(e log.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	day := e.Timestamp.Format(dayFormat)
	if b.file == nil || day != b.day {
		if b.file != nil {
			b.file.Close()
		}
		path := filepath.Join(b.dir, day+".log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		b.file = f
		b.day = day
		b.lastMinute = ""
	}

	// A blank separator per minute keeps long files scannable.
	minute := e.Timestamp.Format("15:04")
	if b.lastMinute != "" && minute != b.lastMinute {
		if _, err := fmt.Fprintf(b.file, "\n----- %s -----\n", minute); err != nil {
			return fmt.Errorf("write separator: %w", err)
		}
	}
	b.lastMinute = minute

	_, err := fmt.Fprintf(b.file, "%s [%s] %s\n", e.Timestamp.Format(timeFormat), e.Method, e.Message)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// relay broadcasts the entry as a LOG message. The reentrancy guard
// stops feedback: a failed broadcast logs a warning, which lands back
// here and must not broadcast again.
func (b *Book) relay(e log.Entry) {
	if b.router == nil || !b.router.HasConnections() {
		return
	}
	if b.relaying.Swap(true) {
		return
	}
	defer b.relaying.Store(false)

	msg := protocol.MustNew(protocol.TypeLog, protocol.LogData{
		Method:    e.Method,
		Timestamp: e.Timestamp.UnixMilli(),
		Args:      []any{e.Message},
	})
	if err := b.router.Broadcast(context.Background(), msg); err != nil {
		log.Debug("relaying log entry", "err", err)
	}
}
