package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"slotkeeper/internal/transport"
)

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
)

// chatSink is a zerolog.LevelWriter that forwards lines to an operator chat
// from a single background sender. Writes never block; lines are dropped
// when the queue is full or the rate limit is hit.
type chatSink struct {
	mu      sync.Mutex
	on      bool
	sender  transport.Sender
	to      transport.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter
	stop    context.CancelFunc
	done    chan struct{}

	lines chan string
	start sync.Once
}

func newChatSink(sender transport.Sender) *chatSink {
	return &chatSink{sender: sender, min: zerolog.WarnLevel, lines: make(chan string, chatQueueSize)}
}

func (c *chatSink) setSender(sender transport.Sender) {
	c.mu.Lock()
	c.sender = sender
	c.mu.Unlock()
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.on = cfg.Enabled
	c.to = transport.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	c.min = levelOf(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if !cfg.Enabled {
		return
	}
	if cfg.ChatID == 0 {
		fmt.Fprintln(os.Stderr, "logx: chat logging enabled but chat_id is not set")
	}
	c.start.Do(c.launch)
}

func (c *chatSink) launch() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.stop, c.done = cancel, done
	c.mu.Unlock()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case line := <-c.lines:
				c.send(ctx, line)
			}
		}
	}()
}

func (c *chatSink) send(ctx context.Context, line string) {
	c.mu.Lock()
	sender, to := c.sender, c.to
	c.mu.Unlock()
	if sender == nil || to.IsZero() {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
	defer cancel()
	_, _ = sender.SendText(sctx, to, line, &transport.SendOptions{DisablePreview: true})
}

func (c *chatSink) close() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.InfoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	pass := c.on && c.sender != nil && !c.to.IsZero() && level >= c.min && c.limiter.Allow()
	c.mu.Unlock()
	if !pass {
		return len(p), nil
	}
	if line := formatChatLine(p); line != "" {
		select {
		case c.lines <- line:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders one zerolog JSON line as plain text. Non-JSON input
// is forwarded trimmed.
func formatChatLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 3500)
	}

	lvl, _ := m["level"].(string)
	msg, _ := m["message"].(string)

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=")
		b.WriteString(truncate(fmt.Sprint(m[k]), 600))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n")
		b.WriteString(truncate(fmt.Sprint(st), 900))
	}
	return truncate(b.String(), 3500)
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
