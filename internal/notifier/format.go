package notifier

import (
	"fmt"
	"hash/fnv"
	"strings"
)

const maxMessageLen = 3500

// formatAnomaly renders the chat text: message, error and up to maxTrace
// trace lines.
func formatAnomaly(msg string, err error, trace string, maxTrace int) string {
	var b strings.Builder
	b.WriteString("⚠️ ")
	b.WriteString(strings.TrimSpace(msg))
	if err != nil {
		b.WriteString("\nerror: ")
		b.WriteString(err.Error())
	}
	if trace = strings.TrimSpace(trace); trace != "" {
		lines := strings.Split(trace, "\n")
		if maxTrace > 0 && len(lines) > maxTrace {
			lines = append(lines[:maxTrace], fmt.Sprintf("... %d more lines", len(lines)-maxTrace))
		}
		b.WriteString("\ntrace:\n")
		b.WriteString(strings.Join(lines, "\n"))
	}
	out := b.String()
	if len(out) > maxMessageLen {
		out = strings.ToValidUTF8(out[:maxMessageLen], "") + "…"
	}
	return out
}

// dedupKey ignores the trace so repeated failures with different goroutine
// ids still collapse.
func dedupKey(msg string, err error) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(msg))
	_, _ = h.Write([]byte{'|'})
	if err != nil {
		_, _ = h.Write([]byte(err.Error()))
	}
	return fmt.Sprintf("%x", h.Sum64())
}
