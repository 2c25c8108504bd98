package target

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxBodySnippet = 256

// httpTarget POSTs to <url>/start and <url>/stop.
type httpTarget struct {
	base
	url    string
	token  string
	client *http.Client
}

func (t *httpTarget) Start(ctx context.Context) error { return t.call(ctx, "start") }
func (t *httpTarget) Stop(ctx context.Context) error  { return t.call(ctx, "stop") }

func (t *httpTarget) call(ctx context.Context, op string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.url, "/")+"/"+op, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("User-Agent", "slotkeeper")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, t.id, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySnippet))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	reason := resp.Status
	if s := strings.TrimSpace(string(body)); s != "" {
		reason += ": " + s
	}
	return Failed(t.id, op, reason, nil)
}
