// Package main implements ragctl, a command-line client for a running ragd
// server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var version = "dev"

// errNotFound is returned when the server answers 404.
var errNotFound = errors.New("not found")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	serverURL  string
	jsonOutput bool
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "ragctl",
		Short: "CLI for the ragd answering service",
		Long: `ragctl talks to a running ragd server. It can ask questions, manage the
document corpus and trigger index maintenance.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("RAGD_SERVER_URL", "http://localhost:8000"), "ragd server URL")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print raw JSON responses")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "request timeout")

	root.AddCommand(
		newAskCmd(opts),
		newIngestCmd(opts),
		newRemoveCmd(opts),
		newDocsCmd(opts),
		newHealthCmd(opts),
		newRebuildCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// apiError is the error body echo writes.
type apiError struct {
	Message string `json:"message"`
}

// call sends body as JSON to path and decodes a 2xx response into out. Raw
// response bytes are returned for --json output.
func (o *options) call(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	url := strings.TrimRight(o.serverURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return raw, errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var ae apiError
		if json.Unmarshal(raw, &ae) == nil && ae.Message != "" {
			return raw, fmt.Errorf("server returned status %d: %s", resp.StatusCode, ae.Message)
		}
		return raw, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return raw, nil
}

// printJSON writes raw indented.
func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
