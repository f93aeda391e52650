// Command typingcap replays recorded key events through the capture
// recorder and flushes them to the collector as one batch.
//
// Input is one JSON object per line: {"key":"a","keydown":true,"timestamp":1}.
// Lines without a timestamp are stamped with the current time.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"perimeter/pkg/capture"
	"perimeter/pkg/config"
	"perimeter/pkg/httpx"
	"perimeter/pkg/structlog"
)

type keyLine struct {
	Key       string `json:"key"`
	Keydown   *bool  `json:"keydown"`
	Timestamp *int64 `json:"timestamp"`
}

var errBadLine = errors.New("invalid event line")

// parseLine decodes one input line. Blank lines and # comments yield ok=false.
func parseLine(line string) (keyLine, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return keyLine{}, false, nil
	}
	var kl keyLine
	if err := json.Unmarshal([]byte(line), &kl); err != nil {
		return kl, false, fmt.Errorf("%w: %v", errBadLine, err)
	}
	if kl.Key == "" || kl.Keydown == nil {
		return kl, false, fmt.Errorf("%w: key and keydown are required", errBadLine)
	}
	return kl, true, nil
}

// feed records every event read from r and returns how many were recorded.
func feed(rec *capture.Recorder, r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	n, lineNo := 0, 0
	for sc.Scan() {
		lineNo++
		kl, ok, err := parseLine(sc.Text())
		if err != nil {
			return n, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !ok {
			continue
		}
		switch {
		case kl.Timestamp == nil:
			rec.Record(kl.Key, *kl.Keydown)
		case *kl.Keydown:
			rec.RecordKeyDown(kl.Key, *kl.Timestamp)
		default:
			rec.RecordKeyUp(kl.Key, *kl.Timestamp)
		}
		n++
	}
	return n, sc.Err()
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(config.Get(key, "")); err == nil {
		return v
	}
	return def
}

type options struct {
	collectorURL string
	userID       string
	input        string
	maxEvents    int
	spoolPath    string
	replay       bool
	timeout      time.Duration
	logLevel     string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.collectorURL, "collector", config.Get("COLLECTOR_URL", "http://localhost:3000"), "collector base URL")
	flag.StringVar(&o.userID, "user", config.Get("TYPING_USER_ID", ""), "user id for the batch")
	flag.StringVar(&o.input, "in", "-", "event file, - for stdin")
	flag.IntVar(&o.maxEvents, "max-events", envInt("TYPING_MAX_EVENTS", capture.DefaultMaxEvents), "buffer cap")
	flag.StringVar(&o.spoolPath, "spool", config.Get("TYPING_SPOOL_PATH", ""), "sqlite spool for undelivered batches")
	flag.BoolVar(&o.replay, "replay", false, "resend spooled batches and exit")
	flag.DurationVar(&o.timeout, "timeout", 10*time.Second, "per-request timeout")
	flag.StringVar(&o.logLevel, "log-level", config.Get("LOG_LEVEL", "info"), "log level")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	logger := structlog.NewLogger("typingcap", structlog.ParseLevel(o.logLevel), os.Stderr)
	structlog.SetDefaultLogger(logger)

	ctx, stop := httpx.SignalContext()
	code := execute(ctx, o, logger, os.Stdout)
	stop()
	os.Exit(code)
}

// execute returns the process exit code: 0 on success, 1 when delivery or
// replay failed, 2 for invalid usage.
func execute(ctx context.Context, o options, logger *structlog.Logger, out io.Writer) int {
	ctx = structlog.ContextWithCorrelationID(ctx, structlog.NewCorrelationID())

	client, err := capture.NewCollectorClient(capture.ClientConfig{
		BaseURL: o.collectorURL,
		Timeout: o.timeout,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("invalid collector client", structlog.Fields{"error": err})
		return 2
	}

	var sender capture.Sender = client
	var spooler *capture.SpoolingSender
	if o.spoolPath != "" {
		spool, err := capture.OpenSpool(o.spoolPath)
		if err != nil {
			logger.Error("failed to open spool", structlog.Fields{"path": o.spoolPath, "error": err})
			return 1
		}
		defer spool.Close()
		spooler = capture.NewSpoolingSender(client, spool, logger)
		sender = spooler
	}

	if o.replay {
		if spooler == nil {
			logger.Error("-replay requires -spool", nil)
			return 2
		}
		res, err := spooler.Replay(ctx)
		logger.Info("replay finished", structlog.Fields{
			"sent": res.Sent, "discarded": res.Discarded, "remaining": res.Remaining,
		})
		if err != nil {
			return 1
		}
		return 0
	}

	if err := run(ctx, sender, o.input, o.userID, o.maxEvents, logger, out); err != nil {
		logger.Error("capture failed", structlog.Fields{"error": err})
		return 1
	}
	return 0
}

func run(ctx context.Context, sender capture.Sender, input, userID string, maxEvents int, logger *structlog.Logger, out io.Writer) error {
	var r io.Reader = os.Stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	rec := capture.NewRecorder(sender, capture.WithMaxEvents(maxEvents), capture.WithLogger(logger))
	n, err := feed(rec, r)
	if err != nil {
		return err
	}
	if dropped := rec.Dropped(); dropped > 0 {
		logger.Warn("events evicted before flush", structlog.Fields{"read": n, "dropped": dropped})
	}

	res, err := rec.Flush(ctx, userID)
	if res != nil && res.Response != nil {
		fmt.Fprintf(out, "%d %s\n", res.Response.StatusCode, strings.TrimSpace(string(res.Response.Body)))
	}
	return err
}
