// Package firehose consumes the network's repository event stream and feeds
// every observed DID into the pipeline.
package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jeffb4/bsky-prolific-followers/internal/metrics"
)

const (
	// cursorKey is the kv slot holding the last persisted stream cursor.
	cursorKey = "firehose_cursor_us"

	readTimeout      = 20 * time.Second
	pingInterval     = 5 * time.Second
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	// A connection that survives this long counts as healthy and resets
	// the reconnect backoff.
	healthyAfter = time.Minute

	defaultCursorEvery = 5000
)

// Sink receives every DID observed on the stream.
type Sink interface {
	Push(did string)
}

// CursorStore persists the stream cursor across restarts.
type CursorStore interface {
	SetKV(key, value string) error
	GetKV(key string) (string, bool)
}

// event is the subset of a stream frame the ingestor cares about. Payloads
// are discarded; only the DID and the cursor survive.
type event struct {
	DID    string `json:"did"`
	Repo   string `json:"repo"`
	TimeUS int64  `json:"time_us"`
}

// Ingestor is a long-lived consumer of the event stream. It reconnects on
// any failure and resumes from the last persisted cursor.
type Ingestor struct {
	host string
	sink Sink
	kv   CursorStore

	cursorEvery int64
}

// New returns an ingestor that pushes DIDs from the stream at host into sink.
func New(host string, sink Sink, kv CursorStore) *Ingestor {
	return &Ingestor{host: host, sink: sink, kv: kv, cursorEvery: defaultCursorEvery}
}

// Run consumes the stream until ctx is cancelled, reconnecting with
// exponential backoff. The backoff resets once a connection proves healthy.
func (i *Ingestor) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		err := i.consume(ctx)
		if ctx.Err() != nil {
			slog.Info("firehose stopped", "stage", "firehose")
			return
		}
		if time.Since(started) > healthyAfter {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		slog.Warn("firehose reconnecting", "stage", "firehose", "error", err, "wait", wait)
		metrics.FirehoseReconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume runs one connection until it fails or ctx is cancelled.
func (i *Ingestor) consume(ctx context.Context) error {
	target := i.dialURL()
	slog.Info("firehose connecting", "stage", "firehose", "url", target)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		slog.Error("firehose error", "stage", "firehose", "error", err)
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	slog.Info("firehose connected", "stage", "firehose")

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// The ping loop doubles as the cancellation path: closing the conn is
	// the only way to unblock ReadMessage.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	var count, cursor int64
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				slog.Warn("firehose timeout", "stage", "firehose", "deadline", readTimeout)
			} else {
				slog.Warn("firehose disconnected", "stage", "firehose", "error", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var ev event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Debug("firehose frame skipped", "stage", "firehose", "error", err)
			continue
		}
		did := ev.DID
		if did == "" {
			did = ev.Repo
		}
		if did == "" {
			continue
		}
		i.sink.Push(did)
		metrics.FirehoseEvents.Inc()

		if ev.TimeUS > 0 {
			cursor = ev.TimeUS
		}
		count++
		if count%i.cursorEvery == 0 && cursor > 0 {
			if err := i.kv.SetKV(cursorKey, strconv.FormatInt(cursor, 10)); err != nil {
				slog.Warn("firehose cursor not persisted", "stage", "firehose", "error", err)
			}
		}
	}
}

// dialURL appends the persisted cursor, when one exists, to the stream URL.
func (i *Ingestor) dialURL() string {
	target := i.host
	cur, ok := i.kv.GetKV(cursorKey)
	if !ok || cur == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "cursor=" + cur
}
