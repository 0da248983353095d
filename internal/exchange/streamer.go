package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"candlearc/internal/models"
)

const DefaultWSURL = "wss://api-pub.bitfinex.com/ws/2"

const (
	wsPingInterval     = 20 * time.Second
	wsPongWait         = 20 * time.Second
	wsWriteWait        = 10 * time.Second
	wsHandshakeTimeout = 10 * time.Second
)

// Subscription identifies one candle channel on the upstream feed.
type Subscription struct {
	Symbol    string
	Timeframe models.Timeframe
}

func (s Subscription) Key() string {
	return BuildCandlesKey(s.Symbol, s.Timeframe)
}

// Streamer owns one WebSocket connection and a fixed set of candle
// subscriptions, fanning received candles into the onCandles callback.
// The supervisor shards the full subscription set across streamers, so one
// streamer reconnecting never interrupts the others.
type Streamer struct {
	url            string
	subs           []Subscription
	onCandles      func([]models.Candle)
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewStreamer(subs []Subscription, onCandles func([]models.Candle), initialBackoff, maxBackoff time.Duration) *Streamer {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	if maxBackoff <= 0 {
		maxBackoff = time.Minute
	}
	return &Streamer{
		url:            DefaultWSURL,
		subs:           subs,
		onCandles:      onCandles,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
	}
}

// Run keeps the connection alive until ctx is cancelled. The reconnect delay
// doubles up to maxBackoff and resets once a connection reaches streaming.
func (s *Streamer) Run(ctx context.Context) {
	backoff := s.initialBackoff

	for ctx.Err() == nil {
		streamed, err := s.connectAndStream(ctx)
		if ctx.Err() != nil {
			return
		}
		if streamed {
			backoff = s.initialBackoff
		}
		log.Printf("[Streamer] connection lost: %v; reconnecting in %s", err, backoff)
		if sleepCtx(ctx, backoff) != nil {
			return
		}
		backoff *= 2
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
	}
}

// connectAndStream walks one connection through dial, subscribe, and the read
// loop. It reports whether the connection reached streaming (at least one
// subscription acknowledged) so Run can reset the reconnect backoff.
func (s *Streamer) connectAndStream(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	log.Printf("[Streamer] connected (%d candle subscriptions)", len(s.subs))

	// Unblock the read loop when the daemon stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(wsWriteWait)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongWait))
	})
	go pingLoop(conn, done)

	for _, sub := range s.subs {
		frame := map[string]string{"event": "subscribe", "channel": "candles", "key": sub.Key()}
		if err := conn.WriteJSON(frame); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", sub.Key(), err)
		}
	}

	chans := make(map[int64]Subscription, len(s.subs))
	streaming := false

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return streaming, nil
			}
			return streaming, fmt.Errorf("read: %w", err)
		}
		if err := s.handleMessage(data, chans); err != nil {
			return streaming, err
		}
		if len(chans) > 0 {
			streaming = true
		}
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Key     string `json:"key"`
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
}

// handleMessage dispatches one frame. Control events manage the channel map;
// data frames become candles through the onCandles callback. Malformed
// payloads are logged and skipped so a bad row never kills the stream; only
// an upstream error event returns an error (forcing a reconnect).
func (s *Streamer) handleMessage(data []byte, chans map[int64]Subscription) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '{' {
		var ev wsEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			log.Printf("[Streamer] skipping unparseable event: %v", err)
			return nil
		}
		switch ev.Event {
		case "subscribed":
			if ev.Channel != "candles" {
				return nil
			}
			for _, sub := range s.subs {
				if sub.Key() == ev.Key {
					chans[ev.ChanID] = sub
					log.Printf("[Streamer] subscribed %s/%s (chanId=%d)", sub.Symbol, sub.Timeframe, ev.ChanID)
					return nil
				}
			}
			log.Printf("[Streamer] subscribed ack for unknown key %q", ev.Key)
		case "error":
			return fmt.Errorf("upstream ws error %d: %s", ev.Code, ev.Msg)
		}
		// info and other events are ignored
		return nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(trimmed, &frame); err != nil || len(frame) < 2 {
		log.Printf("[Streamer] skipping unparseable frame: %s", truncate(trimmed, 120))
		return nil
	}

	var chanID int64
	if err := json.Unmarshal(frame[0], &chanID); err != nil {
		return nil
	}
	payload := frame[1]

	if bytes.Equal(payload, []byte(`"hb"`)) {
		return nil
	}

	sub, ok := chans[chanID]
	if !ok {
		return nil
	}

	if candles := parseCandlePayload(payload, sub); len(candles) > 0 {
		s.onCandles(candles)
	}
	return nil
}

// parseCandlePayload turns a data payload into at most one candle. A
// snapshot carries the recent history for warm-up; only its newest row
// reflects the live bar, so only that row is emitted. An update is a single
// six-field row for the currently-open bar.
func parseCandlePayload(payload json.RawMessage, sub Subscription) []models.Candle {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var snapshot [][]json.Number
	if err := dec.Decode(&snapshot); err == nil {
		var latest []json.Number
		var latestTs int64
		for _, row := range snapshot {
			if len(row) == 0 {
				continue
			}
			ts, err := strconv.ParseInt(row[0].String(), 10, 64)
			if err != nil {
				continue
			}
			if latest == nil || ts > latestTs {
				latest, latestTs = row, ts
			}
		}
		if latest == nil {
			return nil
		}
		c, err := ParseCandleRow(latest, bitfinexName, sub.Symbol, sub.Timeframe)
		if err != nil {
			log.Printf("[Streamer] skipping malformed snapshot row for %s: %v", sub.Key(), err)
			return nil
		}
		return []models.Candle{c}
	}

	dec = json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var row []json.Number
	if err := dec.Decode(&row); err != nil || len(row) != 6 {
		return nil
	}
	c, err := ParseCandleRow(row, bitfinexName, sub.Symbol, sub.Timeframe)
	if err != nil {
		log.Printf("[Streamer] skipping malformed update for %s: %v", sub.Key(), err)
		return nil
	}
	return []models.Candle{c}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
