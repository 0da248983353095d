package exchange

import (
	"fmt"
	"testing"
	"time"

	"candlearc/internal/models"
)

func newTestStreamer(subs []Subscription) (*Streamer, *[][]models.Candle) {
	var emitted [][]models.Candle
	s := NewStreamer(subs, func(batch []models.Candle) {
		emitted = append(emitted, batch)
	}, time.Second, time.Minute)
	return s, &emitted
}

func TestHandleMessageSubscribedRegistersChannel(t *testing.T) {
	t.Parallel()

	sub := Subscription{Symbol: "BTCUSD", Timeframe: models.TF1m}
	s, _ := newTestStreamer([]Subscription{sub})
	chans := map[int64]Subscription{}

	ack := []byte(`{"event":"subscribed","chanId":17,"channel":"candles","key":"trade:1m:tBTCUSD"}`)
	if err := s.handleMessage(ack, chans); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if got, ok := chans[17]; !ok || got != sub {
		t.Fatalf("channel 17 not registered: %v", chans)
	}
}

func TestHandleMessageSnapshotEmitsNewestOnly(t *testing.T) {
	t.Parallel()

	sub := Subscription{Symbol: "BTCUSD", Timeframe: models.TF1m}
	s, emitted := newTestStreamer([]Subscription{sub})
	chans := map[int64]Subscription{5: sub}

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	snapshot := fmt.Sprintf("[5,[[%d,1,1,1,1,1],[%d,2,2,2,2,2],[%d,3,3,3,3,3]]]",
		base, base+60_000, base+120_000)

	if err := s.handleMessage([]byte(snapshot), chans); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(*emitted) != 1 || len((*emitted)[0]) != 1 {
		t.Fatalf("snapshot should emit exactly one candle, got %v", *emitted)
	}
	c := (*emitted)[0][0]
	if got := c.OpenTime.UnixMilli(); got != base+120_000 {
		t.Fatalf("emitted candle ts %d, want newest %d", got, base+120_000)
	}
	if c.Symbol != "BTCUSD" || c.Timeframe != models.TF1m {
		t.Fatalf("emitted identity %s/%s", c.Symbol, c.Timeframe)
	}
}

func TestHandleMessageUpdateEmitsCandle(t *testing.T) {
	t.Parallel()

	sub := Subscription{Symbol: "ETHUSD", Timeframe: models.TF1h}
	s, emitted := newTestStreamer([]Subscription{sub})
	chans := map[int64]Subscription{9: sub}

	update := `[9,[1700000000000,100.0,101.0,102.0,99.5,-12.5]]`
	if err := s.handleMessage([]byte(update), chans); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(*emitted) != 1 || len((*emitted)[0]) != 1 {
		t.Fatalf("update should emit one candle, got %v", *emitted)
	}
	if got := (*emitted)[0][0].Volume.String(); got != "12.5" {
		t.Fatalf("volume should be canonicalized: %s", got)
	}
}

func TestHandleMessageIgnoresNoise(t *testing.T) {
	t.Parallel()

	sub := Subscription{Symbol: "BTCUSD", Timeframe: models.TF1m}
	s, emitted := newTestStreamer([]Subscription{sub})
	chans := map[int64]Subscription{5: sub}

	for _, msg := range []string{
		`[5,"hb"]`,
		`{"event":"info","version":2}`,
		`[99,[1700000000000,1,1,1,1,1]]`, // unknown channel
		`[5,[1700000000000,1,1,1]]`,      // short row
		`garbage`,
	} {
		if err := s.handleMessage([]byte(msg), chans); err != nil {
			t.Fatalf("handleMessage(%s): %v", msg, err)
		}
	}
	if len(*emitted) != 0 {
		t.Fatalf("noise should emit nothing, got %v", *emitted)
	}
}

func TestHandleMessageErrorEventAbortsConnection(t *testing.T) {
	t.Parallel()

	s, _ := newTestStreamer(nil)
	err := s.handleMessage([]byte(`{"event":"error","code":10300,"msg":"subscription failed"}`), map[int64]Subscription{})
	if err == nil {
		t.Fatal("error event should return an error to trigger reconnect")
	}
}
