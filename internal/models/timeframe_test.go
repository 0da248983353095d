package models

import (
	"testing"
	"time"
)

func TestTimeframeTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tf      Timeframe
		apiCode string
		delta   time.Duration
	}{
		{TF1m, "1m", time.Minute},
		{TF5m, "5m", 5 * time.Minute},
		{TF15m, "15m", 15 * time.Minute},
		{TF30m, "30m", 30 * time.Minute},
		{TF1h, "1h", time.Hour},
		{TF4h, "4h", 4 * time.Hour},
		{TF1d, "1D", 24 * time.Hour},
		{TF1w, "1W", 7 * 24 * time.Hour},
	}

	for _, tc := range cases {
		if got := tc.tf.APICode(); got != tc.apiCode {
			t.Errorf("%s: APICode()=%q want %q", tc.tf, got, tc.apiCode)
		}
		if got := tc.tf.Delta(); got != tc.delta {
			t.Errorf("%s: Delta()=%v want %v", tc.tf, got, tc.delta)
		}
		if !tc.tf.Valid() {
			t.Errorf("%s: Valid()=false", tc.tf)
		}
	}
}

func TestParseTimeframe(t *testing.T) {
	t.Parallel()

	if tf, err := ParseTimeframe("4h"); err != nil || tf != TF4h {
		t.Fatalf("ParseTimeframe(4h)=%v,%v", tf, err)
	}
	if _, err := ParseTimeframe("2h"); err == nil {
		t.Fatal("ParseTimeframe(2h) should fail")
	}
	if _, err := ParseTimeframe("1D"); err == nil {
		t.Fatal("ParseTimeframe accepts canonical codes only, not upstream codes")
	}
}

func TestUnknownTimeframeDefaults(t *testing.T) {
	t.Parallel()

	tf := Timeframe("3h")
	if got := tf.APICode(); got != "3h" {
		t.Errorf("APICode passthrough: got %q", got)
	}
	if got := tf.Delta(); got != time.Hour {
		t.Errorf("Delta default: got %v want 1h", got)
	}
}
