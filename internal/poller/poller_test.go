package poller

import (
	"math"
	"testing"
	"time"
)

func TestTimeoutMillis(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want int
	}{
		{"block", -1, -1},
		{"block far negative", -time.Hour, -1},
		{"poll", 0, 0},
		{"one nanosecond rounds up", time.Nanosecond, 1},
		{"sub millisecond rounds up", 300 * time.Microsecond, 1},
		{"exact millisecond", time.Millisecond, 1},
		{"just over", time.Millisecond + time.Nanosecond, 2},
		{"seconds", 2 * time.Second, 2000},
		{"clamped", time.Duration(math.MaxInt64), math.MaxInt32},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := timeoutMillis(tc.in); got != tc.want {
				t.Errorf("timeoutMillis(%v) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}
