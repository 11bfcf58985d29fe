package provider

import (
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for n, w := range want {
		if got := p.Delay(n); got != w {
			t.Errorf("Delay(%d) = %v, want %v", n, got, w)
		}
	}
	if got := p.Delay(1000); got != 30*time.Second {
		t.Errorf("Delay(1000) = %v, want cap", got)
	}
}

func TestRetryPolicy_DelayFactorOne(t *testing.T) {
	p := RetryPolicy{Window: time.Minute, InitialDelay: time.Second, BackoffFactor: 1, MaxDelay: 10 * time.Second}
	for n := 0; n < 5; n++ {
		if got := p.Delay(n); got != time.Second {
			t.Errorf("Delay(%d) = %v", n, got)
		}
	}
}

func TestRetryPolicy_nextDelay(t *testing.T) {
	p := RetryPolicy{Window: 10 * time.Second, InitialDelay: 2 * time.Second, BackoffFactor: 2, MaxDelay: 30 * time.Second}
	tests := []struct {
		name    string
		n       int
		hint    time.Duration
		elapsed time.Duration
		want    time.Duration
		ok      bool
	}{
		{"first retry", 0, 0, 0, 2 * time.Second, true},
		{"hint wins", 0, 500 * time.Millisecond, 0, 500 * time.Millisecond, true},
		{"capped by remaining window", 2, 0, 7 * time.Second, 3 * time.Second, true},
		{"hint capped by window", 0, time.Minute, 9 * time.Second, time.Second, true},
		{"window exhausted", 0, 0, 10 * time.Second, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := p.nextDelay(tt.n, tt.hint, tt.elapsed)
			if ok != tt.ok || got != tt.want {
				t.Errorf("nextDelay = (%v, %v), want (%v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
