package scheduler

import (
	"testing"
	"time"
)

func TestParseDelay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "53", want: 53 * time.Second},
		{raw: "0", want: 0},
		{raw: " 90s ", want: 90 * time.Second},
		{raw: "1m30s", want: 90 * time.Second},
		{raw: "250ms", want: 250 * time.Millisecond},
		{raw: "01:30", want: 90 * time.Minute},
		{raw: "", wantErr: true},
		{raw: "-5s", wantErr: true},
		{raw: "soon", wantErr: true},
		{raw: "00:75", wantErr: true},
		{raw: "99999999999999999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDelay(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseDelay(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseDelay(%q) = %v, %v, want %v", tt.raw, got, err, tt.want)
			}
		})
	}
}
