package engine

import (
	"testing"
	"time"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)

	cases := []struct {
		in      string
		next    time.Time
		wantErr bool
	}{
		{in: "*/5 * * * *", next: base.Add(3 * time.Minute)},
		{in: "cron: 0 12 * * *", next: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{in: "30 * * * * *", next: base.Add(30 * time.Second)},
		{in: "@hourly", next: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		{in: "@every 90s", next: base.Add(90 * time.Second)},
		{in: "55m", next: base.Add(55 * time.Minute)},
		{in: "every: 2h30m", next: base.Add(150 * time.Minute)},
		{in: "02:30", next: base.Add(150 * time.Minute)},
		{in: "00:50", next: base.Add(50 * time.Minute)},
		{in: "", wantErr: true},
		{in: "500ms", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "sometimes", wantErr: true},
		{in: "61 * * * *", wantErr: true},
		{in: "cron:", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			s, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) succeeded", tc.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got := s.Next(base); !got.Equal(tc.next) {
				t.Fatalf("Next = %v, want %v", got, tc.next)
			}
		})
	}
}
