package clock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/tools"
)

func fixedClock() time.Time {
	return time.Date(2026, time.March, 4, 12, 30, 0, 0, time.UTC)
}

func TestGetTime(t *testing.T) {
	t.Parallel()

	handler := ToolsWithClock(fixedClock)[0].Handler

	tests := []struct {
		name     string
		args     string
		wantTZ   string
		wantTime string
	}{
		{name: "default utc", args: `{}`, wantTZ: "UTC", wantTime: "2026-03-04T12:30:00Z"},
		{name: "explicit zone", args: `{"timezone":"Asia/Tokyo"}`, wantTZ: "Asia/Tokyo", wantTime: "2026-03-04T21:30:00+09:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := handler(context.Background(), tools.RawArgs(tt.args))
			if err != nil {
				t.Fatalf("handler: %v", err)
			}
			var res getTimeResult
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatalf("unmarshal %q: %v", out, err)
			}
			if res.Timezone != tt.wantTZ {
				t.Errorf("timezone = %q, want %q", res.Timezone, tt.wantTZ)
			}
			if res.Time != tt.wantTime {
				t.Errorf("time = %q, want %q", res.Time, tt.wantTime)
			}
			if res.Weekday != "Wednesday" {
				t.Errorf("weekday = %q, want Wednesday", res.Weekday)
			}
		})
	}
}

func TestGetTime_UnknownZone(t *testing.T) {
	t.Parallel()

	handler := ToolsWithClock(fixedClock)[0].Handler
	_, err := handler(context.Background(), tools.RawArgs(`{"timezone":"Mars/Olympus"}`))
	if err == nil || !strings.Contains(err.Error(), "unknown timezone") {
		t.Fatalf("err = %v, want unknown timezone", err)
	}
}
