// Package clock provides the "get_time" built-in tool.
package clock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/MrWong99/parley/internal/tools"
	"github.com/MrWong99/parley/pkg/types"
)

type getTimeArgs struct {
	Timezone string `json:"timezone"`
}

type getTimeResult struct {
	Timezone string `json:"timezone"`
	Time     string `json:"time"`
	Weekday  string `json:"weekday"`
}

// Tools returns the clock tool reading the system clock.
func Tools() []tools.Tool {
	return ToolsWithClock(time.Now)
}

// ToolsWithClock returns the clock tool reading time from now.
func ToolsWithClock(now func() time.Time) []tools.Tool {
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name:        "get_time",
			Description: "Get the current date and time, optionally in a specific IANA timezone such as Europe/Berlin. Defaults to UTC.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. America/New_York. Defaults to UTC.",
					},
				},
			},
		},
		Handler: func(_ context.Context, args tools.Args) (string, error) {
			var a getTimeArgs
			if err := args.Decode(&a); err != nil {
				return "", fmt.Errorf("clock: invalid arguments: %w", err)
			}
			if a.Timezone == "" {
				a.Timezone = "UTC"
			}
			loc, err := time.LoadLocation(a.Timezone)
			if err != nil {
				return "", fmt.Errorf("clock: unknown timezone %q", a.Timezone)
			}
			t := now().In(loc)
			out, err := json.Marshal(getTimeResult{
				Timezone: a.Timezone,
				Time:     t.Format(time.RFC3339),
				Weekday:  t.Weekday().String(),
			})
			if err != nil {
				return "", fmt.Errorf("clock: marshal result: %w", err)
			}
			return string(out), nil
		},
	}}
}
