package tools

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/batalabs/masix/internal/provider"
)

// ---------------------------------------------------------------------------
// cron_add — create a reminder for the current chat
// ---------------------------------------------------------------------------

func cronAddTool() ToolDef {
	return ToolDef{
		Spec: provider.ToolSpec{
			Name: "cron_add",
			Description: "Create a reminder for this chat. Pass the full request in natural language, Italian or English, " +
				"e.g. 'domani alle 9 \"Team sync\"', 'every monday at 8:30 \"Standup\"', 'in 20 minutes \"Call Anna\"'. " +
				"Alternatively pass 'when' and 'message' separately.",
			Properties: map[string]provider.ToolProp{
				"request": {Type: "string", Description: "Full reminder request with time phrase and quoted message"},
				"when":    {Type: "string", Description: "Time phrase only, e.g. 'tomorrow at 9' or a 5-field cron expression"},
				"message": {Type: "string", Description: "Reminder text"},
			},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Cron == nil {
				return "", fmt.Errorf("scheduler not available")
			}
			text := stringArg(input, "request")
			if text == "" {
				when, msg := stringArg(input, "when"), stringArg(input, "message")
				if when == "" || msg == "" {
					return "", fmt.Errorf("request, or both when and message, are required")
				}
				text = fmt.Sprintf("%s %q", when, msg)
			}

			id, err := tc.Cron.Add(ctx, text, tc.Channel, tc.AccountTag, tc.ChatID)
			if err != nil {
				return "", fmt.Errorf("scheduling reminder: %w", err)
			}
			return fmt.Sprintf("Reminder #%d created.", id), nil
		},
	}
}

// ---------------------------------------------------------------------------
// cron_list — list reminders of the current chat
// ---------------------------------------------------------------------------

func cronListTool() ToolDef {
	return ToolDef{
		Spec: provider.ToolSpec{
			Name:        "cron_list",
			Description: "List the active reminders of this chat with their ids and next fire time.",
			Properties:  map[string]provider.ToolProp{},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Cron == nil {
				return "", fmt.Errorf("scheduler not available")
			}
			jobs, err := tc.Cron.List(ctx, tc.AccountTag, tc.ChatID)
			if err != nil {
				return "", fmt.Errorf("listing reminders: %w", err)
			}
			if len(jobs) == 0 {
				return "No active reminders.", nil
			}
			loc := tc.Location
			if loc == nil {
				loc = time.Local
			}
			var b strings.Builder
			for _, j := range jobs {
				kind := "once"
				if j.Recurring {
					kind = j.Schedule
				}
				fmt.Fprintf(&b, "#%d %s (%s): %s\n", j.ID, j.NextRun.In(loc).Format("2006-01-02 15:04"), kind, j.Message)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// ---------------------------------------------------------------------------
// cron_cancel — cancel a reminder of the current chat
// ---------------------------------------------------------------------------

func cronCancelTool() ToolDef {
	return ToolDef{
		Spec: provider.ToolSpec{
			Name:        "cron_cancel",
			Description: "Cancel one of this chat's reminders by id (as shown by cron_list).",
			Properties: map[string]provider.ToolProp{
				"id": {Type: "integer", Description: "Reminder id"},
			},
			Required: []string{"id"},
		},
		Execute: func(ctx context.Context, input map[string]any, tc *ToolContext) (string, error) {
			if tc == nil || tc.Cron == nil {
				return "", fmt.Errorf("scheduler not available")
			}
			id, err := intArg(input, "id")
			if err != nil {
				return "", err
			}

			// Only reminders of this chat may be cancelled from a conversation.
			jobs, err := tc.Cron.List(ctx, tc.AccountTag, tc.ChatID)
			if err != nil {
				return "", fmt.Errorf("listing reminders: %w", err)
			}
			owned := false
			for _, j := range jobs {
				if j.ID == id {
					owned = true
					break
				}
			}
			if !owned {
				return "", fmt.Errorf("reminder #%d not found", id)
			}
			if err := tc.Cron.Cancel(ctx, id, tc.AccountTag); err != nil {
				return "", fmt.Errorf("cancelling reminder: %w", err)
			}
			return fmt.Sprintf("Reminder #%d cancelled.", id), nil
		},
	}
}

func intArg(input map[string]any, key string) (int64, error) {
	switch v := input[key].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(v), "#"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
