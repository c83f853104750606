package tools

import "fmt"

// FormatToolCall renders a one-line human summary of a tool call.
func FormatToolCall(tc ToolCall) string {
	emoji := "⏳"
	switch tc.Status {
	case StatusSuccess:
		emoji = "✅"
	case StatusError:
		emoji = "❌"
	}
	return fmt.Sprintf("%s Tool call: %s\n", emoji, tc.Name)
}
