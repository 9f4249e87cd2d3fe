package dispatch

import "strings"

// Render resolves {field} placeholders in the message body against the
// recipient row's columns. Empty values render as "N/A" so a half-filled
// sheet never produces a message with a bare placeholder gap.
func Render(body string, fields map[string]string) string {
	if len(fields) == 0 || !strings.Contains(body, "{") {
		return body
	}

	out := body
	for k, v := range fields {
		if v == "" {
			v = "N/A"
		}
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}

	return out
}
