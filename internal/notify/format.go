package notify

import (
	"fmt"
	"sort"
	"strings"

	"sentro/internal/model"
)

// FormatRunSummary formats a run summary as a notification message.
func FormatRunSummary(summary model.RunSummary) string {
	var b strings.Builder
	b.WriteString(summary.Message)
	b.WriteString("\n")

	if len(summary.Sources) > 0 {
		names := make([]string, 0, len(summary.Sources))
		for name := range summary.Sources {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\nSources:\n")
		for _, name := range names {
			fmt.Fprintf(&b, "  %s: %d items\n", name, summary.Sources[name])
		}
	}

	if len(summary.Errors) > 0 {
		fmt.Fprintf(&b, "\nErrors (%d):\n", len(summary.Errors))
		for _, e := range summary.Errors {
			switch {
			case e.Source != "":
				fmt.Fprintf(&b, "  [%s] %s: %s\n", e.Stage, e.Source, e.Message)
			case e.Batch != nil:
				fmt.Fprintf(&b, "  [%s] batch %d: %s\n", e.Stage, *e.Batch, e.Message)
			default:
				fmt.Fprintf(&b, "  [%s] %s\n", e.Stage, e.Message)
			}
		}
	}
	return b.String()
}
