package classify

import (
	"fmt"
	"strings"
)

const systemPrompt = `You are analyzing text extracted from a work computer screen for time tracking.
Describe only what the text shows. Do not invent applications, URLs or project
names that are not present in the text. Respond with a single JSON object.`

// buildPrompt assembles the user message: the extracted text, the candidate
// task list and an optional consistency hint carrying the previously
// detected application.
func buildPrompt(text string, input Input) string {
	var b strings.Builder

	b.WriteString("Determine what the user is working on from this screen text.\n\n")
	b.WriteString("Return JSON with exactly these fields:\n")
	b.WriteString(`{
  "summary": "the activity you infer, e.g. 'Editing Go code in VS Code' (max 60 chars)",
  "detected_context": "main application or URL visible in the text (max 50 chars)",
  "confidence": 0.0,
  "task_id": "id of the matching task below, or empty string",
  "best_match_task_name": "closest task title when no confident match, or empty string"
}
`)
	b.WriteString(`
Rules:
- summary describes the ACTIVITY; never copy a task title into it.
- detected_context must be stable: one application name or host, no detail list.
- confidence above 0.8 only for a clear task match; 0.3-0.8 means fill
  best_match_task_name and leave task_id empty; below 0.3 leave both empty.
`)

	if input.Uncertain {
		b.WriteString("\nThe text below came from low-confidence OCR and may contain garbled words.\n")
	}

	if input.PreviousApplication != "" {
		fmt.Fprintf(&b,
			"\nConsistency hint: the previous sample was application %q. If the text looks like the same screen, reuse that name.\n",
			input.PreviousApplication)
	}

	if len(input.Tasks) > 0 {
		b.WriteString("\nOpen tasks:\n")
		for _, task := range input.Tasks {
			fmt.Fprintf(&b, "- id=%s title=%q", task.ID, task.Title)
			if task.Description != "" {
				fmt.Fprintf(&b, " description=%q", truncate(task.Description, 120))
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nScreen text:\n")
	b.WriteString(text)

	return b.String()
}
