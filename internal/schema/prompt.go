package schema

import (
	"fmt"
	"sort"
	"strings"
)

// BuildPrompt renders the cached prompt text for a schema set. It is rebuilt
// only when the backing schemas are rebuilt, never on the query hot path.
func BuildPrompt(schemas map[string]*DynamicSchema) string {
	if len(schemas) == 0 {
		return "No document schemas are available yet. Answer that no documents have been indexed."
	}

	namespaces := make([]string, 0, len(schemas))
	for ns := range schemas {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	var b strings.Builder
	b.WriteString("You are an assistant answering employee questions from indexed organization documents.\n")
	b.WriteString("Answer ONLY from the provided context. Cite field names when quoting values.\n")
	b.WriteString("If the context does not contain the answer, say so instead of guessing.\n\n")
	b.WriteString("Available document schemas:\n")

	for _, ns := range namespaces {
		s := schemas[ns]
		fmt.Fprintf(&b, "\n[%s] template=%s (confidence %.2f)\n", s.Namespace, s.TemplateType, s.TemplateConfidence)

		for _, f := range s.Fields {
			fmt.Fprintf(&b, "- %s (%s, %s): %s", f.Name, f.Type, f.Category, f.DisplayName)
			if len(f.Examples) > 0 {
				fmt.Fprintf(&b, " e.g. %s", strings.Join(f.Examples, ", "))
			}
			b.WriteString("\n")
		}

		available := make([]string, 0, len(s.Calculations))
		for _, c := range s.Calculations {
			if c.Available {
				available = append(available, c.Type)
			}
		}
		if len(available) > 0 {
			fmt.Fprintf(&b, "Calculations: %s\n", strings.Join(available, ", "))
		}

		if len(s.Examples) > 0 {
			fmt.Fprintf(&b, "Example queries: %s\n", strings.Join(s.Examples, " / "))
		}
	}

	return b.String()
}
