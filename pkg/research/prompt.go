package research

import (
	"fmt"
	"strings"

	"ai-research-be/pkg/search"
)

// decomposePrompt asks for focused follow-up searches, one per line.
func decomposePrompt(query string, maxSubQueries int) string {
	var prompt strings.Builder

	prompt.WriteString("<task>\n")
	prompt.WriteString("You are a research assistant planning web searches.\n")
	prompt.WriteString("Break the user's question down into specific searches for the key facts needed to answer it.\n")
	prompt.WriteString("</task>\n\n")

	prompt.WriteString("<guidelines>\n")
	fmt.Fprintf(&prompt, "- Return at most %d search queries, one per line\n", maxSubQueries)
	prompt.WriteString("- Do not number the lines or add any other text\n")
	prompt.WriteString("- Do not repeat the original question verbatim\n")
	prompt.WriteString("- Return nothing if the question is already specific enough\n")
	prompt.WriteString("</guidelines>\n\n")

	writeUserQuestion(&prompt, query)
	return prompt.String()
}

// findingsPrompt asks for claims backed by numbered sources.
func findingsPrompt(query string, evidence []search.Result) string {
	var prompt strings.Builder

	prompt.WriteString("<sources>\n")
	for i, r := range evidence {
		fmt.Fprintf(&prompt, "[%d] %s (%s)\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	prompt.WriteString("</sources>\n\n")

	prompt.WriteString("<task>\n")
	prompt.WriteString("Extract the facts from the sources that help answer the user's question.\n")
	prompt.WriteString("</task>\n\n")

	prompt.WriteString("<guidelines>\n")
	prompt.WriteString("- Write one finding per line, starting with \"- \"\n")
	prompt.WriteString("- End every finding with the numbers of the sources that support it, e.g. [1][3]\n")
	prompt.WriteString("- Only use facts explicitly stated in the sources\n")
	prompt.WriteString("- Be skeptical of unreliable sources and prefer facts confirmed by several sources\n")
	prompt.WriteString("</guidelines>\n\n")

	writeUserQuestion(&prompt, query)
	return prompt.String()
}

// synthesisPrompt asks for the final markdown answer citing markers from sources.
func synthesisPrompt(query string, findings []Finding, sources []Citation) string {
	index := make(map[string]string, len(sources))
	for _, c := range sources {
		index[c.URL] = c.Marker
	}

	var prompt strings.Builder

	prompt.WriteString("<findings>\n")
	for _, f := range findings {
		prompt.WriteString("- ")
		prompt.WriteString(f.Claim)
		prompt.WriteString(" ")
		for _, u := range f.Sources {
			prompt.WriteString(index[u])
		}
		prompt.WriteString("\n")
	}
	prompt.WriteString("</findings>\n\n")

	prompt.WriteString("<sources>\n")
	for _, c := range sources {
		fmt.Fprintf(&prompt, "%s %s %s\n", c.Marker, c.Title, c.URL)
	}
	prompt.WriteString("</sources>\n\n")

	prompt.WriteString("<task>\n")
	prompt.WriteString("Write a well-organized answer to the user's question using only the findings above.\n")
	prompt.WriteString("</task>\n\n")

	prompt.WriteString("<guidelines>\n")
	prompt.WriteString("- Format the answer in markdown, using sections and bullets where they help readability\n")
	prompt.WriteString("- Cite every statement with the source markers of the findings it relies on, e.g. [2]\n")
	prompt.WriteString("- Never invent markers that are not listed in the sources\n")
	prompt.WriteString("- If the findings only partially answer the question, say what is missing\n")
	prompt.WriteString("</guidelines>\n\n")

	writeUserQuestion(&prompt, query)
	return prompt.String()
}

func writeUserQuestion(prompt *strings.Builder, query string) {
	prompt.WriteString("<user_question>\n")
	prompt.WriteString(query)
	prompt.WriteString("\n</user_question>\n")
}
