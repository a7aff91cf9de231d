package qualify

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/JakeFAU/grand-spider/internal/crawler"
)

const systemInstruction = `You qualify B2B sales prospects. Read the text of a company website and decide how well the company fits the seller's business profile. Answer with a single JSON object and nothing else.`

var promptTemplate = template.Must(template.New("qualify").Parse(`Seller business profile:
{{.BusinessProfile}}

Target personas:
{{- range .Personas}}
- {{.}}
{{- end}}

Prospect website: {{.URL}}
Website text:
"""
{{.PageText}}
"""

Respond with JSON using exactly these fields:
{
  "score": integer from 0 to 100,
  "fit": one of "strong", "moderate", "weak", "none",
  "summary": one or two sentences describing the prospect,
  "matched_personas": personas from the list above that this prospect likely employs or serves,
  "reasons": short bullet reasons for the score
}
`))

func renderPrompt(req crawler.QualifyRequest) (string, error) {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, req); err != nil {
		return "", fmt.Errorf("render qualify prompt: %w", err)
	}
	return b.String(), nil
}
