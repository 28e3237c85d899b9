package policy

import "regexp"

type redactionRule struct {
	kind    string
	pattern *regexp.Regexp
	marker  string
}

// Card runs before phone so long digit runs are not classified as phones.
var redactionRules = []redactionRule{
	{kind: "email", pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{kind: "card", pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{kind: "phone", pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
}

// Redaction reports what RedactPII masked.
type Redaction struct {
	Text  string
	Kinds []string
}

func (r Redaction) Changed() bool { return len(r.Kinds) > 0 }

// RedactPII masks common high-risk PII patterns in transcript text before it
// is persisted or published.
func RedactPII(input string) Redaction {
	out := Redaction{Text: input}
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out.Text, rule.marker)
		if next != out.Text {
			out.Kinds = append(out.Kinds, rule.kind)
			out.Text = next
		}
	}
	return out
}
