package chat

import "regexp"

// Redactor strips obvious PII from text message content before persistence.
// It is deterministic: redacting the same input always yields the same
// output, and redacting an already-redacted string is a no-op.
type Redactor struct {
	enabled  bool
	patterns []*regexp.Regexp
}

const redactedMark = "[redacted]"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Phone numbers: 7+ digits allowing separators, with optional country code.
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{6,}\d`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

func NewRedactor(enabled bool) *Redactor {
	return &Redactor{
		enabled:  enabled,
		patterns: []*regexp.Regexp{emailPattern, ssnPattern, phonePattern},
	}
}

func (r *Redactor) Redact(content string) string {
	if !r.enabled {
		return content
	}
	for _, p := range r.patterns {
		content = p.ReplaceAllString(content, redactedMark)
	}
	return content
}
