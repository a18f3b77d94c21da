package audit

import "regexp"

// RedactionToken replaces any substring that looks like PHI in free-text
// audit details before the entry is signed.
const RedactionToken = "[REDACTED]"

// Shapes, not semantics: anything that looks like an SSN or a phone number
// is scrubbed even if it is neither.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                 // SSN, dashed
	regexp.MustCompile(`\b\d{9}\b`),                             // SSN, bare
	regexp.MustCompile(`\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`), // phone
}

// Redact scrubs SSN- and phone-shaped digit groups from free text.
func Redact(details string) string {
	for _, re := range redactPatterns {
		details = re.ReplaceAllString(details, RedactionToken)
	}
	return details
}
