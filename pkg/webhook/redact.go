package webhook

import "strings"

// sensitiveHeaders never reach storage verbatim; they are redacted before
// the event is persisted.
var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
}

const redactedValue = "[redacted]"

// RedactHeaders returns a copy of headers with every sensitive header, plus
// the source's configured signature header, replaced by a fixed redacted
// marker. Header names are matched case-insensitively.
func RedactHeaders(headers map[string]string, signatureHeader string) map[string]string {
	out := make(map[string]string, len(headers))
	sigLower := strings.ToLower(signatureHeader)
	for k, v := range headers {
		lower := strings.ToLower(k)
		if _, sensitive := sensitiveHeaders[lower]; sensitive || lower == sigLower {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}
