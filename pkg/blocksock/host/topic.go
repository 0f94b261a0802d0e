package host

import (
	"strings"
)

const (
	hatsTopicPrefix = "hats/"
	runTopic        = "run"

	// emptySegment stands for an empty value. Topic wildcards do not match
	// empty levels, and escaped values never contain a bare "%".
	emptySegment = "%"
)

var topicEscaper = strings.NewReplacer(
	"%", "%25",
	"/", "%2F",
	"+", "%2B",
	"#", "%23",
)

// hatTopic builds the bus topic for a hat: hats/<opcode>/<value>/... with one
// level per key, in the order given. Keys missing from fields, or empty,
// take the wildcard when it is non-empty and emptySegment otherwise.
func hatTopic(opcode string, keys []string, fields map[string]string, wildcard string) string {
	var sb strings.Builder
	sb.WriteString(hatsTopicPrefix)
	sb.WriteString(topicEscaper.Replace(opcode))

	for _, key := range keys {
		sb.WriteByte('/')

		value, ok := fields[key]
		if (!ok || value == "") && wildcard != "" {
			sb.WriteString(wildcard)
			continue
		}
		if value == "" {
			sb.WriteString(emptySegment)
			continue
		}
		sb.WriteString(topicEscaper.Replace(value))
	}

	return sb.String()
}
