package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Message bodies and prompts must never leave the process through span data.
var blockedAttributeKeys = map[attribute.Key]struct{}{
	"content":    {},
	"prompt":     {},
	"message":    {},
	"result":     {},
	"user_agent": {},
}

const maxAttributeLength = 256

// SafeAttributes drops content-bearing attributes and truncates long values.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		if attr.Value.Type() == attribute.STRING {
			value := attr.Value.AsString()
			if len(value) > maxAttributeLength {
				attr = attribute.String(string(attr.Key), value[:maxAttributeLength])
			}
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message is bounded for span recording.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if len(msg) > maxAttributeLength {
		msg = msg[:maxAttributeLength]
	}
	return errors.New(msg)
}
