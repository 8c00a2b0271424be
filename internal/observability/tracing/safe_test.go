package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsContent(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("content", "hello there"),
		attribute.String("http.route", "/v1/sessions"),
		attribute.String("tenant_id", strings.Repeat("t", 400)),
	)

	assert.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
	assert.Len(t, attrs[1].Value.AsString(), maxAttributeLength)
}

func TestSafeError(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	err := SafeError(errors.New(strings.Repeat("x", 1000)))
	assert.Len(t, err.Error(), maxAttributeLength)
}
