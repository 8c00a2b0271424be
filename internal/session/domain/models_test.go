package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentEncodeDecode(t *testing.T) {
	text := TextContent("hello")
	payload, err := text.Encode()
	require.NoError(t, err)
	assert.Equal(t, "hello", payload)

	decoded, err := DecodeContent(ContentTypeText, payload)
	require.NoError(t, err)
	assert.Equal(t, text, decoded)

	blocks := BlocksContent([]ContentBlock{{Type: "text", Text: "a"}, {Type: "tool_result", Data: map[string]any{"ok": true}}})
	payload, err = blocks.Encode()
	require.NoError(t, err)

	decoded, err = DecodeContent(ContentTypeList, payload)
	require.NoError(t, err)
	require.Len(t, decoded.Blocks, 2)
	assert.Equal(t, "tool_result", decoded.Blocks[1].Type)
	assert.Equal(t, true, decoded.Blocks[1].Data["ok"])

	_, err = DecodeContent(ContentTypeList, "not json")
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestContentJSONShape(t *testing.T) {
	var c Content
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &c))
	assert.Equal(t, ContentTypeText, c.Type)

	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"x"}]`), &c))
	assert.Equal(t, ContentTypeList, c.Type)

	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"text","text":"x"}]`, string(raw))

	assert.Error(t, json.Unmarshal([]byte(`42`), &c))
}

func TestSessionCloneDetachesMetadata(t *testing.T) {
	s := Session{Metadata: map[string]any{"channel": "web"}}
	clone := s.Clone()
	clone.Metadata["channel"] = "slack"
	assert.Equal(t, "web", s.Metadata["channel"])
}
