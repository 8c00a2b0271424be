package liveevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesTenantSubscribersOnly(t *testing.T) {
	hub := NewHub()

	acme, _, err := hub.Subscribe("acme")
	require.NoError(t, err)
	defer acme.Close()
	globex, _, err := hub.Subscribe("globex")
	require.NoError(t, err)
	defer globex.Close()

	hub.Publish("acme", LiveEvent{Kind: KindUsage, EventID: "1"})

	select {
	case ev := <-acme.Events():
		assert.Equal(t, "1", ev.EventID)
	default:
		t.Fatal("acme subscriber got nothing")
	}
	select {
	case ev := <-globex.Events():
		t.Fatalf("globex received %v", ev)
	default:
	}
}

func TestSubscribeReplaysBuffer(t *testing.T) {
	hub := NewHub()
	first, _, err := hub.Subscribe("acme")
	require.NoError(t, err)

	for i := 0; i < DefaultBufferSize+5; i++ {
		hub.Publish("acme", LiveEvent{Kind: KindCost})
	}

	second, buffer, err := hub.Subscribe("acme")
	require.NoError(t, err)
	assert.Len(t, buffer, DefaultBufferSize)

	first.Close()
	second.Close()
	first.Close()

	_, buffer, err = hub.Subscribe("acme")
	require.NoError(t, err)
	assert.Empty(t, buffer, "stream dropped after last subscriber left")
}

func TestSubscribeValidation(t *testing.T) {
	var nilHub *Hub
	_, _, err := nilHub.Subscribe("acme")
	assert.Error(t, err)
	nilHub.Publish("acme", LiveEvent{})

	_, _, err = NewHub().Subscribe("  ")
	assert.Error(t, err)
}
