package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMetadata() EventMetadata {
	return EventMetadata{
		ID:          uuid.New(),
		InferenceID: "inf-1",
		LLMInferenceData: LLMInferenceData{
			Engine: "echo",
		},
	}
}

func TestNewEventFromJson_Typed(t *testing.T) {
	meta := testMetadata()
	cases := []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "lo", "Hello"),
		NewFinalEvent(meta, "Hello"),
		NewInterruptEvent(meta, "Hel"),
		NewErrorEvent(meta, errors.New("boom"), "He"),
	}

	for _, ev := range cases {
		b, err := json.Marshal(ev)
		require.NoError(t, err)

		decoded, err := NewEventFromJson(b)
		require.NoError(t, err)
		assert.Equal(t, ev.Type(), decoded.Type())
		assert.Equal(t, meta.InferenceID, decoded.Metadata().InferenceID)
		assert.Equal(t, b, decoded.Payload())
	}

	b, err := json.Marshal(NewPartialCompletionEvent(meta, "lo", "Hello"))
	require.NoError(t, err)
	decoded, err := NewEventFromJson(b)
	require.NoError(t, err)
	partial, ok := decoded.(*EventPartialCompletion)
	require.True(t, ok)
	assert.Equal(t, "lo", partial.Delta)
	assert.Equal(t, "Hello", partial.Completion)
}

func TestNewEventFromJson_Invalid(t *testing.T) {
	_, err := NewEventFromJson([]byte("not json"))
	require.Error(t, err)
}

func TestWatermillSink_PublishesJSON(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = pubSub.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := pubSub.Subscribe(ctx, "chat")
	require.NoError(t, err)

	sink := NewWatermillSink(pubSub, "chat")
	require.NoError(t, sink.PublishEvent(NewFinalEvent(testMetadata(), "done")))

	select {
	case msg := <-msgs:
		msg.Ack()
		assert.Equal(t, string(EventTypeFinal), msg.Metadata.Get("event_type"))
		assert.Equal(t, "inf-1", msg.Metadata.Get("inference_id"))
		ev, err := NewEventFromJson(msg.Payload)
		require.NoError(t, err)
		final, ok := ev.(*EventFinal)
		require.True(t, ok)
		assert.Equal(t, "done", final.Text)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestStepPrinterFunc(t *testing.T) {
	var buf bytes.Buffer
	handler := StepPrinterFunc("assistant", &buf)
	meta := testMetadata()

	for _, ev := range []Event{
		NewStartEvent(meta),
		NewPartialCompletionEvent(meta, "Hel", "Hel"),
		NewPartialCompletionEvent(meta, "lo", "Hello"),
		NewFinalEvent(meta, "Hello"),
	} {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		require.NoError(t, handler(message.NewMessage(watermill.NewUUID(), b)))
	}

	assert.Equal(t, "\nassistant: \nHello\n", buf.String())
}

func TestContextSinks(t *testing.T) {
	sink := NewCollectingSink()
	ctx := WithEventSinks(context.Background(), sink)
	PublishEventToContext(ctx, NewStartEvent(testMetadata()))
	PublishEventToContext(context.Background(), NewStartEvent(testMetadata()))

	assert.Equal(t, []EventType{EventTypeStart}, sink.Types())
}
