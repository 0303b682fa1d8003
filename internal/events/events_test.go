package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tournevent/shipquote/internal/events"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	fw := &fakeWriter{}
	p := events.NewKafkaPublisherWithWriter(fw, otelzap.New(zap.NewNop()))

	err := p.Publish(context.Background(), events.Event{
		Type:    events.TypeSnapshotPersisted,
		Key:     "snap-1",
		Payload: map[string]string{"destination_state": "SP"},
	})

	require.NoError(t, err)
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, []byte("snap-1"), fw.msgs[0].Key)
	require.Len(t, fw.msgs[0].Headers, 1)
	assert.Equal(t, "quote.snapshot.persisted", string(fw.msgs[0].Headers[0].Value))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &decoded))
	assert.Equal(t, "quote.snapshot.persisted", decoded["type"])
	assert.NotEmpty(t, decoded["occurred_at"])
	assert.Equal(t, "SP", decoded["payload"].(map[string]interface{})["destination_state"])
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker unavailable")}
	p := events.NewKafkaPublisherWithWriter(fw, otelzap.New(zap.NewNop()))

	err := p.Publish(context.Background(), events.Event{Type: events.TypeModalitiesSynced, Key: "sandbox"})

	assert.ErrorContains(t, err, "broker unavailable")
}

func TestNop(t *testing.T) {
	var p events.Publisher = events.Nop{}
	assert.NoError(t, p.Publish(context.Background(), events.Event{}))
	assert.NoError(t, p.Close())
}
