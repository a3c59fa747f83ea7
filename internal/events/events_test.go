package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisherSendsJSONKeyedBySession(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var decoded Event
		if err := json.Unmarshal(val, &decoded); err != nil {
			return err
		}
		if decoded.Type != OperationsApplied || decoded.SessionID != "ses_1" {
			return errors.New("unexpected event body")
		}
		return nil
	})
	publisher := NewKafkaPublisherWithProducer(producer, "coedit-events")
	defer publisher.Close()

	err := publisher.Publish(context.Background(), Event{
		Type:       OperationsApplied,
		SessionID:  "ses_1",
		Data:       map[string]any{"version": 3},
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestKafkaPublisherWrapsSendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	publisher := NewKafkaPublisherWithProducer(producer, "coedit-events")
	defer publisher.Close()

	err := publisher.Publish(context.Background(), Event{Type: SessionClosed, SessionID: "ses_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, Event) error { return f.err }

func TestMultiDeliversToEveryPublisher(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	boom := errors.New("bus down")
	multi := Multi{first, failingPublisher{err: boom}, second}

	err := multi.Publish(context.Background(), Event{Type: CommentAdded, SessionID: "ses_1"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.Events(), 1)
	assert.Len(t, second.OfType(CommentAdded), 1)
}

func TestNATSSubject(t *testing.T) {
	p := &NATSPublisher{prefix: "coedit"}
	assert.Equal(t, "coedit.session.closed", p.Subject(SessionClosed))
}
