package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"civicflow/internal/domain"
)

type fakeChannel struct {
	declared  []string
	published []amqp.Publishing
	keys      []string
	failNext  error
	closed    bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.declared = append(f.declared, name+":"+kind)
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.keys = append(f.keys, exchange+"/"+key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(t *testing.T, channels ...*fakeChannel) (*Publisher, *int) {
	t.Helper()
	dials := 0
	p := &Publisher{
		url:      "amqp://test",
		exchange: "civicflow.reports",
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		dial: func(string) (channel, func() error, error) {
			if dials >= len(channels) {
				return nil, nil, errors.New("no more channels")
			}
			ch := channels[dials]
			dials++
			return ch, func() error { return nil }, nil
		},
	}
	require.NoError(t, p.connect(context.Background()))
	return p, &dials
}

func TestPublishRoutesByEventType(t *testing.T) {
	ch := &fakeChannel{}
	p, _ := newTestPublisher(t, ch)
	ev := domain.Event{ID: "ev-1", Type: domain.EventStatusChanged, ReportID: 4, Status: domain.StatusInReview, OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Equal(t, []string{"civicflow.reports:topic"}, ch.declared)
	require.Equal(t, []string{"civicflow.reports/report.status_changed"}, ch.keys)
	msg := ch.published[0]
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "ev-1", msg.MessageId)
	var decoded domain.Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	require.Equal(t, int64(4), decoded.ReportID)
}

func TestPublishReconnectsOnClosedChannel(t *testing.T) {
	first := &fakeChannel{failNext: amqp.ErrClosed}
	second := &fakeChannel{}
	p, dials := newTestPublisher(t, first, second)
	require.NoError(t, p.Publish(context.Background(), domain.Event{ID: "ev-2", Type: domain.EventForwarded}))
	require.Equal(t, 2, *dials)
	require.True(t, first.closed)
	require.Len(t, second.published, 1)
}

func TestPublishSurfacesOtherErrors(t *testing.T) {
	ch := &fakeChannel{failNext: errors.New("flow control")}
	p, _ := newTestPublisher(t, ch)
	err := p.Publish(context.Background(), domain.Event{ID: "ev-3", Type: domain.EventForwarded})
	require.Error(t, err)
}

func TestNoop(t *testing.T) {
	require.NoError(t, Noop{}.Publish(context.Background(), domain.Event{}))
}
