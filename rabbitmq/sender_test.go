package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velmie/dispatch"
)

type outcome int

const (
	outcomeAck outcome = iota
	outcomeNack
	outcomeReturn
	outcomeSilent
	outcomeClose
)

type fakeChannel struct {
	mu         sync.Mutex
	outcome    outcome
	publishErr error
	confirmErr error
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	closes     chan *amqp.Error
	published  []amqp.Publishing
	mandatory  []bool
	tag        uint64
	closed     bool
}

func (f *fakeChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returns = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closes = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.mandatory = append(f.mandatory, mandatory)
	f.tag++

	switch f.outcome {
	case outcomeAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case outcomeNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case outcomeReturn:
		f.returns <- amqp.Return{ReplyCode: amqp.NoRoute, ReplyText: "NO_ROUTE", Exchange: exchange, RoutingKey: key}
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case outcomeClose:
		f.closes <- &amqp.Error{Code: amqp.ChannelError, Reason: "channel error"}
	case outcomeSilent:
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeOpener struct {
	mu       sync.Mutex
	outcome  outcome
	channels []*fakeChannel
	err      error
}

func (o *fakeOpener) open(context.Context) (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.err != nil {
		return nil, o.err
	}
	ch := &fakeChannel{outcome: o.outcome}
	o.channels = append(o.channels, ch)

	return ch, nil
}

func (o *fakeOpener) opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.channels)
}

func testMessage() dispatch.Message {
	return dispatch.Message{
		Route:         dispatch.Route{Exchange: "exchange.news", RoutingKey: "news.created"},
		MessageID:     "msg-1",
		CorrelationID: "corr-1",
		ContentType:   dispatch.ContentTypeJSON,
		Type:          dispatch.KindNewsCreated,
		AppID:         "newsroom",
		Body:          []byte(`{"newsId":1}`),
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Attempt:       2,
		Headers:       map[string]string{"traceparent": "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"},
		Mandatory:     true,
	}
}

func TestSenderPublishesWithProperties(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeAck}
	sender, err := NewSender(opener.open)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), testMessage()))

	require.Len(t, opener.channels, 1)
	ch := opener.channels[0]
	require.Len(t, ch.published, 1)
	pub := ch.published[0]
	assert.True(t, ch.mandatory[0])
	assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
	assert.Equal(t, "msg-1", pub.MessageId)
	assert.Equal(t, "corr-1", pub.CorrelationId)
	assert.Equal(t, "news.created", pub.Type)
	assert.Equal(t, "newsroom", pub.AppId)
	assert.Equal(t, dispatch.ContentTypeJSON, pub.ContentType)
	assert.Equal(t, int32(2), pub.Headers[HeaderAttempt])
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", pub.Headers["traceparent"])
}

func TestSenderReusesChannel(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeAck}
	sender, err := NewSender(opener.open, WithPoolSize(2))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sender.Send(context.Background(), testMessage()))
	}
	assert.Equal(t, 1, opener.opened())
	assert.False(t, opener.channels[0].isClosed())
}

func TestSenderMapsReturnToUnroutable(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeReturn}
	sender, err := NewSender(opener.open)
	require.NoError(t, err)

	err = sender.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, dispatch.ErrUnroutable)
	assert.Contains(t, err.Error(), "NO_ROUTE")
	assert.False(t, opener.channels[0].isClosed())
}

func TestSenderMapsNackToNacked(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeNack}
	sender, err := NewSender(opener.open)
	require.NoError(t, err)

	err = sender.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, dispatch.ErrNacked)
}

func TestSenderConfirmTimeoutDiscardsChannel(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeSilent}
	sender, err := NewSender(opener.open, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	err = sender.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, opener.channels[0].isClosed())

	opener.mu.Lock()
	opener.outcome = outcomeAck
	opener.mu.Unlock()
	require.NoError(t, sender.Send(context.Background(), testMessage()))
	assert.Equal(t, 2, opener.opened())
}

func TestSenderChannelCloseIsTransient(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeClose}
	sender, err := NewSender(opener.open)
	require.NoError(t, err)

	err = sender.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrChannelClosed)
	assert.Equal(t, dispatch.FailureRetry, dispatch.DefaultRetryClassifier(context.Background(), err))
	assert.True(t, opener.channels[0].isClosed())
}

func TestSenderPublishErrorDiscardsChannel(t *testing.T) {
	boom := errors.New("write: broken pipe")
	opened := 0
	sender, err := NewSender(func(context.Context) (Channel, error) {
		opened++
		return &fakeChannel{publishErr: boom}, nil
	})
	require.NoError(t, err)

	require.ErrorIs(t, sender.Send(context.Background(), testMessage()), boom)
	require.ErrorIs(t, sender.Send(context.Background(), testMessage()), boom)
	assert.Equal(t, 2, opened)
}

func TestSenderConfirmModeUnavailable(t *testing.T) {
	ch := &fakeChannel{confirmErr: errors.New("not supported")}
	sender, err := NewSender(func(context.Context) (Channel, error) { return ch, nil })
	require.NoError(t, err)

	err = sender.Send(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
	assert.True(t, ch.isClosed())
}

func TestSenderHonorsContextWhenPoolIsBusy(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeAck}
	sender, err := NewSender(opener.open, WithPoolSize(1))
	require.NoError(t, err)
	sender.slots <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, sender.Send(ctx, testMessage()), context.Canceled)
	assert.Zero(t, opener.opened())
}

func TestSenderClose(t *testing.T) {
	opener := &fakeOpener{outcome: outcomeAck}
	sender, err := NewSender(opener.open)
	require.NoError(t, err)

	require.NoError(t, sender.Send(context.Background(), testMessage()))
	require.NoError(t, sender.Close())
	assert.True(t, opener.channels[0].isClosed())
	require.ErrorIs(t, sender.Send(context.Background(), testMessage()), ErrSenderClosed)
}

func TestNewSenderRequiresOpener(t *testing.T) {
	_, err := NewSender(nil)
	require.ErrorIs(t, err, ErrOpenerRequired)
}
