package rabbitmq

import "errors"

var (
	// ErrOpenerRequired is returned when a sender is built without a channel opener.
	ErrOpenerRequired = errors.New("dispatch rabbitmq: channel opener is required")
	// ErrChannelRequired is returned when a nil channel is provided.
	ErrChannelRequired = errors.New("dispatch rabbitmq: channel is required")
	// ErrConfirmModeUnavailable is returned when a channel cannot enter confirm mode.
	ErrConfirmModeUnavailable = errors.New("dispatch rabbitmq: channel does not support confirm mode")
	// ErrConfirmTimeout is returned when the broker does not confirm in time.
	ErrConfirmTimeout = errors.New("dispatch rabbitmq: confirmation timed out")
	// ErrChannelClosed is returned when the channel closes while awaiting a confirm.
	ErrChannelClosed = errors.New("dispatch rabbitmq: channel closed")
	// ErrSenderClosed is returned when Send is called after Close.
	ErrSenderClosed = errors.New("dispatch rabbitmq: sender is closed")
	// ErrReconnectBackoff is returned when a redial is refused because the last one failed recently.
	ErrReconnectBackoff = errors.New("dispatch rabbitmq: reconnect backing off")
	// ErrConnectorClosed is returned when Open is called after Close.
	ErrConnectorClosed = errors.New("dispatch rabbitmq: connector is closed")
)
