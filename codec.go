package dispatch

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// ContentTypeJSON is the content type of JSON encoded events.
const ContentTypeJSON = "application/json"

// Codec serializes event records to the wire format.
type Codec interface {
	// ContentType returns the MIME type of encoded payloads.
	ContentType() string
	// Encode serializes an event record.
	Encode(event Event) ([]byte, error)
	// Decode restores an event record of the given kind.
	Decode(kind Kind, data []byte) (Event, error)
}

// JSONCodec encodes events as field-named JSON objects.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

// ContentType implements Codec.
func (JSONCodec) ContentType() string {
	return ContentTypeJSON
}

// Encode implements Codec.
func (JSONCodec) Encode(event Event) ([]byte, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: nil event", ErrUnknownKind)
	}
	if !event.Kind().Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, event.Kind())
	}

	data, err := sonic.ConfigStd.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode %s: %w", event.Kind(), err)
	}

	return data, nil
}

// Decode implements Codec.
func (JSONCodec) Decode(kind Kind, data []byte) (Event, error) {
	switch kind {
	case KindNewsCreated:
		var ev NewsCreated
		if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("dispatch: decode %s: %w", kind, err)
		}

		return ev, nil
	case KindNewsUpdated:
		var ev NewsUpdated
		if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("dispatch: decode %s: %w", kind, err)
		}

		return ev, nil
	case KindCommentCreated:
		var ev CommentCreated
		if err := sonic.ConfigStd.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("dispatch: decode %s: %w", kind, err)
		}

		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
