package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Encode gob-encodes the concrete payload of msg. The kind travels separately
// in the frame header, so no interface registration is needed.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return buf.Bytes(), nil
}

// Decode interprets payload as the variant named by kind.
func Decode(kind Kind, payload []byte) (Message, error) {
	dec := gob.NewDecoder(bytes.NewReader(payload))

	switch kind {
	case KindHello:
		var m Hello
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindSearch:
		var m Search
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindSearchResults:
		var m SearchResults
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindDownloadQuery:
		var m DownloadQuery
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindDownloadAnswer:
		var m DownloadAnswer
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindBlockRequest:
		var m BlockRequest
		return decodeInto(dec, kind, &m, func() Message { return m })
	case KindBlock:
		var m Block
		return decodeInto(dec, kind, &m, func() Message { return m })
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
}

func decodeInto(dec *gob.Decoder, kind Kind, target any, value func() Message) (Message, error) {
	if err := dec.Decode(target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return value(), nil
}
