package relay

import (
	"context"
	"encoding/json"
	"errors"
)

// Event names spoken with the peer application.
const (
	EventSubscribe           = "subscribe_quotes"
	EventUnsubscribe         = "unsubscribe_quotes"
	EventQuoteUpdate         = "quote_update"
	EventVolumeSpike         = "volume_spike"
	EventSubscribeResponse   = "subscribe_response"
	EventUnsubscribeResponse = "unsubscribe_response"
)

var (
	ErrConnectionLost  = errors.New("relay: connection lost")
	ErrUnknownConsumer = errors.New("relay: unknown consumer")
)

// Envelope is one message on the peer stream.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type symbolsPayload struct {
	Symbols []string `json:"symbols"`
}

func symbolsEnvelope(event string, symbols []string) (Envelope, error) {
	data, err := json.Marshal(symbolsPayload{Symbols: symbols})
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}

// PeerConn is an established session with the peer. WriteEnvelope may be
// called concurrently with ReadEnvelope.
type PeerConn interface {
	ReadEnvelope() (Envelope, error)
	WriteEnvelope(env Envelope) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (PeerConn, error)
}
