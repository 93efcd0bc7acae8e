package events

import "time"

// Envelope is a committed event as published by lendingd: the flattened
// record plus a stable identifier and its position in the daemon's stream.
type Envelope struct {
	ID       string    `json:"id"`
	Sequence uint64    `json:"sequence"`
	Time     time.Time `json:"time"`
	Market   string    `json:"market,omitempty"`
	Record
}

// Sink receives envelopes after they are sequenced.
type Sink interface {
	Store(Envelope) error
}
