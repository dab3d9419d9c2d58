// Package frame defines the unit of data carried between the serial link and
// its peers.
package frame

import "fmt"

// Frame is the chunk of bytes produced by one read on a transport.
//
// Frame boundaries are an artifact of the underlying read granularity, not a
// message boundary: consumers treat everything received on a topic as one
// continuous byte stream.
type Frame []byte

// Clone returns a copy of f that shares no memory with it.
func (f Frame) Clone() Frame {
	if f == nil {
		return nil
	}
	c := make(Frame, len(f))
	copy(c, f)
	return c
}

// Topic names one direction of the bus.
type Topic string

const (
	// FromSerial carries bytes read from the serial port (broker -> adapters).
	FromSerial Topic = "from-serial"
	// ToSerial carries bytes destined for the serial port (adapters -> broker).
	ToSerial Topic = "to-serial"
)

// Topics lists every valid topic.
var Topics = []Topic{FromSerial, ToSerial}

// Valid reports whether t is one of the known topics.
func (t Topic) Valid() bool { return t == FromSerial || t == ToSerial }

// ParseTopic converts a topic name into a Topic.
func ParseTopic(s string) (Topic, error) {
	t := Topic(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown topic %q", s)
	}
	return t, nil
}
