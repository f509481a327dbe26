// Package notify speaks the protocol of the out-of-process daemon variant: update
// notifications on one connection and length prefixed log frames on a second one.
package notify

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// NameSize is the size of the nul padded script name of a notification.
	NameSize = 62
	// NotificationSize is the encoded size of a notification.
	NotificationSize = NameSize + 2
	// MaxFrame bounds the payload of a log frame.
	MaxFrame = 1 << 20
)

var (
	// ErrNameTooLong occurs when a script name does not fit a notification.
	ErrNameTooLong = errors.New("name too long")
	// ErrShortFrame occurs when a frame is shorter than its header announces.
	ErrShortFrame = errors.New("short frame")
	// ErrMalformed occurs when a log frame payload is not "[D][<Level>]<text>".
	ErrMalformed = errors.New("malformed frame")
)

// Option tells the client how to apply a notification.
type Option uint16

const (
	Default Option = iota
	ForceInit
	LastInQueue
)

var optionNames = [...]string{"Default", "ForceInit", "LastInQueue"}

func (o Option) String() string {
	if int(o) < len(optionNames) {
		return optionNames[o]
	}
	return fmt.Sprintf("Option(%d)", uint16(o))
}

// Notification announces a rebuilt script.
type Notification struct {
	Name   string
	Option Option
}

// MarshalBinary encodes the name nul padded to NameSize followed by the option in
// network byte order.
func (n Notification) MarshalBinary() ([]byte, error) {
	if len(n.Name) >= NameSize {
		return nil, fmt.Errorf("%q: %w", n.Name, ErrNameTooLong)
	}
	b := make([]byte, NotificationSize)
	copy(b, n.Name)
	binary.BigEndian.PutUint16(b[NameSize:], uint16(n.Option))
	return b, nil
}

func (n *Notification) UnmarshalBinary(b []byte) error {
	if len(b) < NotificationSize {
		return ErrShortFrame
	}
	name := b[:NameSize]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	n.Name = string(name)
	n.Option = Option(binary.BigEndian.Uint16(b[NameSize:]))
	return nil
}

// ReadNotification reads exactly one notification.
func ReadNotification(r io.Reader) (n Notification, err error) {
	var b [NotificationSize]byte
	if _, err = io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrShortFrame
		}
		return
	}
	err = n.UnmarshalBinary(b[:])
	return
}

// Level of a log frame.
type Level byte

const (
	Error Level = iota
	Warning
	Info
)

var levelNames = [...]string{"Error", "Warning", "Info"}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", byte(l))
}

// Message is one log frame.
type Message struct {
	Level Level
	Text  string
}

const framePrefix = "[D]["

// MarshalBinary encodes a little endian int32 length followed by "[D][<Level>]<text>".
func (m Message) MarshalBinary() ([]byte, error) {
	payload := framePrefix + m.Level.String() + "]" + m.Text
	if len(payload) > MaxFrame {
		return nil, fmt.Errorf("%d bytes: %w", len(payload), ErrMalformed)
	}
	b := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(len(payload)))
	return append(b, payload...), nil
}

func (m *Message) parse(payload string) error {
	if len(payload) < len(framePrefix)+1 || payload[:len(framePrefix)] != framePrefix {
		return ErrMalformed
	}
	switch payload[len(framePrefix)] {
	case 'E':
		m.Level = Error
	case 'W':
		m.Level = Warning
	case 'I':
		m.Level = Info
	default:
		return ErrMalformed
	}
	rest := payload[len(framePrefix):]
	i := bytes.IndexByte([]byte(rest), ']')
	if i < 0 {
		return ErrMalformed
	}
	m.Text = rest[i+1:]
	return nil
}

// ReadMessage reads exactly one log frame.
func ReadMessage(r io.Reader) (m Message, err error) {
	var h [4]byte
	if _, err = io.ReadFull(r, h[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrShortFrame
		}
		return
	}
	n := int32(binary.LittleEndian.Uint32(h[:]))
	if n < 0 || n > MaxFrame {
		return m, fmt.Errorf("length %d: %w", n, ErrMalformed)
	}
	payload := make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return m, ErrShortFrame
	}
	err = m.parse(string(payload))
	return
}
