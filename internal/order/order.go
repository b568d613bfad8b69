// Package order models the client-facing Order/ClientMessage types and
// the fixed 7-byte wire frame a coffee machine sends on a CLIENT
// connection (spec.md §3, §6).
package order

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ActionKind distinguishes spending points from accruing them.
type ActionKind uint8

const (
	// Use spends points, requiring cluster-wide coordination.
	Use ActionKind = 1
	// Fill accrues points; its Lock and Free stages are no-ops and only
	// its Commit (an Add) is coordinated with peers.
	Fill ActionKind = 2
)

func (a ActionKind) String() string {
	switch a {
	case Use:
		return "USE"
	case Fill:
		return "FILL"
	default:
		return "UNKNOWN"
	}
}

// Order is the business-level intent a coffee machine issues: spend or
// accrue n points (0..=999) for a client id.
type Order struct {
	ClientID uint16
	Action   ActionKind
	Points   int
}

// MessageKind is the stage of the client's local brew flow a
// ClientMessage represents.
type MessageKind uint8

const (
	// Lock reserves points ahead of an uncertain USE, or is a no-op for FILL.
	Lock MessageKind = 1
	// Free releases a lock on USE failure, or is a no-op for FILL.
	Free MessageKind = 2
	// Commit finalizes the order: Consume for USE, Add for FILL.
	Commit MessageKind = 3
)

func (m MessageKind) String() string {
	switch m {
	case Lock:
		return "Lock"
	case Free:
		return "Free"
	case Commit:
		return "Commit"
	default:
		return "Unknown"
	}
}

// ClientMessage is one stage of an order's local brew flow, as sent
// across the wire.
type ClientMessage struct {
	Kind  MessageKind
	Order Order
}

// ErrInvalidFrame is returned whenever a byte sequence isn't a well
// formed 7-byte client frame (spec.md §7: InvalidFrame, close the
// connection on receipt).
var ErrInvalidFrame = errors.New("invalid client frame")

// FrameSize is the fixed length of a client wire frame.
const FrameSize = 7

// DecodeFrame parses a 7-byte frame into a ClientMessage. A frame
// shorter than FrameSize never advances state: the caller must check
// len(buf) before calling, but DecodeFrame also guards against it to
// keep it safe for direct use in tests.
func DecodeFrame(buf []byte) (ClientMessage, error) {
	if len(buf) != FrameSize {
		return ClientMessage{}, errors.Wrapf(ErrInvalidFrame, "want %d bytes, got %d", FrameSize, len(buf))
	}

	kind, err := decodeMessageKind(buf[0])
	if err != nil {
		return ClientMessage{}, err
	}

	clientID := binary.BigEndian.Uint16(buf[1:3])

	action, err := decodeActionKind(buf[3])
	if err != nil {
		return ClientMessage{}, err
	}

	points, err := decodeDigits(buf[4:7])
	if err != nil {
		return ClientMessage{}, err
	}

	return ClientMessage{
		Kind: kind,
		Order: Order{
			ClientID: clientID,
			Action:   action,
			Points:   points,
		},
	}, nil
}

// EncodeFrame is the inverse of DecodeFrame, used by tests and by any
// in-process client harness.
func EncodeFrame(m ClientMessage) ([]byte, error) {
	if m.Order.Points < 0 || m.Order.Points > 999 {
		return nil, errors.Errorf("points %d out of range [0,999]", m.Order.Points)
	}

	buf := make([]byte, FrameSize)
	buf[0] = byte(m.Kind)
	binary.BigEndian.PutUint16(buf[1:3], m.Order.ClientID)
	buf[3] = byte(m.Order.Action)
	hundreds := m.Order.Points / 100
	tens := (m.Order.Points / 10) % 10
	ones := m.Order.Points % 10
	buf[4] = byte(hundreds)
	buf[5] = byte(tens)
	buf[6] = byte(ones)
	return buf, nil
}

func decodeMessageKind(b byte) (MessageKind, error) {
	switch MessageKind(b) {
	case Lock, Free, Commit:
		return MessageKind(b), nil
	default:
		return 0, errors.Wrapf(ErrInvalidFrame, "unknown message tag %d", b)
	}
}

func decodeActionKind(b byte) (ActionKind, error) {
	switch ActionKind(b) {
	case Use, Fill:
		return ActionKind(b), nil
	default:
		return 0, errors.Wrapf(ErrInvalidFrame, "unknown action tag %d", b)
	}
}

func decodeDigits(b []byte) (int, error) {
	value := 0
	for _, digit := range b {
		if digit > 9 {
			return 0, errors.Wrapf(ErrInvalidFrame, "digit byte %d out of range", digit)
		}
		value = value*10 + int(digit)
	}
	if value > 999 {
		return 0, errors.Wrapf(ErrInvalidFrame, "points %d out of range", value)
	}
	return value, nil
}
