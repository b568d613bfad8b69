// Package transport implements the byte-level wire protocol described
// in spec.md §6: the client frame type tag, the server-to-server
// envelope, and the control channel, plus small dial/read helpers
// shared by the engine and membership packages.
//
// The teacher transport (pkg/mcast/core/transport.go) dials a generic
// reliable-multicast group transport (relt); this package instead
// talks directly over net.TCPConn; see DESIGN.md for why relt doesn't
// fit spec.md's literal byte framing.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// FrameType is the first byte of every accepted connection.
type FrameType byte

const (
	FrameClient  FrameType = 0x01
	FrameServer  FrameType = 0x02
	FrameControl FrameType = 0x03
)

// SubType selects the server-to-server message kind.
type SubType byte

const (
	Connect     SubType = 1
	Sync        SubType = 2
	TxMessage   SubType = 3
	Ping        SubType = 4
)

// ControlCode selects the control-channel action.
type ControlCode byte

const (
	ControlDisconnect ControlCode = 1
	ControlConnect    ControlCode = 2
)

// Vote is a participant's prepare-phase or commit-phase reply byte.
type Vote byte

const (
	Proceed Vote = 0x01
	Abort   Vote = 0x02
)

// Client reply bytes (spec.md §6).
const (
	ClientOK   byte = 1
	ClientFail byte = 0
)

// Default protocol timeouts (spec.md §4.3.2/§4.3.3/§4.5).
const (
	PrepareTimeout = 1000 * time.Millisecond
	CommitTimeout  = 3000 * time.Millisecond
	GenericTimeout = 1000 * time.Millisecond
)

// WriteServerRequest writes the full [0x02][subtype][len(8,BE)][JSON]
// envelope for a server-to-server request.
func WriteServerRequest(w io.Writer, sub SubType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal server request body")
	}

	header := make([]byte, 2+8)
	header[0] = byte(FrameServer)
	header[1] = byte(sub)
	binary.BigEndian.PutUint64(header[2:], uint64(len(body)))

	if _, err := w.Write(header); err != nil {
		return errors.Wrap(err, "write server request header")
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "write server request body")
	}
	return nil
}

// ReadServerRequest reads the subtype and length-prefixed JSON body of
// a server-to-server request. The caller must already have consumed
// the leading FrameServer byte via the dispatcher.
func ReadServerRequest(r io.Reader) (SubType, []byte, error) {
	header := make([]byte, 1+8)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, errors.Wrap(err, "read server request header")
	}
	sub := SubType(header[0])
	length := binary.BigEndian.Uint64(header[1:])

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrap(err, "read server request body")
	}
	return sub, body, nil
}

// WriteJSONLine writes v as a single JSON text line terminated by \n,
// the reply shape for CONNECT/SYNC/PING (spec.md §6). An empty line is
// written for a nil v (the copy-CONNECT case).
func WriteJSONLine(w io.Writer, v interface{}) error {
	if v == nil {
		_, err := w.Write([]byte("\n"))
		return errors.Wrap(err, "write empty reply line")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal reply line")
	}
	body = append(body, '\n')
	_, err = w.Write(body)
	return errors.Wrap(err, "write reply line")
}

// deadlineConn is satisfied by net.Conn; kept as an interface so tests
// can exercise ReadJSONLine/ReadVote against in-memory pipes too.
type deadlineConn interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// ReadJSONLine reads a single \n-terminated JSON line within timeout
// and decodes it into out. An empty line (just "\n") leaves out
// untouched and returns nil.
func ReadJSONLine(conn deadlineConn, timeout time.Duration, out interface{}) error {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return errors.Wrap(err, "set read deadline")
	}

	line, err := readLine(conn)
	if err != nil {
		return errors.Wrap(err, "read reply line")
	}
	if len(line) == 0 {
		return nil
	}
	if err := json.Unmarshal(line, out); err != nil {
		return errors.Wrap(err, "unmarshal reply line")
	}
	return nil
}

func readLine(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, 256)
	one := make([]byte, 1)
	for {
		n, err := r.Read(one)
		if n == 1 {
			if one[0] == '\n' {
				return buf, nil
			}
			buf = append(buf, one[0])
		}
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
	}
}

// WriteVote writes a single prepare/commit decision byte.
func WriteVote(w io.Writer, v Vote) error {
	_, err := w.Write([]byte{byte(v)})
	return errors.Wrap(err, "write vote byte")
}

// ReadVote reads a single decision byte within timeout.
func ReadVote(conn deadlineConn, timeout time.Duration) (Vote, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, errors.Wrap(err, "set read deadline")
	}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, errors.Wrap(err, "read vote byte")
	}
	return Vote(buf[0]), nil
}

// Dial opens a plain TCP connection to addr.
func Dial(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, GenericTimeout)
	return conn, errors.Wrapf(err, "dial %s", addr)
}
