// Package wire encodes and decodes the link-layer neighbour discovery PDUs the
// engine understands: LLDP (IEEE 802.1AB), CDP and MikroTik MNDP.
//
// Decoders accept either the bare PDU or the PDU still wrapped in its link-layer
// header (Ethernet II for LLDP, 802.3 LLC/SNAP for CDP). MNDP arrives as a UDP
// payload and has no link-layer framing.
//
// Encoders exist so the collector can re-emit neighbour table rows it learned over
// SNMP as ordinary PDUs; the engine therefore has one ingest path for every source.
package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrTruncated is returned when a PDU ends in the middle of a field.
var ErrTruncated = errors.New("truncated pdu")

// DecodeError describes a malformed PDU.
type DecodeError struct {
	Protocol string
	Offset   int
	Reason   string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: offset %d: %s: %v", e.Protocol, e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: offset %d: %s", e.Protocol, e.Offset, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func truncated(proto string, offset int, what string) error {
	return &DecodeError{Protocol: proto, Offset: offset, Reason: what, Err: ErrTruncated}
}

func malformed(proto string, offset int, format string, args ...any) error {
	return &DecodeError{Protocol: proto, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// FormatMAC renders a 6-byte hardware address as lower-case colon hex.
func FormatMAC(b []byte) string {
	return net.HardwareAddr(b).String()
}

// ParseMAC parses colon, dash or dot separated hardware addresses.
func ParseMAC(s string) ([]byte, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	return hw, nil
}

// printable returns b as a string when it is printable ASCII (line breaks allowed),
// hex otherwise.
func printable(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' || s[i] == '\r' || s[i] == '\t' {
			continue
		}
		if s[i] < 0x20 || s[i] > 0x7e {
			return hex.EncodeToString(b)
		}
	}
	return s
}
