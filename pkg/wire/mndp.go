package wire

import (
	"encoding/binary"
	"net"
	"time"
)

// MNDPPort is the UDP port MikroTik devices announce themselves on.
const MNDPPort = 5678

// MNDP TLV types.
const (
	mndpTLVMAC        = 1
	mndpTLVIdentity   = 5
	mndpTLVVersion    = 7
	mndpTLVPlatform   = 8
	mndpTLVUptime     = 10
	mndpTLVSoftwareID = 11
	mndpTLVBoard      = 12
	mndpTLVIPv6       = 15
	mndpTLVInterface  = 16
	mndpTLVIPv4       = 17
	mndpHeaderLength  = 4
)

// MNDPPDU is a decoded MikroTik Neighbor Discovery announcement.
type MNDPPDU struct {
	Sequence   uint16
	MAC        string
	Identity   string
	Version    string
	Platform   string
	Uptime     time.Duration
	SoftwareID string
	Board      string
	Interface  string
	IPv4       string
	IPv6       string
}

// DecodeMNDP decodes an MNDP UDP payload. The MAC TLV is mandatory.
func DecodeMNDP(b []byte) (*MNDPPDU, error) {
	if len(b) < mndpHeaderLength {
		return nil, truncated("mndp", 0, "header")
	}
	pdu := &MNDPPDU{Sequence: binary.BigEndian.Uint16(b[2:4])}

	off := mndpHeaderLength
	for off < len(b) {
		if off+4 > len(b) {
			return nil, truncated("mndp", off, "tlv header")
		}
		typ := binary.BigEndian.Uint16(b[off:])
		length := int(binary.BigEndian.Uint16(b[off+2:]))
		start := off
		off += 4
		if off+length > len(b) {
			return nil, truncated("mndp", start, "tlv value")
		}
		v := b[off : off+length]
		off += length

		switch typ {
		case mndpTLVMAC:
			if length != 6 {
				return nil, malformed("mndp", start, "mac length %d", length)
			}
			pdu.MAC = FormatMAC(v)
		case mndpTLVIdentity:
			pdu.Identity = printable(v)
		case mndpTLVVersion:
			pdu.Version = printable(v)
		case mndpTLVPlatform:
			pdu.Platform = printable(v)
		case mndpTLVUptime:
			if length == 4 {
				pdu.Uptime = time.Duration(binary.LittleEndian.Uint32(v)) * time.Second
			}
		case mndpTLVSoftwareID:
			pdu.SoftwareID = printable(v)
		case mndpTLVBoard:
			pdu.Board = printable(v)
		case mndpTLVInterface:
			pdu.Interface = printable(v)
		case mndpTLVIPv4:
			if length == 4 {
				pdu.IPv4 = net.IP(v).String()
			}
		case mndpTLVIPv6:
			if length == 16 {
				pdu.IPv6 = net.IP(v).String()
			}
		}
	}

	if pdu.MAC == "" {
		return nil, malformed("mndp", off, "mac tlv missing")
	}
	return pdu, nil
}

// EncodeMNDP serialises pdu as an MNDP announcement.
func EncodeMNDP(pdu *MNDPPDU) ([]byte, error) {
	mac, err := ParseMAC(pdu.MAC)
	if err != nil || len(mac) != 6 {
		return nil, malformed("mndp", 0, "invalid mac %q", pdu.MAC)
	}

	out := []byte{0, 0}
	out = binary.BigEndian.AppendUint16(out, pdu.Sequence)
	out = appendMNDPTLV(out, mndpTLVMAC, mac)
	for _, f := range []struct {
		typ uint16
		val string
	}{
		{mndpTLVIdentity, pdu.Identity},
		{mndpTLVVersion, pdu.Version},
		{mndpTLVPlatform, pdu.Platform},
		{mndpTLVSoftwareID, pdu.SoftwareID},
		{mndpTLVBoard, pdu.Board},
		{mndpTLVInterface, pdu.Interface},
	} {
		if f.val != "" {
			out = appendMNDPTLV(out, f.typ, []byte(f.val))
		}
	}
	if pdu.Uptime > 0 {
		out = appendMNDPTLV(out, mndpTLVUptime, binary.LittleEndian.AppendUint32(nil, uint32(pdu.Uptime/time.Second)))
	}
	if ip := net.ParseIP(pdu.IPv4).To4(); ip != nil {
		out = appendMNDPTLV(out, mndpTLVIPv4, ip)
	}
	if ip := net.ParseIP(pdu.IPv6); ip != nil && ip.To4() == nil {
		out = appendMNDPTLV(out, mndpTLVIPv6, ip.To16())
	}
	return out, nil
}

func appendMNDPTLV(out []byte, typ uint16, v []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, typ)
	out = binary.BigEndian.AppendUint16(out, uint16(len(v)))
	return append(out, v...)
}
