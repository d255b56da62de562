package wire

import (
	"bytes"
	"encoding/binary"
	"net"
)

// CDPMulticast is the destination MAC of CDP frames.
var CDPMulticast = []byte{0x01, 0x00, 0x0c, 0xcc, 0xcc, 0xcc}

var cdpSNAP = []byte{0xaa, 0xaa, 0x03, 0x00, 0x00, 0x0c, 0x20, 0x00}

// CDP TLV types.
const (
	cdpTLVDeviceID     = 0x0001
	cdpTLVAddresses    = 0x0002
	cdpTLVPortID       = 0x0003
	cdpTLVCapabilities = 0x0004
	cdpTLVSoftware     = 0x0005
	cdpTLVPlatform     = 0x0006
	cdpHeaderLength    = 4
	cdpTLVHeaderLength = 4
)

// CDP capability bits.
const (
	CDPCapRouter          = 0x0001
	CDPCapTransBridge     = 0x0002
	CDPCapSourceRouteBrdg = 0x0004
	CDPCapSwitch          = 0x0008
	CDPCapHost            = 0x0010
	CDPCapIGMP            = 0x0020
	CDPCapRepeater        = 0x0040
	CDPCapPhone           = 0x0080
)

// CDPPDU is a decoded CDP packet.
type CDPPDU struct {
	Version  byte
	HoldTime byte
	DeviceID string
	PortID   string

	Addresses       []string
	HasCapabilities bool
	Capabilities    uint32
	SoftwareVersion string
	Platform        string
}

// DecodeCDP decodes a CDP packet, optionally preceded by its 802.3 LLC/SNAP header.
// Device ID and Port ID are mandatory. The checksum is not verified; vendors
// disagree on odd-length padding and the payload is already link-layer checked.
func DecodeCDP(b []byte) (*CDPPDU, error) {
	if len(b) >= 22 && bytes.Equal(b[0:6], CDPMulticast) && bytes.Equal(b[14:22], cdpSNAP) {
		b = b[22:]
	}
	if len(b) < cdpHeaderLength {
		return nil, truncated("cdp", 0, "header")
	}

	pdu := &CDPPDU{Version: b[0], HoldTime: b[1]}
	if pdu.Version != 1 && pdu.Version != 2 {
		return nil, malformed("cdp", 0, "unsupported version %d", pdu.Version)
	}

	var haveDevice, havePort bool
	off := cdpHeaderLength
	for off < len(b) {
		if off+cdpTLVHeaderLength > len(b) {
			return nil, truncated("cdp", off, "tlv header")
		}
		typ := binary.BigEndian.Uint16(b[off:])
		length := int(binary.BigEndian.Uint16(b[off+2:]))
		if length < cdpTLVHeaderLength {
			return nil, malformed("cdp", off, "tlv length %d", length)
		}
		if off+length > len(b) {
			return nil, truncated("cdp", off, "tlv value")
		}
		v := b[off+cdpTLVHeaderLength : off+length]

		switch typ {
		case cdpTLVDeviceID:
			pdu.DeviceID = printable(v)
			haveDevice = pdu.DeviceID != ""
		case cdpTLVPortID:
			pdu.PortID = printable(v)
			havePort = pdu.PortID != ""
		case cdpTLVAddresses:
			addrs, err := decodeCDPAddresses(v, off)
			if err != nil {
				return nil, err
			}
			pdu.Addresses = addrs
		case cdpTLVCapabilities:
			if len(v) != 4 {
				return nil, malformed("cdp", off, "capabilities length %d", len(v))
			}
			pdu.HasCapabilities = true
			pdu.Capabilities = binary.BigEndian.Uint32(v)
		case cdpTLVSoftware:
			pdu.SoftwareVersion = printable(v)
		case cdpTLVPlatform:
			pdu.Platform = printable(v)
		}
		off += length
	}

	if !haveDevice {
		return nil, malformed("cdp", off, "device id tlv missing")
	}
	if !havePort {
		return nil, malformed("cdp", off, "port id tlv missing")
	}
	return pdu, nil
}

func decodeCDPAddresses(v []byte, base int) ([]string, error) {
	if len(v) < 4 {
		return nil, truncated("cdp", base, "address count")
	}
	count := int(binary.BigEndian.Uint32(v))
	off := 4
	var out []string
	for i := 0; i < count; i++ {
		if off+2 > len(v) {
			return nil, truncated("cdp", base+off, "address protocol")
		}
		protoLen := int(v[off+1])
		off += 2 + protoLen
		if off+2 > len(v) {
			return nil, truncated("cdp", base+off, "address length")
		}
		addrLen := int(binary.BigEndian.Uint16(v[off:]))
		off += 2
		if off+addrLen > len(v) {
			return nil, truncated("cdp", base+off, "address value")
		}
		if addrLen == 4 || addrLen == 16 {
			out = append(out, net.IP(v[off:off+addrLen]).String())
		}
		off += addrLen
	}
	return out, nil
}

// EncodeCDP serialises pdu as a bare CDP packet with a valid checksum.
func EncodeCDP(pdu *CDPPDU) ([]byte, error) {
	if pdu.DeviceID == "" || pdu.PortID == "" {
		return nil, malformed("cdp", 0, "device id and port id are required")
	}
	version := pdu.Version
	if version == 0 {
		version = 2
	}

	out := []byte{version, pdu.HoldTime, 0, 0}
	out = appendCDPTLV(out, cdpTLVDeviceID, []byte(pdu.DeviceID))
	if len(pdu.Addresses) > 0 {
		var v []byte
		n := 0
		for _, a := range pdu.Addresses {
			ip := net.ParseIP(a)
			if ip == nil {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				v = append(v, 0x01, 0x01, 0xcc) // NLPID, IP
				v = binary.BigEndian.AppendUint16(v, 4)
				v = append(v, v4...)
			} else {
				v = append(v, 0x02, 0x08, 0xaa, 0xaa, 0x03, 0x00, 0x00, 0x00, 0x86, 0xdd)
				v = binary.BigEndian.AppendUint16(v, 16)
				v = append(v, ip.To16()...)
			}
			n++
		}
		out = appendCDPTLV(out, cdpTLVAddresses, append(binary.BigEndian.AppendUint32(nil, uint32(n)), v...))
	}
	out = appendCDPTLV(out, cdpTLVPortID, []byte(pdu.PortID))
	if pdu.HasCapabilities {
		out = appendCDPTLV(out, cdpTLVCapabilities, binary.BigEndian.AppendUint32(nil, pdu.Capabilities))
	}
	if pdu.SoftwareVersion != "" {
		out = appendCDPTLV(out, cdpTLVSoftware, []byte(pdu.SoftwareVersion))
	}
	if pdu.Platform != "" {
		out = appendCDPTLV(out, cdpTLVPlatform, []byte(pdu.Platform))
	}

	binary.BigEndian.PutUint16(out[2:4], checksum(out))
	return out, nil
}

func appendCDPTLV(out []byte, typ uint16, v []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, typ)
	out = binary.BigEndian.AppendUint16(out, uint16(len(v)+cdpTLVHeaderLength))
	return append(out, v...)
}

// checksum is the RFC 1071 ones-complement sum.
func checksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
