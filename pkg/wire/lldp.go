package wire

import (
	"encoding/binary"
	"net"
)

// EtherTypeLLDP is the Ethernet II type carrying LLDPDUs.
const EtherTypeLLDP = 0x88cc

// LLDP TLV types.
const (
	lldpTLVEnd        = 0
	lldpTLVChassisID  = 1
	lldpTLVPortID     = 2
	lldpTLVTTL        = 3
	lldpTLVPortDesc   = 4
	lldpTLVSysName    = 5
	lldpTLVSysDesc    = 6
	lldpTLVSysCaps    = 7
	lldpTLVMgmtAddr   = 8
	lldpMaxTLVLength  = 511
	lldpMaxIDLength   = 255
	ianaFamilyIPv4    = 1
	ianaFamilyIPv6    = 2
)

// Chassis ID subtypes.
const (
	ChassisSubtypeComponent      = 1
	ChassisSubtypeInterfaceAlias = 2
	ChassisSubtypePortComponent  = 3
	ChassisSubtypeMAC            = 4
	ChassisSubtypeNetworkAddress = 5
	ChassisSubtypeInterfaceName  = 6
	ChassisSubtypeLocal          = 7
)

// Port ID subtypes.
const (
	PortSubtypeInterfaceAlias = 1
	PortSubtypePortComponent  = 2
	PortSubtypeMAC            = 3
	PortSubtypeNetworkAddress = 4
	PortSubtypeInterfaceName  = 5
	PortSubtypeAgentCircuitID = 6
	PortSubtypeLocal          = 7
)

// LLDP system capability bits.
const (
	LLDPCapOther     = 0x0001
	LLDPCapRepeater  = 0x0002
	LLDPCapBridge    = 0x0004
	LLDPCapWLAN      = 0x0008
	LLDPCapRouter    = 0x0010
	LLDPCapTelephone = 0x0020
	LLDPCapDOCSIS    = 0x0040
	LLDPCapStation   = 0x0080
)

// LLDPDU is a decoded LLDP data unit.
type LLDPDU struct {
	ChassisSubtype byte
	ChassisID      string
	PortSubtype    byte
	PortID         string
	TTL            uint16

	PortDescription   string
	SystemName        string
	SystemDescription string

	HasCapabilities     bool
	Capabilities        uint16
	EnabledCapabilities uint16

	ManagementAddresses []string
}

// DecodeLLDP decodes an LLDPDU, optionally preceded by an Ethernet II header.
// Chassis ID, Port ID and TTL are mandatory and must be the first three TLVs.
func DecodeLLDP(b []byte) (*LLDPDU, error) {
	if len(b) >= 14 && binary.BigEndian.Uint16(b[12:14]) == EtherTypeLLDP {
		b = b[14:]
	}

	pdu := &LLDPDU{}
	off, idx := 0, 0
	for off < len(b) {
		if off+2 > len(b) {
			return nil, truncated("lldp", off, "tlv header")
		}
		hdr := binary.BigEndian.Uint16(b[off:])
		typ := int(hdr >> 9)
		length := int(hdr & lldpMaxTLVLength)
		start := off
		off += 2
		if off+length > len(b) {
			return nil, truncated("lldp", start, "tlv value")
		}
		v := b[off : off+length]
		off += length

		if idx < 3 && typ != idx+1 {
			return nil, malformed("lldp", start, "mandatory tlv %d missing (got type %d)", idx+1, typ)
		}
		idx++

		switch typ {
		case lldpTLVEnd:
			return finishLLDP(pdu, idx, start)
		case lldpTLVChassisID:
			if length < 2 || length > lldpMaxIDLength+1 {
				return nil, malformed("lldp", start, "chassis id length %d", length)
			}
			pdu.ChassisSubtype = v[0]
			pdu.ChassisID = renderID(v[0], v[1:], ChassisSubtypeMAC, ChassisSubtypeNetworkAddress)
		case lldpTLVPortID:
			if length < 2 || length > lldpMaxIDLength+1 {
				return nil, malformed("lldp", start, "port id length %d", length)
			}
			pdu.PortSubtype = v[0]
			pdu.PortID = renderID(v[0], v[1:], PortSubtypeMAC, PortSubtypeNetworkAddress)
		case lldpTLVTTL:
			if length != 2 {
				return nil, malformed("lldp", start, "ttl length %d", length)
			}
			pdu.TTL = binary.BigEndian.Uint16(v)
		case lldpTLVPortDesc:
			pdu.PortDescription = printable(v)
		case lldpTLVSysName:
			pdu.SystemName = printable(v)
		case lldpTLVSysDesc:
			pdu.SystemDescription = printable(v)
		case lldpTLVSysCaps:
			if length != 4 {
				return nil, malformed("lldp", start, "capabilities length %d", length)
			}
			pdu.HasCapabilities = true
			pdu.Capabilities = binary.BigEndian.Uint16(v[0:2])
			pdu.EnabledCapabilities = binary.BigEndian.Uint16(v[2:4])
		case lldpTLVMgmtAddr:
			if length < 2 || int(v[0]) < 1 || 1+int(v[0]) > length {
				return nil, malformed("lldp", start, "management address length")
			}
			if addr := renderAddress(v[1], v[2:1+int(v[0])]); addr != "" {
				pdu.ManagementAddresses = append(pdu.ManagementAddresses, addr)
			}
		default:
			// Org-specific and reserved TLVs are skipped.
		}
	}
	return finishLLDP(pdu, idx, off)
}

func finishLLDP(pdu *LLDPDU, count, off int) (*LLDPDU, error) {
	if count < 3 {
		return nil, truncated("lldp", off, "mandatory tlvs")
	}
	return pdu, nil
}

// EncodeLLDP serialises pdu as a bare LLDPDU terminated by an End TLV.
func EncodeLLDP(pdu *LLDPDU) ([]byte, error) {
	chassis, err := encodeID(pdu.ChassisSubtype, pdu.ChassisID, ChassisSubtypeMAC, ChassisSubtypeNetworkAddress)
	if err != nil {
		return nil, err
	}
	port, err := encodeID(pdu.PortSubtype, pdu.PortID, PortSubtypeMAC, PortSubtypeNetworkAddress)
	if err != nil {
		return nil, err
	}

	var out []byte
	out = appendLLDPTLV(out, lldpTLVChassisID, append([]byte{pdu.ChassisSubtype}, chassis...))
	out = appendLLDPTLV(out, lldpTLVPortID, append([]byte{pdu.PortSubtype}, port...))
	out = appendLLDPTLV(out, lldpTLVTTL, binary.BigEndian.AppendUint16(nil, pdu.TTL))
	if pdu.PortDescription != "" {
		out = appendLLDPTLV(out, lldpTLVPortDesc, []byte(pdu.PortDescription))
	}
	if pdu.SystemName != "" {
		out = appendLLDPTLV(out, lldpTLVSysName, []byte(pdu.SystemName))
	}
	if pdu.SystemDescription != "" {
		out = appendLLDPTLV(out, lldpTLVSysDesc, []byte(pdu.SystemDescription))
	}
	if pdu.HasCapabilities {
		caps := binary.BigEndian.AppendUint16(nil, pdu.Capabilities)
		caps = binary.BigEndian.AppendUint16(caps, pdu.EnabledCapabilities)
		out = appendLLDPTLV(out, lldpTLVSysCaps, caps)
	}
	for _, a := range pdu.ManagementAddresses {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		family, raw := byte(ianaFamilyIPv6), []byte(ip.To16())
		if v4 := ip.To4(); v4 != nil {
			family, raw = ianaFamilyIPv4, v4
		}
		// addr-string-len, subtype, addr, if-subtype (unknown), if-number, oid-len
		v := []byte{byte(1 + len(raw)), family}
		v = append(v, raw...)
		v = append(v, 1, 0, 0, 0, 0, 0)
		out = appendLLDPTLV(out, lldpTLVMgmtAddr, v)
	}
	out = appendLLDPTLV(out, lldpTLVEnd, nil)
	return out, nil
}

func appendLLDPTLV(out []byte, typ int, v []byte) []byte {
	hdr := uint16(typ)<<9 | uint16(len(v)&lldpMaxTLVLength)
	out = binary.BigEndian.AppendUint16(out, hdr)
	return append(out, v...)
}

func renderID(subtype byte, v []byte, macSubtype, addrSubtype byte) string {
	switch {
	case subtype == macSubtype && len(v) == 6:
		return FormatMAC(v)
	case subtype == addrSubtype && len(v) > 1:
		if addr := renderAddress(v[0], v[1:]); addr != "" {
			return addr
		}
	}
	return printable(v)
}

func encodeID(subtype byte, id string, macSubtype, addrSubtype byte) ([]byte, error) {
	if id == "" {
		return nil, malformed("lldp", 0, "empty id")
	}
	switch subtype {
	case macSubtype:
		if mac, err := ParseMAC(id); err == nil && len(mac) == 6 {
			return mac, nil
		}
	case addrSubtype:
		if ip := net.ParseIP(id); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				return append([]byte{ianaFamilyIPv4}, v4...), nil
			}
			return append([]byte{ianaFamilyIPv6}, ip.To16()...), nil
		}
	}
	if len(id) > lldpMaxIDLength {
		return nil, malformed("lldp", 0, "id longer than %d bytes", lldpMaxIDLength)
	}
	return []byte(id), nil
}

func renderAddress(family byte, raw []byte) string {
	switch {
	case family == ianaFamilyIPv4 && len(raw) == 4:
		return net.IP(raw).String()
	case family == ianaFamilyIPv6 && len(raw) == 16:
		return net.IP(raw).String()
	}
	return ""
}
