package snmp

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/gosnmp/gosnmp"

	"github.com/pilot-net/topomon/pkg/wire"
)

// SNMPv2-MIB and IF-MIB.
const (
	oidSysName       = ".1.3.6.1.2.1.1.5.0"
	oidIfDescr       = ".1.3.6.1.2.1.2.2.1.2"
	oidIfName        = ".1.3.6.1.2.1.31.1.1.1.1"
	oidIfHCInOctets  = ".1.3.6.1.2.1.31.1.1.1.6"
	oidIfHCOutOctets = ".1.3.6.1.2.1.31.1.1.1.10"
)

// LLDP-MIB (IEEE 802.1AB).
const (
	oidLLDPLocChassisIDSubtype = ".1.0.8802.1.1.2.1.3.1.0"
	oidLLDPLocChassisID        = ".1.0.8802.1.1.2.1.3.2.0"
	oidLLDPLocPortTable        = ".1.0.8802.1.1.2.1.3.7.1"
	oidLLDPRemTable            = ".1.0.8802.1.1.2.1.4.1.1"
	oidLLDPRemManAddrTable     = ".1.0.8802.1.1.2.1.4.2.1"
)

// lldpLocPortEntry columns.
const (
	lldpLocPortIDSubtype = 2
	lldpLocPortID        = 3
	lldpLocPortDesc      = 4
)

// lldpRemEntry columns.
const (
	lldpRemChassisIDSubtype = 4
	lldpRemChassisID        = 5
	lldpRemPortIDSubtype    = 6
	lldpRemPortID           = 7
	lldpRemPortDesc         = 8
	lldpRemSysName          = 9
	lldpRemSysDesc          = 10
	lldpRemSysCapSupported  = 11
	lldpRemSysCapEnabled    = 12
)

// CISCO-CDP-MIB cdpCacheTable and its columns.
const (
	oidCDPCacheTable = ".1.3.6.1.4.1.9.9.23.1.2.1.1"

	cdpCacheAddressType  = 3
	cdpCacheAddress      = 4
	cdpCacheVersion      = 5
	cdpCacheDeviceID     = 6
	cdpCacheDevicePort   = 7
	cdpCachePlatform     = 8
	cdpCacheCapabilities = 9
)

// row is one conceptual table row: column number to value.
type row map[int]gosnmp.SnmpPDU

// walkTable walks a table entry OID and groups cells by row index. The index
// is the OID suffix after the column number.
func walkTable(sn Session, entryOID string) (map[string]row, error) {
	rows := make(map[string]row)
	prefix := entryOID + "."
	err := sn.BulkWalk(entryOID, func(pdu gosnmp.SnmpPDU) error {
		if !present(pdu) {
			return nil
		}
		name := pdu.Name
		if !strings.HasPrefix(name, ".") {
			name = "." + name
		}
		rest, ok := strings.CutPrefix(name, prefix)
		if !ok {
			return nil
		}
		colStr, index, ok := strings.Cut(rest, ".")
		if !ok {
			return nil
		}
		col, err := strconv.Atoi(colStr)
		if err != nil {
			return nil
		}
		r, ok := rows[index]
		if !ok {
			r = make(row)
			rows[index] = r
		}
		r[col] = pdu
		return nil
	})
	return rows, err
}

// walkIndexed walks a single column and keys values by their last sub-identifier.
func walkIndexed(sn Session, columnOID string, fn func(index int, pdu gosnmp.SnmpPDU)) error {
	return sn.BulkWalk(columnOID, func(pdu gosnmp.SnmpPDU) error {
		if present(pdu) {
			fn(indexFromOID(pdu.Name), pdu)
		}
		return nil
	})
}

// present reports whether a varbind carries a value.
func present(pdu gosnmp.SnmpPDU) bool {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return false
	}
	return true
}

func indexFromOID(name string) int {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(name[i+1:])
	return n
}

// indexPart returns the n-th sub-identifier of a row index.
func indexPart(index string, n int) int {
	parts := strings.Split(index, ".")
	if n >= len(parts) {
		return 0
	}
	v, _ := strconv.Atoi(parts[n])
	return v
}

func (r row) bytes(col int) []byte {
	pdu, ok := r[col]
	if !ok {
		return nil
	}
	switch v := pdu.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func (r row) str(col int) string {
	return strings.TrimRight(string(r.bytes(col)), "\x00")
}

func (r row) int(col int) int {
	pdu, ok := r[col]
	if !ok {
		return 0
	}
	return int(gosnmp.ToBigInt(pdu.Value).Int64())
}

func (r row) has(col int) bool {
	_, ok := r[col]
	return ok
}

func pduString(pdu gosnmp.SnmpPDU) string {
	switch v := pdu.Value.(type) {
	case []byte:
		return strings.TrimRight(string(v), "\x00")
	case string:
		return v
	}
	return fmt.Sprintf("%v", pdu.Value)
}

// renderLLDPID converts an LLDP-MIB id octet string into the textual form
// wire.EncodeLLDP expects for the subtype.
func renderLLDPID(subtype int, raw []byte, macSubtype, addrSubtype int) string {
	switch {
	case subtype == macSubtype && len(raw) == 6:
		return wire.FormatMAC(raw)
	case subtype == addrSubtype && len(raw) == 5 && raw[0] == 1:
		return net.IP(raw[1:]).String()
	case subtype == addrSubtype && len(raw) == 17 && raw[0] == 2:
		return net.IP(raw[1:]).String()
	}
	return strings.TrimRight(string(raw), "\x00")
}

// lldpCapabilities converts an LldpSystemCapabilitiesMap BITS value to the TLV
// bitmap. BITS numbers bits from the most significant bit of the first octet;
// the TLV uses bit n for the same capability.
func lldpCapabilities(bits []byte) uint16 {
	var caps uint16
	for n := 0; n < 16; n++ {
		octet := n / 8
		if octet >= len(bits) {
			break
		}
		if bits[octet]&(0x80>>(n%8)) != 0 {
			caps |= 1 << n
		}
	}
	return caps
}

// cdpCapabilities decodes cdpCacheCapabilities, a 4-octet big-endian copy of
// the capabilities TLV.
func cdpCapabilities(raw []byte) (uint32, bool) {
	if len(raw) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(raw), true
}

// cdpAddress decodes cdpCacheAddress for the ip address type.
func cdpAddress(addrType int, raw []byte) string {
	if addrType != 1 {
		return ""
	}
	switch len(raw) {
	case 4, 16:
		return net.IP(raw).String()
	}
	return ""
}
