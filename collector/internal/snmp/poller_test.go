package snmp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/pilot-net/topomon/pkg/types"
	"github.com/pilot-net/topomon/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockSession serves varbinds from a map keyed by OID.
type mockSession struct {
	pdus    map[string]gosnmp.SnmpPDU
	walkErr map[string]error
}

func newMockSession() *mockSession {
	return &mockSession{pdus: make(map[string]gosnmp.SnmpPDU), walkErr: make(map[string]error)}
}

func (m *mockSession) set(oid string, typ gosnmp.Asn1BER, v any) {
	m.pdus[oid] = gosnmp.SnmpPDU{Name: oid, Type: typ, Value: v}
}

func (m *mockSession) Get(oids []string) (*gosnmp.SnmpPacket, error) {
	pkt := &gosnmp.SnmpPacket{}
	for _, oid := range oids {
		pdu, ok := m.pdus[oid]
		if !ok {
			pdu = gosnmp.SnmpPDU{Name: oid, Type: gosnmp.NoSuchObject}
		}
		pkt.Variables = append(pkt.Variables, pdu)
	}
	return pkt, nil
}

func (m *mockSession) BulkWalk(root string, fn gosnmp.WalkFunc) error {
	if err := m.walkErr[root]; err != nil {
		return err
	}
	var names []string
	for name := range m.pdus {
		if strings.HasPrefix(name, root+".") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := fn(m.pdus[name]); err != nil {
			return err
		}
	}
	return nil
}

func dialMock(sn *mockSession) Dialer {
	return func(ctx context.Context, t Target, cfg Config) (Session, func() error, error) {
		return sn, func() error { return nil }, nil
	}
}

// coreSwitch models a switch with one LLDP neighbour and one CDP neighbour.
func coreSwitch() *mockSession {
	sn := newMockSession()
	sn.set(oidSysName, gosnmp.OctetString, []byte("core-1"))
	sn.set(oidLLDPLocChassisIDSubtype, gosnmp.Integer, wire.ChassisSubtypeMAC)
	sn.set(oidLLDPLocChassisID, gosnmp.OctetString, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})

	sn.set(oidIfDescr+".1", gosnmp.OctetString, []byte("GigabitEthernet1/0/1"))
	sn.set(oidIfName+".1", gosnmp.OctetString, []byte("Gi1/0/1"))
	sn.set(oidIfDescr+".2", gosnmp.OctetString, []byte("GigabitEthernet1/0/2"))

	// Local port 1 identifies itself by interface name.
	sn.set(oidLLDPLocPortTable+".2.1", gosnmp.Integer, wire.PortSubtypeInterfaceName)
	sn.set(oidLLDPLocPortTable+".3.1", gosnmp.OctetString, []byte("Gi1/0/1"))

	rem := oidLLDPRemTable
	idx := ".0.1.3"
	sn.set(rem+".4"+idx, gosnmp.Integer, wire.ChassisSubtypeMAC)
	sn.set(rem+".5"+idx, gosnmp.OctetString, []byte{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01})
	sn.set(rem+".6"+idx, gosnmp.Integer, wire.PortSubtypeInterfaceName)
	sn.set(rem+".7"+idx, gosnmp.OctetString, []byte("eth0"))
	sn.set(rem+".9"+idx, gosnmp.OctetString, []byte("access-1"))
	sn.set(rem+".10"+idx, gosnmp.OctetString, []byte("Linux 6.1"))
	sn.set(rem+".11"+idx, gosnmp.OctetString, []byte{0x28, 0x00}) // bridge, router
	sn.set(rem+".12"+idx, gosnmp.OctetString, []byte{0x20, 0x00}) // bridge
	sn.set(oidLLDPRemManAddrTable+".3.0.1.3.1.4.10.0.0.9", gosnmp.Integer, 2)

	cdp := oidCDPCacheTable
	cidx := ".2.7"
	sn.set(cdp+".3"+cidx, gosnmp.Integer, 1)
	sn.set(cdp+".4"+cidx, gosnmp.OctetString, []byte{10, 0, 0, 2})
	sn.set(cdp+".5"+cidx, gosnmp.OctetString, []byte("Cisco IOS XE 16.9"))
	sn.set(cdp+".6"+cidx, gosnmp.OctetString, []byte("dist-1.example.net"))
	sn.set(cdp+".7"+cidx, gosnmp.OctetString, []byte("GigabitEthernet0/1"))
	sn.set(cdp+".8"+cidx, gosnmp.OctetString, []byte("cisco WS-C3850"))
	sn.set(cdp+".9"+cidx, gosnmp.OctetString, []byte{0, 0, 0, 0x29})

	sn.set(oidIfHCInOctets+".1", gosnmp.Counter64, uint64(1000))
	sn.set(oidIfHCOutOctets+".1", gosnmp.Counter64, uint64(5000))
	return sn
}

func framesByProtocol(frames []types.Frame) map[types.Protocol][]types.Frame {
	out := make(map[types.Protocol][]types.Frame)
	for _, f := range frames {
		out[f.Protocol] = append(out[f.Protocol], f)
	}
	return out
}

func TestPoll_LLDP(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPoller(Config{HoldTime: 90 * time.Second}, testLogger(),
		WithDialer(dialMock(coreSwitch())), WithClock(func() time.Time { return at }))

	res, err := p.Poll(context.Background(), Target{Address: "10.0.0.1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.SystemName != "core-1" || res.ChassisID != "00:11:22:33:44:55" {
		t.Errorf("unexpected local identity %q %q", res.SystemName, res.ChassisID)
	}

	lldp := framesByProtocol(res.Frames)[types.ProtocolLLDP]
	if len(lldp) != 1 {
		t.Fatalf("expected 1 lldp frame, got %d", len(lldp))
	}
	f := lldp[0]
	if f.Interface != "Gi1/0/1" || f.LocalSystemName != "core-1" || f.LocalChassisID != "00:11:22:33:44:55" {
		t.Errorf("unexpected frame envelope %+v", f)
	}
	if !f.ReceivedAt.Equal(at) {
		t.Errorf("expected received at %v, got %v", at, f.ReceivedAt)
	}

	pdu, err := wire.DecodeLLDP(f.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pdu.ChassisID != "aa:bb:cc:00:00:01" || pdu.PortID != "eth0" || pdu.SystemName != "access-1" {
		t.Errorf("unexpected pdu %+v", pdu)
	}
	if pdu.TTL != 90 {
		t.Errorf("expected ttl 90, got %d", pdu.TTL)
	}
	if pdu.Capabilities != wire.LLDPCapBridge|wire.LLDPCapRouter || pdu.EnabledCapabilities != wire.LLDPCapBridge {
		t.Errorf("unexpected capabilities %#x/%#x", pdu.Capabilities, pdu.EnabledCapabilities)
	}
	if len(pdu.ManagementAddresses) != 1 || pdu.ManagementAddresses[0] != "10.0.0.9" {
		t.Errorf("expected management address 10.0.0.9, got %v", pdu.ManagementAddresses)
	}
}

func TestPoll_CDP(t *testing.T) {
	p := NewPoller(Config{HoldTime: 600 * time.Second}, testLogger(), WithDialer(dialMock(coreSwitch())))

	res, err := p.Poll(context.Background(), Target{Address: "10.0.0.1", Protocols: []types.Protocol{types.ProtocolCDP}})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	byProto := framesByProtocol(res.Frames)
	if len(byProto[types.ProtocolLLDP]) != 0 {
		t.Error("expected lldp table to be skipped")
	}
	cdp := byProto[types.ProtocolCDP]
	if len(cdp) != 1 {
		t.Fatalf("expected 1 cdp frame, got %d", len(cdp))
	}
	// ifIndex 2 has no ifName; ifDescr is used.
	if cdp[0].Interface != "GigabitEthernet1/0/2" {
		t.Errorf("expected ifDescr fallback, got %q", cdp[0].Interface)
	}

	pdu, err := wire.DecodeCDP(cdp[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pdu.DeviceID != "dist-1.example.net" || pdu.PortID != "GigabitEthernet0/1" {
		t.Errorf("unexpected pdu %+v", pdu)
	}
	if pdu.HoldTime != 255 {
		t.Errorf("expected hold time capped at 255, got %d", pdu.HoldTime)
	}
	if pdu.Capabilities != wire.CDPCapRouter|wire.CDPCapSwitch|wire.CDPCapIGMP {
		t.Errorf("unexpected capabilities %#x", pdu.Capabilities)
	}
	if pdu.Platform != "cisco WS-C3850" || pdu.SoftwareVersion != "Cisco IOS XE 16.9" {
		t.Errorf("unexpected platform/version %q %q", pdu.Platform, pdu.SoftwareVersion)
	}
	if len(pdu.Addresses) != 1 || pdu.Addresses[0] != "10.0.0.2" {
		t.Errorf("expected address 10.0.0.2, got %v", pdu.Addresses)
	}
}

func TestPoll_Counters(t *testing.T) {
	sn := coreSwitch()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPoller(Config{Counters: true}, testLogger(),
		WithDialer(dialMock(sn)), WithClock(func() time.Time { return now }))

	res, err := p.Poll(context.Background(), Target{Address: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Samples) != 0 {
		t.Errorf("expected first poll to only prime counters, got %d samples", len(res.Samples))
	}

	now = now.Add(10 * time.Second)
	sn.set(oidIfHCInOctets+".1", gosnmp.Counter64, uint64(1000+125000))
	sn.set(oidIfHCOutOctets+".1", gosnmp.Counter64, uint64(4000)) // reset

	res, err = p.Poll(context.Background(), Target{Address: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Samples) != 1 {
		t.Fatalf("expected 1 sample (out counter reset), got %d", len(res.Samples))
	}
	s := res.Samples[0]
	if s.Metric != MetricInBPS || s.Interface != "Gi1/0/1" || s.Value != 100000 {
		t.Errorf("unexpected sample %+v", s)
	}
	if s.ChassisID != "00:11:22:33:44:55" || s.SystemName != "core-1" {
		t.Errorf("expected sample to carry local identity, got %+v", s)
	}
}

func TestPoll_PartialFailure(t *testing.T) {
	sn := coreSwitch()
	sn.walkErr[oidCDPCacheTable] = errors.New("request timeout")
	p := NewPoller(Config{}, testLogger(), WithDialer(dialMock(sn)))

	res, err := p.Poll(context.Background(), Target{Address: "10.0.0.1"})
	if err == nil || !strings.Contains(err.Error(), "cdp") {
		t.Errorf("expected cdp error, got %v", err)
	}
	if res == nil || len(framesByProtocol(res.Frames)[types.ProtocolLLDP]) != 1 {
		t.Error("expected lldp frames despite the cdp failure")
	}
}

func TestPoll_NoIdentity(t *testing.T) {
	p := NewPoller(Config{}, testLogger(), WithDialer(dialMock(newMockSession())))
	if _, err := p.Poll(context.Background(), Target{Address: "10.0.0.1"}); err == nil {
		t.Error("expected error for a device without identity")
	}
}

func TestPoll_DialError(t *testing.T) {
	p := NewPoller(Config{}, testLogger(), WithDialer(func(context.Context, Target, Config) (Session, func() error, error) {
		return nil, nil, errors.New("no route to host")
	}))
	if _, err := p.Poll(context.Background(), Target{Address: "10.0.0.1"}); err == nil {
		t.Error("expected dial error")
	}
}

func TestLLDPCapabilities(t *testing.T) {
	tests := []struct {
		bits []byte
		want uint16
	}{
		{nil, 0},
		{[]byte{0x80}, wire.LLDPCapOther},
		{[]byte{0x08}, wire.LLDPCapRouter},
		{[]byte{0x01}, wire.LLDPCapStation},
		{[]byte{0xff, 0x00}, 0x00ff},
	}
	for _, tt := range tests {
		if got := lldpCapabilities(tt.bits); got != tt.want {
			t.Errorf("lldpCapabilities(%x): expected %#x, got %#x", tt.bits, tt.want, got)
		}
	}
}

func TestRenderLLDPID(t *testing.T) {
	tests := []struct {
		name    string
		subtype int
		raw     []byte
		want    string
	}{
		{"mac", wire.ChassisSubtypeMAC, []byte{0, 1, 2, 3, 4, 5}, "00:01:02:03:04:05"},
		{"ipv4", wire.ChassisSubtypeNetworkAddress, []byte{1, 192, 0, 2, 1}, "192.0.2.1"},
		{"name", wire.ChassisSubtypeLocal, []byte("core-1\x00"), "core-1"},
		{"short mac", wire.ChassisSubtypeMAC, []byte{0, 1}, "\x00\x01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderLLDPID(tt.subtype, tt.raw, wire.ChassisSubtypeMAC, wire.ChassisSubtypeNetworkAddress)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSplitTarget(t *testing.T) {
	host, port, err := splitTarget("10.0.0.1")
	if err != nil || host != "10.0.0.1" || port != 161 {
		t.Errorf("expected default port, got %s:%d %v", host, port, err)
	}
	host, port, err = splitTarget("[2001:db8::1]:1161")
	if err != nil || host != "2001:db8::1" || port != 1161 {
		t.Errorf("unexpected %s:%d %v", host, port, err)
	}
	if _, _, err := splitTarget("10.0.0.1:http"); err == nil {
		t.Error("expected error for a non-numeric port")
	}
}

func TestRateTracker(t *testing.T) {
	r := NewRateTracker()
	t0 := time.Unix(1000, 0)

	if _, ok := r.Observe("a", 100, t0); ok {
		t.Error("expected first reading to prime only")
	}
	if bps, ok := r.Observe("a", 1100, t0.Add(time.Second)); !ok || bps != 8000 {
		t.Errorf("expected 8000 bps, got %v %v", bps, ok)
	}
	if _, ok := r.Observe("a", 1100, t0.Add(time.Second)); ok {
		t.Error("expected zero elapsed time to be rejected")
	}
	if _, ok := r.Observe("a", 50, t0.Add(2*time.Second)); ok {
		t.Error("expected a counter reset to re-prime")
	}
	if bps, ok := r.Observe("a", 50, t0.Add(3*time.Second)); !ok || bps != 0 {
		t.Errorf("expected 0 bps after reset, got %v %v", bps, ok)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 series, got %d", r.Len())
	}
}
