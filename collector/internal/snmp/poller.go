// Package snmp polls neighbour tables and interface counters over SNMP and
// rebuilds them as discovery frames and metric samples.
//
// # Neighbour Tables
//
// LLDP-MIB lldpRemTable and CISCO-CDP-MIB cdpCacheTable rows are re-encoded
// as LLDPDUs and CDP packets with pkg/wire, so the engine ingests polled
// neighbours exactly like captured ones. Tables carry no TTL; every rebuilt
// advertisement gets the configured hold time, which must outlast the poll
// interval.
//
// # Counters
//
// IF-MIB ifHCInOctets/ifHCOutOctets are sampled each poll and converted to
// bit rates (if_in_bps, if_out_bps) by a RateTracker.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/pilot-net/topomon/pkg/types"
	"github.com/pilot-net/topomon/pkg/wire"
)

// Metric names emitted for interface counters.
const (
	MetricInBPS  = "if_in_bps"
	MetricOutBPS = "if_out_bps"
)

// Session is the subset of *gosnmp.GoSNMP used by the poller.
type Session interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	BulkWalk(rootOid string, walkFn gosnmp.WalkFunc) error
}

// V3Credentials holds SNMPv3 USM parameters.
type V3Credentials struct {
	User      string
	AuthProto string
	AuthPass  string
	PrivProto string
	PrivPass  string
}

// Target is one polled device. Credentials are already resolved.
type Target struct {
	Address   string // host or host:port
	Version   string // v2c or v3
	Community string
	V3        V3Credentials

	// Protocols limits the neighbour tables walked; empty walks LLDP and CDP.
	Protocols []types.Protocol
}

func (t Target) wants(p types.Protocol) bool {
	if len(t.Protocols) == 0 {
		return true
	}
	for _, q := range t.Protocols {
		if q == p {
			return true
		}
	}
	return false
}

// Config holds poller settings.
type Config struct {
	Timeout        time.Duration
	Retries        int
	MaxRepetitions uint32
	HoldTime       time.Duration
	Counters       bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        3 * time.Second,
		Retries:        1,
		MaxRepetitions: 20,
		HoldTime:       120 * time.Second,
		Counters:       true,
	}
}

// Dialer opens a session to a target. The returned func closes it.
type Dialer func(ctx context.Context, t Target, cfg Config) (Session, func() error, error)

// Result is what one poll of one target produced.
type Result struct {
	Target     string
	SystemName string
	ChassisID  string
	Frames     []types.Frame
	Samples    []types.MetricSample
}

// Poller polls targets.
type Poller struct {
	cfg    Config
	dial   Dialer
	rates  *RateTracker
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithDialer replaces the gosnmp dialer.
func WithDialer(d Dialer) Option {
	return func(p *Poller) { p.dial = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// NewPoller creates a poller.
func NewPoller(cfg Config, logger *slog.Logger, opts ...Option) *Poller {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRepetitions == 0 {
		cfg.MaxRepetitions = def.MaxRepetitions
	}
	if cfg.HoldTime <= 0 {
		cfg.HoldTime = def.HoldTime
	}
	p := &Poller{
		cfg:    cfg,
		dial:   Dial,
		rates:  NewRateTracker(),
		now:    time.Now,
		logger: logger.With("component", "snmp_poller"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dial connects a gosnmp session.
func Dial(ctx context.Context, t Target, cfg Config) (Session, func() error, error) {
	host, port, err := splitTarget(t.Address)
	if err != nil {
		return nil, nil, err
	}
	sn := &gosnmp.GoSNMP{
		Target:         host,
		Port:           port,
		Transport:      "udp",
		Timeout:        cfg.Timeout,
		Retries:        cfg.Retries,
		MaxOids:        gosnmp.MaxOids,
		MaxRepetitions: cfg.MaxRepetitions,
		Context:        ctx,
	}

	switch strings.ToLower(t.Version) {
	case "v3":
		sn.Version = gosnmp.Version3
		sn.SecurityModel = gosnmp.UserSecurityModel
		usm := &gosnmp.UsmSecurityParameters{UserName: t.V3.User}
		sn.MsgFlags = gosnmp.NoAuthNoPriv
		if t.V3.AuthPass != "" {
			usm.AuthenticationPassphrase = t.V3.AuthPass
			usm.AuthenticationProtocol = authProtocol(t.V3.AuthProto)
			sn.MsgFlags = gosnmp.AuthNoPriv
		}
		if t.V3.PrivPass != "" {
			usm.PrivacyPassphrase = t.V3.PrivPass
			usm.PrivacyProtocol = privProtocol(t.V3.PrivProto)
			sn.MsgFlags = gosnmp.AuthPriv
		}
		sn.SecurityParameters = usm
	default:
		sn.Version = gosnmp.Version2c
		sn.Community = t.Community
		if sn.Community == "" {
			sn.Community = "public"
		}
	}

	if err := sn.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", t.Address, err)
	}
	return sn, sn.Conn.Close, nil
}

func splitTarget(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 161, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, uint16(port), nil
}

func authProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToLower(name) {
	case "md5":
		return gosnmp.MD5
	case "sha256":
		return gosnmp.SHA256
	case "sha512":
		return gosnmp.SHA512
	default:
		return gosnmp.SHA
	}
}

func privProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToLower(name) {
	case "des":
		return gosnmp.DES
	default:
		return gosnmp.AES
	}
}

// Poll reads one target's neighbour tables and counters.
func (p *Poller) Poll(ctx context.Context, t Target) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sn, closeFn, err := p.dial(ctx, t, p.cfg)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	at := p.now()
	res := &Result{Target: t.Address}

	if err := p.readLocal(sn, res); err != nil {
		return nil, fmt.Errorf("reading system identity: %w", err)
	}
	ifNames := p.interfaceNames(sn)

	var errs []error
	if t.wants(types.ProtocolLLDP) {
		frames, err := p.pollLLDP(sn, res, ifNames, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("lldp: %w", err))
		}
		res.Frames = append(res.Frames, frames...)
	}
	if t.wants(types.ProtocolCDP) {
		frames, err := p.pollCDP(sn, res, ifNames, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("cdp: %w", err))
		}
		res.Frames = append(res.Frames, frames...)
	}
	if p.cfg.Counters {
		samples, err := p.pollCounters(sn, t.Address, res, ifNames, at)
		if err != nil {
			errs = append(errs, fmt.Errorf("counters: %w", err))
		}
		res.Samples = samples
	}

	p.logger.Debug("poll complete",
		"target", t.Address,
		"system_name", res.SystemName,
		"frames", len(res.Frames),
		"samples", len(res.Samples),
		"errors", len(errs))

	// Partial results are still useful; the caller ships them and logs.
	return res, errors.Join(errs...)
}

func (p *Poller) readLocal(sn Session, res *Result) error {
	pkt, err := sn.Get([]string{oidSysName, oidLLDPLocChassisIDSubtype, oidLLDPLocChassisID})
	if err != nil {
		return err
	}
	var subtype int
	var chassis []byte
	for _, v := range pkt.Variables {
		if !present(v) {
			continue
		}
		name := v.Name
		if !strings.HasPrefix(name, ".") {
			name = "." + name
		}
		switch name {
		case oidSysName:
			res.SystemName = pduString(v)
		case oidLLDPLocChassisIDSubtype:
			subtype = int(gosnmp.ToBigInt(v.Value).Int64())
		case oidLLDPLocChassisID:
			if b, ok := v.Value.([]byte); ok {
				chassis = b
			}
		}
	}
	if len(chassis) > 0 {
		res.ChassisID = renderLLDPID(subtype, chassis, wire.ChassisSubtypeMAC, wire.ChassisSubtypeNetworkAddress)
	}
	if res.SystemName == "" && res.ChassisID == "" {
		return errors.New("device reports neither sysName nor an LLDP chassis id")
	}
	return nil
}

// interfaceNames maps ifIndex to ifName, falling back to ifDescr.
func (p *Poller) interfaceNames(sn Session) map[int]string {
	names := make(map[int]string)
	_ = walkIndexed(sn, oidIfDescr, func(idx int, pdu gosnmp.SnmpPDU) {
		names[idx] = pduString(pdu)
	})
	_ = walkIndexed(sn, oidIfName, func(idx int, pdu gosnmp.SnmpPDU) {
		if s := pduString(pdu); s != "" {
			names[idx] = s
		}
	})
	return names
}

func (p *Poller) holdSeconds(max int) int {
	s := int(p.cfg.HoldTime / time.Second)
	if s > max {
		return max
	}
	return s
}

func (p *Poller) frame(proto types.Protocol, iface string, res *Result, payload []byte, at time.Time) types.Frame {
	return types.Frame{
		Protocol:        proto,
		Interface:       iface,
		LocalChassisID:  res.ChassisID,
		LocalSystemName: res.SystemName,
		Payload:         payload,
		ReceivedAt:      at,
	}
}

// =============================================================================
// LLDP
// =============================================================================

// localPorts resolves lldpLocPortNum to an interface name.
func (p *Poller) localPorts(sn Session, ifNames map[int]string) (map[int]string, error) {
	rows, err := walkTable(sn, oidLLDPLocPortTable)
	if err != nil {
		return nil, err
	}
	ports := make(map[int]string, len(rows))
	for idx, r := range rows {
		num := indexPart(idx, 0)
		switch r.int(lldpLocPortIDSubtype) {
		case wire.PortSubtypeInterfaceName, wire.PortSubtypeInterfaceAlias, wire.PortSubtypeLocal:
			if id := r.str(lldpLocPortID); id != "" {
				ports[num] = id
				continue
			}
		}
		if name := ifNames[num]; name != "" {
			ports[num] = name
		} else if desc := r.str(lldpLocPortDesc); desc != "" {
			ports[num] = desc
		}
	}
	return ports, nil
}

// remoteAddresses collects lldpRemManAddrTable addresses keyed by the remote
// row index (timeMark.localPortNum.remIndex). The address is encoded in the
// row index after the remote index: subtype.length.octets.
func remoteAddresses(sn Session) map[string][]string {
	rows, err := walkTable(sn, oidLLDPRemManAddrTable)
	if err != nil {
		return nil
	}
	out := make(map[string][]string)
	for idx := range rows {
		parts := strings.Split(idx, ".")
		if len(parts) < 5 {
			continue
		}
		family, _ := strconv.Atoi(parts[3])
		n, _ := strconv.Atoi(parts[4])
		if (family != 1 || n != 4) && (family != 2 || n != 16) || len(parts) != 5+n {
			continue
		}
		raw := make([]byte, n)
		for i := 0; i < n; i++ {
			b, _ := strconv.Atoi(parts[5+i])
			raw[i] = byte(b)
		}
		key := strings.Join(parts[:3], ".")
		out[key] = append(out[key], net.IP(raw).String())
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out
}

func (p *Poller) pollLLDP(sn Session, res *Result, ifNames map[int]string, at time.Time) ([]types.Frame, error) {
	rows, err := walkTable(sn, oidLLDPRemTable)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	ports, err := p.localPorts(sn, ifNames)
	if err != nil {
		return nil, err
	}
	addrs := remoteAddresses(sn)

	frames := make([]types.Frame, 0, len(rows))
	for idx, r := range rows {
		portNum := indexPart(idx, 1)
		iface := ports[portNum]
		if iface == "" {
			iface = fmt.Sprintf("port%d", portNum)
		}

		chassisSub := r.int(lldpRemChassisIDSubtype)
		portSub := r.int(lldpRemPortIDSubtype)
		pdu := &wire.LLDPDU{
			ChassisSubtype:      byte(chassisSub),
			ChassisID:           renderLLDPID(chassisSub, r.bytes(lldpRemChassisID), wire.ChassisSubtypeMAC, wire.ChassisSubtypeNetworkAddress),
			PortSubtype:         byte(portSub),
			PortID:              renderLLDPID(portSub, r.bytes(lldpRemPortID), wire.PortSubtypeMAC, wire.PortSubtypeNetworkAddress),
			TTL:                 uint16(p.holdSeconds(65535)),
			PortDescription:     r.str(lldpRemPortDesc),
			SystemName:          r.str(lldpRemSysName),
			SystemDescription:   r.str(lldpRemSysDesc),
			ManagementAddresses: addrs[idx],
		}
		if r.has(lldpRemSysCapSupported) {
			pdu.HasCapabilities = true
			pdu.Capabilities = lldpCapabilities(r.bytes(lldpRemSysCapSupported))
			pdu.EnabledCapabilities = lldpCapabilities(r.bytes(lldpRemSysCapEnabled))
		}

		payload, err := wire.EncodeLLDP(pdu)
		if err != nil {
			p.logger.Debug("skipping lldp neighbour", "index", idx, "error", err)
			continue
		}
		frames = append(frames, p.frame(types.ProtocolLLDP, iface, res, payload, at))
	}
	return frames, nil
}

// =============================================================================
// CDP
// =============================================================================

func (p *Poller) pollCDP(sn Session, res *Result, ifNames map[int]string, at time.Time) ([]types.Frame, error) {
	rows, err := walkTable(sn, oidCDPCacheTable)
	if err != nil {
		return nil, err
	}

	frames := make([]types.Frame, 0, len(rows))
	for idx, r := range rows {
		ifIndex := indexPart(idx, 0)
		iface := ifNames[ifIndex]
		if iface == "" {
			iface = fmt.Sprintf("ifIndex%d", ifIndex)
		}

		pdu := &wire.CDPPDU{
			Version:         2,
			HoldTime:        byte(p.holdSeconds(255)),
			DeviceID:        r.str(cdpCacheDeviceID),
			PortID:          r.str(cdpCacheDevicePort),
			SoftwareVersion: r.str(cdpCacheVersion),
			Platform:        r.str(cdpCachePlatform),
		}
		if caps, ok := cdpCapabilities(r.bytes(cdpCacheCapabilities)); ok {
			pdu.HasCapabilities = true
			pdu.Capabilities = caps
		}
		if addr := cdpAddress(r.int(cdpCacheAddressType), r.bytes(cdpCacheAddress)); addr != "" {
			pdu.Addresses = []string{addr}
		}

		payload, err := wire.EncodeCDP(pdu)
		if err != nil {
			p.logger.Debug("skipping cdp neighbour", "index", idx, "error", err)
			continue
		}
		frames = append(frames, p.frame(types.ProtocolCDP, iface, res, payload, at))
	}
	return frames, nil
}

// =============================================================================
// COUNTERS
// =============================================================================

func (p *Poller) pollCounters(sn Session, target string, res *Result, ifNames map[int]string, at time.Time) ([]types.MetricSample, error) {
	var samples []types.MetricSample
	for _, c := range []struct {
		oid    string
		metric string
	}{
		{oidIfHCInOctets, MetricInBPS},
		{oidIfHCOutOctets, MetricOutBPS},
	} {
		err := walkIndexed(sn, c.oid, func(idx int, pdu gosnmp.SnmpPDU) {
			octets := gosnmp.ToBigInt(pdu.Value).Uint64()
			key := fmt.Sprintf("%s|%d|%s", target, idx, c.metric)
			bps, ok := p.rates.Observe(key, octets, at)
			if !ok {
				return
			}
			iface := ifNames[idx]
			if iface == "" {
				iface = fmt.Sprintf("ifIndex%d", idx)
			}
			samples = append(samples, types.MetricSample{
				ChassisID:  res.ChassisID,
				SystemName: res.SystemName,
				Interface:  iface,
				Metric:     c.metric,
				Value:      bps,
				At:         at,
			})
		})
		if err != nil {
			return samples, err
		}
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Interface != samples[j].Interface {
			return samples[i].Interface < samples[j].Interface
		}
		return samples[i].Metric < samples[j].Metric
	})
	return samples, nil
}
