// Package normalize maps protocol-specific discovery PDUs onto the neutral
// types.Advertisement shape.
//
// Each protocol is one entry in a decoder table: a function from raw frame bytes to
// an Advertisement. Adding a protocol means adding a table entry, nothing else.
// Normalization is pure; a frame either yields a complete advertisement or a
// *ParseError, never a partial one.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
	"github.com/pilot-net/topomon/pkg/wire"
)

// DefaultMDPHoldTime is assigned to MNDP announcements, which carry no TTL.
const DefaultMDPHoldTime = 120 * time.Second

// ParseError reports a frame that could not be normalized.
type ParseError struct {
	Protocol types.Protocol
	Reason   string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s frame: %s: %v", e.Protocol, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s frame: %s", e.Protocol, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsParseError reports whether err is (or wraps) a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Options tunes protocol-specific defaults.
type Options struct {
	// MDPHoldTime is the TTL given to MNDP advertisements.
	MDPHoldTime time.Duration
}

// Normalizer converts frames to advertisements.
type Normalizer struct {
	decoders map[types.Protocol]decodeFunc
}

type decodeFunc func(payload []byte) (types.Advertisement, error)

// New returns a Normalizer for all supported protocols.
func New(opts Options) *Normalizer {
	if opts.MDPHoldTime <= 0 {
		opts.MDPHoldTime = DefaultMDPHoldTime
	}
	return &Normalizer{
		decoders: map[types.Protocol]decodeFunc{
			types.ProtocolLLDP: fromLLDP,
			types.ProtocolCDP:  fromCDP,
			types.ProtocolMDP:  mndpDecoder(opts.MDPHoldTime),
		},
	}
}

// Normalize decodes frame.Payload according to frame.Protocol and fills in the
// receiving-side fields from the frame envelope.
func (n *Normalizer) Normalize(frame types.Frame) (types.Advertisement, error) {
	decode, ok := n.decoders[frame.Protocol]
	if !ok {
		return types.Advertisement{}, &ParseError{Protocol: frame.Protocol, Reason: "unsupported protocol"}
	}
	if frame.Interface == "" {
		return types.Advertisement{}, &ParseError{Protocol: frame.Protocol, Reason: "frame has no receiving interface"}
	}

	adv, err := decode(frame.Payload)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return types.Advertisement{}, err
		}
		return types.Advertisement{}, &ParseError{Protocol: frame.Protocol, Reason: "malformed pdu", Err: err}
	}

	adv.Protocol = frame.Protocol
	adv.SourceInterface = frame.Interface
	adv.LocalChassisID = frame.LocalChassisID
	adv.LocalSystemName = frame.LocalSystemName
	adv.ObservedAt = frame.ReceivedAt
	if adv.ObservedAt.IsZero() {
		adv.ObservedAt = time.Now()
	}
	return adv, nil
}

// Normalize is a convenience wrapper using default options.
func Normalize(frame types.Frame) (types.Advertisement, error) {
	return New(Options{}).Normalize(frame)
}

// =============================================================================
// LLDP
// =============================================================================

var lldpCapabilities = []struct {
	bit uint16
	cap types.Capability
}{
	{wire.LLDPCapOther, types.CapabilityOther},
	{wire.LLDPCapRepeater, types.CapabilityRepeater},
	{wire.LLDPCapBridge, types.CapabilityBridge},
	{wire.LLDPCapWLAN, types.CapabilityWLAN},
	{wire.LLDPCapRouter, types.CapabilityRouter},
	{wire.LLDPCapTelephone, types.CapabilityTelephone},
	{wire.LLDPCapDOCSIS, types.CapabilityDOCSIS},
	{wire.LLDPCapStation, types.CapabilityStation},
}

func fromLLDP(payload []byte) (types.Advertisement, error) {
	pdu, err := wire.DecodeLLDP(payload)
	if err != nil {
		return types.Advertisement{}, &ParseError{Protocol: types.ProtocolLLDP, Reason: "malformed lldpdu", Err: err}
	}

	adv := types.Advertisement{
		RemoteChassisID:   normalizeID(pdu.ChassisID),
		RemoteInterfaceID: pdu.PortID,
		RemoteSystemName:  pdu.SystemName,
		SystemDescription: pdu.SystemDescription,
		Addresses:         pdu.ManagementAddresses,
		// TTL 0 is a shutdown LLDPDU: surfaced as a withdrawal.
		TTLSeconds: int(pdu.TTL),
	}
	if adv.RemoteChassisID == "" {
		return types.Advertisement{}, &ParseError{Protocol: types.ProtocolLLDP, Reason: "empty chassis id"}
	}
	if pdu.HasCapabilities {
		for _, m := range lldpCapabilities {
			if pdu.EnabledCapabilities&m.bit != 0 {
				adv.Capabilities = append(adv.Capabilities, m.cap)
			}
		}
	}
	adv.Platform, adv.SoftwareVersion = splitSystemDescription(pdu.SystemDescription)
	return adv, nil
}

// =============================================================================
// CDP
// =============================================================================

var cdpCapabilities = []struct {
	bit uint32
	cap types.Capability
}{
	{wire.CDPCapRouter, types.CapabilityRouter},
	{wire.CDPCapTransBridge, types.CapabilityBridge},
	{wire.CDPCapSourceRouteBrdg, types.CapabilityBridge},
	{wire.CDPCapSwitch, types.CapabilityBridge},
	{wire.CDPCapHost, types.CapabilityStation},
	{wire.CDPCapRepeater, types.CapabilityRepeater},
	{wire.CDPCapPhone, types.CapabilityTelephone},
}

func fromCDP(payload []byte) (types.Advertisement, error) {
	pdu, err := wire.DecodeCDP(payload)
	if err != nil {
		return types.Advertisement{}, &ParseError{Protocol: types.ProtocolCDP, Reason: "malformed cdp packet", Err: err}
	}
	// CDP has no withdrawal frame; a zero holdtime is simply invalid.
	if pdu.HoldTime == 0 {
		return types.Advertisement{}, &ParseError{Protocol: types.ProtocolCDP, Reason: "holdtime is zero"}
	}

	adv := types.Advertisement{
		RemoteChassisID:   normalizeID(pdu.DeviceID),
		RemoteInterfaceID: pdu.PortID,
		RemoteSystemName:  cdpSystemName(pdu.DeviceID),
		Platform:          pdu.Platform,
		SoftwareVersion:   firstLine(pdu.SoftwareVersion),
		SystemDescription: pdu.SoftwareVersion,
		Addresses:         pdu.Addresses,
		TTLSeconds:        int(pdu.HoldTime),
	}
	if pdu.HasCapabilities {
		seen := make(map[types.Capability]bool)
		for _, m := range cdpCapabilities {
			if pdu.Capabilities&m.bit != 0 && !seen[m.cap] {
				seen[m.cap] = true
				adv.Capabilities = append(adv.Capabilities, m.cap)
			}
		}
	}
	return adv, nil
}

// cdpSystemName strips serial-number suffixes some platforms append to the
// device id, e.g. "sw1.example.net(FOC1234X0AB)".
func cdpSystemName(deviceID string) string {
	if i := strings.IndexByte(deviceID, '('); i > 0 {
		return deviceID[:i]
	}
	return deviceID
}

// =============================================================================
// MDP (MNDP)
// =============================================================================

func mndpDecoder(hold time.Duration) decodeFunc {
	return func(payload []byte) (types.Advertisement, error) {
		pdu, err := wire.DecodeMNDP(payload)
		if err != nil {
			return types.Advertisement{}, &ParseError{Protocol: types.ProtocolMDP, Reason: "malformed mndp announcement", Err: err}
		}

		adv := types.Advertisement{
			RemoteChassisID:   normalizeID(pdu.MAC),
			RemoteInterfaceID: pdu.Interface,
			RemoteSystemName:  pdu.Identity,
			Platform:          strings.TrimSpace(pdu.Platform + " " + pdu.Board),
			SoftwareVersion:   pdu.Version,
			// RouterOS only announces from routing-capable devices.
			Capabilities: []types.Capability{types.CapabilityRouter},
			TTLSeconds:   int(hold / time.Second),
		}
		if pdu.IPv4 != "" {
			adv.Addresses = append(adv.Addresses, pdu.IPv4)
		}
		if pdu.IPv6 != "" {
			adv.Addresses = append(adv.Addresses, pdu.IPv6)
		}
		return adv, nil
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// normalizeID lower-cases and trims identifiers so the same chassis reported by
// different protocols compares equal.
func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// splitSystemDescription extracts a platform and version hint from an LLDP
// system description such as "Cisco IOS Software, C3750E Software ..., Version 15.2(4)E7, ...".
func splitSystemDescription(desc string) (platform, version string) {
	line := firstLine(desc)
	if line == "" {
		return "", ""
	}
	lower := strings.ToLower(line)
	if i := strings.Index(lower, "version "); i >= 0 {
		rest := line[i+len("version "):]
		if j := strings.IndexAny(rest, ", "); j >= 0 {
			rest = rest[:j]
		}
		version = rest
	}
	platform = line
	if i := strings.IndexByte(line, ','); i > 0 {
		platform = line[:i]
	}
	return strings.TrimSpace(platform), strings.TrimSpace(version)
}
