package registry

import (
	"strings"

	"github.com/pilot-net/topomon/pkg/types"
)

func guessVendor(adv types.Advertisement) string {
	l := strings.ToLower(adv.Platform + " " + adv.SystemDescription)
	switch {
	case strings.Contains(l, "cisco"):
		return "cisco"
	case strings.Contains(l, "aruba"), strings.Contains(l, "hewlett"), strings.Contains(l, "hpe"):
		return "aruba"
	case strings.Contains(l, "juniper"), strings.Contains(l, "junos"):
		return "juniper"
	case strings.Contains(l, "mikrotik"), strings.Contains(l, "routeros"):
		return "mikrotik"
	case strings.Contains(l, "arista"):
		return "arista"
	case strings.Contains(l, "huawei"):
		return "huawei"
	case strings.Contains(l, "fortinet"):
		return "fortinet"
	}
	// Protocol-implied vendors when the PDU carried no description.
	switch adv.Protocol {
	case types.ProtocolCDP:
		return "cisco"
	case types.ProtocolMDP:
		return "mikrotik"
	}
	return ""
}
