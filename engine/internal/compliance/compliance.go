// Package compliance evaluates devices against a compliance profile.
//
// # Scoring
//
// A profile is a list of weighted categories. Each category that applies to a
// device scores 0 or 100; the device score is the weighted mean of the applicable
// categories. A device is compliant when its score reaches the profile threshold.
// Categories that cannot be judged from discovery data (e.g. no software version
// advertised) are skipped, and a device with no applicable category stays unknown.
//
// # Example Profile
//
//	name: default
//	threshold: 75
//	categories:
//	  - name: Security Patch Level
//	    weight: 2
//	    rule:
//	      type: min_software_version
//	      min_versions:
//	        cisco: "15.2(7)"
//	        mikrotik: "7.12"
//	  - name: Configuration Compliance
//	    rule:
//	      type: hostname_pattern
//	      pattern: '^[a-z0-9-]+(\.[a-z0-9-]+)*$'
//	  - name: Access Control
//	    rule:
//	      type: forbidden_capabilities
//	      roles: [router]
//	      capabilities: [wlan_ap]
package compliance

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/topomon/pkg/types"
)

// RuleType selects how a category is evaluated.
type RuleType string

const (
	RuleMinSoftwareVersion    RuleType = "min_software_version"
	RuleHostnamePattern       RuleType = "hostname_pattern"
	RuleForbiddenCapabilities RuleType = "forbidden_capabilities"
	RuleAllowedVendors        RuleType = "allowed_vendors"
)

// Profile is a named set of scored categories.
type Profile struct {
	Name       string     `yaml:"name"`
	Threshold  float64    `yaml:"threshold"`
	Categories []Category `yaml:"categories"`
}

// Category is one scored compliance area.
type Category struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight,omitempty"` // defaults to 1
	Rule   Rule    `yaml:"rule"`
}

// Rule holds the parameters for every rule type; only the fields relevant to
// Type are read.
type Rule struct {
	Type         RuleType           `yaml:"type"`
	MinVersions  map[string]string  `yaml:"min_versions,omitempty"` // vendor -> minimum version
	Pattern      string             `yaml:"pattern,omitempty"`
	Capabilities []types.Capability `yaml:"capabilities,omitempty"`
	Roles        []types.DeviceRole `yaml:"roles,omitempty"` // empty = all roles
	Vendors      []string           `yaml:"vendors,omitempty"`
}

// DefaultProfile mirrors the categories the inventory team scores by hand.
func DefaultProfile() *Profile {
	return &Profile{
		Name:      "default",
		Threshold: 75,
		Categories: []Category{
			{
				Name:   "Security Patch Level",
				Weight: 2,
				Rule: Rule{
					Type: RuleMinSoftwareVersion,
					MinVersions: map[string]string{
						"cisco":    "15.2(7)",
						"juniper":  "21.2",
						"mikrotik": "7.12",
						"arista":   "4.28",
					},
				},
			},
			{
				Name: "Configuration Compliance",
				Rule: Rule{Type: RuleHostnamePattern, Pattern: `^[a-z0-9][a-z0-9-]*(\.[a-z0-9-]+)*$`},
			},
			{
				Name: "Access Control",
				Rule: Rule{
					Type:         RuleForbiddenCapabilities,
					Roles:        []types.DeviceRole{types.RoleRouter, types.RoleSwitch},
					Capabilities: []types.Capability{types.CapabilityWLAN},
				},
			},
		},
	}
}

// LoadProfile reads a YAML profile from disk.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading compliance profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile parses a YAML profile.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing compliance profile: %w", err)
	}
	return &p, nil
}

// CategoryResult is the outcome of one category.
type CategoryResult struct {
	Name    string  `json:"name"`
	Applied bool    `json:"applied"`
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Detail  string  `json:"detail,omitempty"`
}

// Result is the outcome of evaluating one device.
type Result struct {
	Status     types.ComplianceStatus `json:"status"`
	Score      float64                `json:"score"`
	Violations []string               `json:"violations,omitempty"`
	Categories []CategoryResult       `json:"categories"`
}

// Checker evaluates devices against a validated profile.
type Checker struct {
	profile  Profile
	patterns map[int]*regexp.Regexp
}

// NewChecker validates p and precompiles its patterns.
func NewChecker(p *Profile) (*Checker, error) {
	if p == nil {
		p = DefaultProfile()
	}
	if p.Threshold < 0 || p.Threshold > 100 {
		return nil, fmt.Errorf("threshold must be between 0 and 100, got %v", p.Threshold)
	}
	c := &Checker{profile: *p, patterns: make(map[int]*regexp.Regexp)}
	for i, cat := range p.Categories {
		if cat.Name == "" {
			return nil, fmt.Errorf("category %d has no name", i)
		}
		if cat.Weight < 0 {
			return nil, fmt.Errorf("category %q has negative weight", cat.Name)
		}
		switch cat.Rule.Type {
		case RuleMinSoftwareVersion, RuleForbiddenCapabilities, RuleAllowedVendors:
		case RuleHostnamePattern:
			re, err := regexp.Compile(cat.Rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("category %q: compiling pattern: %w", cat.Name, err)
			}
			c.patterns[i] = re
		default:
			return nil, fmt.Errorf("category %q: unknown rule type %q", cat.Name, cat.Rule.Type)
		}
	}
	return c, nil
}

// Profile returns the profile name.
func (c *Checker) Profile() string {
	return c.profile.Name
}

// Check evaluates d and returns its score, status and violated categories.
func (c *Checker) Check(d types.Device) Result {
	res := Result{Status: types.ComplianceUnknown}
	var weighted, total float64

	for i, cat := range c.profile.Categories {
		cr := c.evaluate(i, cat, d)
		res.Categories = append(res.Categories, cr)
		if !cr.Applied {
			continue
		}
		w := cat.Weight
		if w == 0 {
			w = 1
		}
		total += w
		weighted += w * cr.Score
		if !cr.Passed {
			res.Violations = append(res.Violations, cat.Name)
		}
	}

	if total == 0 {
		return res
	}
	res.Score = weighted / total
	if res.Score >= c.profile.Threshold {
		res.Status = types.ComplianceCompliant
	} else {
		res.Status = types.ComplianceNoncompliant
	}
	return res
}

func (c *Checker) evaluate(i int, cat Category, d types.Device) CategoryResult {
	cr := CategoryResult{Name: cat.Name}
	pass := func(ok bool, detail string) CategoryResult {
		cr.Applied, cr.Passed, cr.Detail = true, ok, detail
		if ok {
			cr.Score = 100
		}
		return cr
	}

	switch cat.Rule.Type {
	case RuleMinSoftwareVersion:
		floor, ok := cat.Rule.MinVersions[strings.ToLower(d.Vendor)]
		if !ok || d.Software == "" {
			return cr
		}
		v := extractVersion(d.Software)
		if v == "" {
			return cr
		}
		if CompareVersions(v, floor) < 0 {
			return pass(false, fmt.Sprintf("version %s below minimum %s", v, floor))
		}
		return pass(true, "")

	case RuleHostnamePattern:
		if d.DisplayName == "" {
			return cr
		}
		if !c.patterns[i].MatchString(d.DisplayName) {
			return pass(false, fmt.Sprintf("hostname %q does not match naming standard", d.DisplayName))
		}
		return pass(true, "")

	case RuleForbiddenCapabilities:
		if len(cat.Rule.Roles) > 0 && !containsRole(cat.Rule.Roles, d.Role) {
			return cr
		}
		for _, have := range d.Capabilities {
			for _, forbidden := range cat.Rule.Capabilities {
				if have == forbidden {
					return pass(false, fmt.Sprintf("capability %s not permitted for %s", have, d.Role))
				}
			}
		}
		return pass(true, "")

	case RuleAllowedVendors:
		if d.Vendor == "" {
			return cr
		}
		for _, v := range cat.Rule.Vendors {
			if strings.EqualFold(v, d.Vendor) {
				return pass(true, "")
			}
		}
		return pass(false, fmt.Sprintf("vendor %s not approved", d.Vendor))
	}
	return cr
}

func containsRole(roles []types.DeviceRole, r types.DeviceRole) bool {
	for _, have := range roles {
		if have == r {
			return true
		}
	}
	return false
}
