package mesh

import (
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// Wildcard grants a reader or writer slot to every principal.
const Wildcard UnitID = "*"

// ACLRule is the resolved grant set for one namespace. Writers implicitly
// hold read access.
type ACLRule struct {
	Readers  map[UnitID]struct{}
	Writers  map[UnitID]struct{}
	ReadOnly bool
}

// ACLRegistry maps key namespaces to reader/writer sets. Lookups are O(1):
// one map access on the key's namespace prefix. Unknown namespaces deny.
type ACLRegistry struct {
	rules map[string]*ACLRule
}

// aclManifest is the on-disk TOML shape:
//
//	[namespaces.content]
//	readers = ["renderer"]
//	writers = ["editor", "ingest"]
//
//	[namespaces.archive]
//	readers = ["*"]
//	read_only = true
type aclManifest struct {
	Namespaces map[string]aclManifestRule `toml:"namespaces"`
}

type aclManifestRule struct {
	Readers  []string `toml:"readers"`
	Writers  []string `toml:"writers"`
	ReadOnly bool     `toml:"read_only"`
}

// LoadACLManifest reads and validates a TOML manifest from path.
func LoadACLManifest(path string) (*ACLRegistry, error) {
	var m aclManifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("acl manifest %s: %w", path, err)
	}
	return buildACL(m)
}

// ParseACLManifest parses and validates a TOML manifest from memory.
func ParseACLManifest(data []byte) (*ACLRegistry, error) {
	var m aclManifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("acl manifest: %w", err)
	}
	return buildACL(m)
}

func buildACL(m aclManifest) (*ACLRegistry, error) {
	reg := &ACLRegistry{rules: make(map[string]*ACLRule, len(m.Namespaces))}
	// Sorted iteration so validation errors are deterministic.
	names := make([]string, 0, len(m.Namespaces))
	for ns := range m.Namespaces {
		names = append(names, ns)
	}
	sort.Strings(names)
	for _, ns := range names {
		r := m.Namespaces[ns]
		if len(r.Writers) == 0 && !r.ReadOnly {
			return nil, fmt.Errorf("acl manifest: namespace %q has no writers and is not marked read_only", ns)
		}
		if len(r.Writers) > 0 && r.ReadOnly {
			return nil, fmt.Errorf("acl manifest: namespace %q is read_only but lists writers", ns)
		}
		rule := &ACLRule{
			Readers:  make(map[UnitID]struct{}, len(r.Readers)),
			Writers:  make(map[UnitID]struct{}, len(r.Writers)),
			ReadOnly: r.ReadOnly,
		}
		for _, id := range r.Readers {
			rule.Readers[UnitID(id)] = struct{}{}
		}
		for _, id := range r.Writers {
			rule.Writers[UnitID(id)] = struct{}{}
		}
		reg.rules[ns] = rule
	}
	return reg, nil
}

// CanRead reports whether unit may read key. Writers read implicitly.
func (r *ACLRegistry) CanRead(unit UnitID, key string) bool {
	rule, ok := r.rules[Namespace(key)]
	if !ok {
		return false
	}
	if _, ok := rule.Readers[unit]; ok {
		return true
	}
	if _, ok := rule.Readers[Wildcard]; ok {
		return true
	}
	return r.canWrite(rule, unit)
}

// CanWrite reports whether unit may write key.
func (r *ACLRegistry) CanWrite(unit UnitID, key string) bool {
	rule, ok := r.rules[Namespace(key)]
	if !ok {
		return false
	}
	return r.canWrite(rule, unit)
}

func (r *ACLRegistry) canWrite(rule *ACLRule, unit UnitID) bool {
	if rule.ReadOnly {
		return false
	}
	if _, ok := rule.Writers[unit]; ok {
		return true
	}
	_, ok := rule.Writers[Wildcard]
	return ok
}

// Namespaces returns the governed namespace names in sorted order.
func (r *ACLRegistry) Namespaces() []string {
	names := make([]string, 0, len(r.rules))
	for ns := range r.rules {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}
