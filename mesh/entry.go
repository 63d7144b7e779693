package mesh

import (
	"strings"
	"time"
)

// UnitID identifies a registered Unit. The reserved IngestPrincipal names
// external collaborators submitting through the ingest API.
type UnitID string

// IngestPrincipal is the writer identity recorded for mutations submitted
// through Engine.SubmitMutation rather than by a registered Unit. ACL
// manifests may grant it per namespace like any other ID.
const IngestPrincipal UnitID = "ingest"

// MeshEntry is one versioned key in the store. Version strictly increases on
// every successful write; a version moving backward is store corruption and
// halts the Reactor.
type MeshEntry struct {
	Key           string
	Value         any
	Version       uint64
	LastWrittenBy UnitID
	WrittenAt     time.Time
}

// Versioned pairs a value with the version it was read at. Values are treated
// as immutable once submitted; the store never mutates them in place.
type Versioned struct {
	Value   any
	Version uint64
}

// Write is a single buffered mutation: a compare-and-set against the version
// the writer observed in its Snapshot. ExpectedVersion 0 means the key must
// not exist yet.
type Write struct {
	Key             string
	Value           any
	ExpectedVersion uint64
}

// Namespace returns the ACL namespace of a key: the segment before the first
// '/'. A key without a separator is its own namespace.
func Namespace(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}
