package mesh

// accessDenial records one ACL violation for the security trace.
type accessDenial struct {
	key string
	op  string
}

// Handle is the live Mesh view a Unit's action works through. Reads come
// from the Unit's Snapshot (so trigger and action share one consistent
// view); writes are buffered and committed as one unit only if every CAS —
// against the version captured in the Snapshot — succeeds. A Unit therefore
// never observes or leaks a partial mutation.
type Handle struct {
	unitID  UnitID
	snap    *Snapshot
	acl     *ACLRegistry
	writes  []Write
	wrote   map[string]int // key → index into writes, last write wins
	denials []accessDenial
}

func newHandle(unitID UnitID, snap *Snapshot, acl *ACLRegistry) *Handle {
	return &Handle{unitID: unitID, snap: snap, acl: acl, wrote: make(map[string]int)}
}

// UnitID returns the acting Unit's identity.
func (h *Handle) UnitID() UnitID {
	return h.unitID
}

// Snapshot returns the immutable view this execution was admitted with.
func (h *Handle) Snapshot() *Snapshot {
	return h.snap
}

// Get reads key from the execution's Snapshot, with read-your-writes over
// values buffered by a prior Set in the same action. Returns ErrAccessDenied
// (and records a security event) for keys outside the Unit's read grant.
func (h *Handle) Get(key string) (Versioned, bool, error) {
	if !h.acl.CanRead(h.unitID, key) {
		h.denials = append(h.denials, accessDenial{key: key, op: "read"})
		return Versioned{}, false, &AccessDeniedError{Unit: h.unitID, Key: key, Op: "read"}
	}
	if i, ok := h.wrote[key]; ok {
		return Versioned{Value: h.writes[i].Value, Version: h.snap.Version(key)}, true, nil
	}
	v, ok := h.snap.Get(key)
	return v, ok, nil
}

// Set buffers a write of key. The CAS expected version is the one captured
// in the Snapshot (0 for keys absent there), so a concurrent commit to any
// written key fails the whole action. Returns ErrAccessDenied (and records a
// security event) for keys outside the Unit's write grant.
func (h *Handle) Set(key string, value any) error {
	if !h.acl.CanWrite(h.unitID, key) {
		h.denials = append(h.denials, accessDenial{key: key, op: "write"})
		return &AccessDeniedError{Unit: h.unitID, Key: key, Op: "write"}
	}
	w := Write{Key: key, Value: value, ExpectedVersion: h.snap.Version(key)}
	if i, ok := h.wrote[key]; ok {
		h.writes[i] = w
		return nil
	}
	h.wrote[key] = len(h.writes)
	h.writes = append(h.writes, w)
	return nil
}

// pending returns the buffered writes in Set order.
func (h *Handle) pending() []Write {
	return h.writes
}

// diff returns the before (snapshot) and after (buffered) values of every
// key the action wrote, for the mutation trace.
func (h *Handle) diff() (keys []string, before, after map[string]any) {
	if len(h.writes) == 0 {
		return nil, nil, nil
	}
	keys = make([]string, 0, len(h.writes))
	before = make(map[string]any, len(h.writes))
	after = make(map[string]any, len(h.writes))
	for _, w := range h.writes {
		keys = append(keys, w.Key)
		if v, ok := h.snap.Get(w.Key); ok {
			before[w.Key] = v.Value
		}
		after[w.Key] = w.Value
	}
	return keys, before, after
}
