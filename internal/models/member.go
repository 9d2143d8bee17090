package models

// Member is a registered caller identity. ID 0 is reserved for the owner
// created by the one-time init; every other member gets a strictly positive
// id from the counters record. Token is an opaque random credential compared
// verbatim on every request.
type Member struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// IsOwner reports whether this is the reserved owner identity.
func (m Member) IsOwner() bool { return m.ID == 0 }

// UpstreamKey is a credential for the proxied upstream API. Keys are never
// mutated in place; one is picked uniformly at random per forwarded request.
type UpstreamKey struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Counters is the singleton record driving id allocation. Each field holds
// the highest id ever allocated in its family; ids are never reused.
type Counters struct {
	MemberSeq int `json:"user_id_count"`
	KeySeq    int `json:"key_id_count"`
}
