package auth

// Allowlist is the fixed set of sender identities permitted to interact.
// It is built once at startup and never mutated; reload affects only the
// menu, not access control.
type Allowlist struct {
	ids map[string]struct{}
}

// NewAllowlist builds the gate from the configured identity list. An empty
// list locks everyone out rather than opening the bot to the world.
func NewAllowlist(ids []string) *Allowlist {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return &Allowlist{ids: set}
}

// Allowed reports whether the sender may interact. Pure lookup, no side
// effects.
func (a *Allowlist) Allowed(senderID string) bool {
	_, ok := a.ids[senderID]
	return ok
}

// Size returns the number of allowed identities.
func (a *Allowlist) Size() int {
	return len(a.ids)
}
