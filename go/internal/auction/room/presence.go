package room

import (
	"github.com/mcdev12/gavel/go/internal/auction/broadcast"
)

// presence is the set of sessions joined to a room. The viewer count is always derived from it.
type presence struct {
	members map[string]broadcast.Member
	list    []broadcast.Member
}

func newPresence() presence {
	return presence{members: make(map[string]broadcast.Member)}
}

func (p *presence) has(sessionID string) bool {
	_, ok := p.members[sessionID]
	return ok
}

func (p *presence) join(m broadcast.Member) bool {
	if p.has(m.SessionID()) {
		return false
	}
	p.members[m.SessionID()] = m
	p.list = append(p.list, m)
	return true
}

func (p *presence) leave(sessionID string) bool {
	if !p.has(sessionID) {
		return false
	}
	delete(p.members, sessionID)
	for i, m := range p.list {
		if m.SessionID() == sessionID {
			p.list = append(p.list[:i:i], p.list[i+1:]...)
			break
		}
	}
	return true
}

func (p *presence) count() int {
	return len(p.members)
}

// snapshot returns the member list for a single publish. The slice is never mutated in place.
func (p *presence) snapshot() []broadcast.Member {
	return p.list
}
