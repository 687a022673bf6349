package invalidate

import (
	"sort"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
)

// AccountScope is the set of accounts affected by an invalidation: either
// every account (All) or a specific set. The zero value is an empty specific
// set, which is distinct from All.
type AccountScope struct {
	all   bool
	codes map[master.AccountingCode]struct{}
}

// AllAccounts returns the scope covering every account.
func AllAccounts() AccountScope {
	return AccountScope{all: true}
}

// Accounts returns a scope covering exactly the given accounts.
func Accounts(codes ...master.AccountingCode) AccountScope {
	s := AccountScope{codes: make(map[master.AccountingCode]struct{}, len(codes))}
	for _, c := range codes {
		s.codes[c] = struct{}{}
	}
	return s
}

// IsAll reports whether the scope covers every account.
func (s AccountScope) IsAll() bool { return s.all }

// Contains reports whether the scope covers the given account.
func (s AccountScope) Contains(code master.AccountingCode) bool {
	if s.all {
		return true
	}
	_, ok := s.codes[code]
	return ok
}

// Codes returns the specific accounts in sorted order. It returns nil when
// the scope is All; callers must check IsAll first.
func (s AccountScope) Codes() []master.AccountingCode {
	if s.all {
		return nil
	}
	out := make([]master.AccountingCode, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of specific accounts, or 0 for All.
func (s AccountScope) Len() int { return len(s.codes) }

// merge unions other into the receiver's entry state. All absorbs: once an
// entry is All, further specific adds are no-ops and it never downgrades.
func (s *AccountScope) merge(other AccountScope) {
	if s.all {
		return
	}
	if other.all {
		s.all = true
		s.codes = nil
		return
	}
	if s.codes == nil {
		s.codes = make(map[master.AccountingCode]struct{}, len(other.codes))
	}
	for c := range other.codes {
		s.codes[c] = struct{}{}
	}
}

// HostScope is the set of hosts affected by an invalidation: either every
// host (All) or a specific set. The zero value is an empty specific set.
type HostScope struct {
	all   bool
	hosts map[master.HostID]struct{}
}

// AllHosts returns the scope covering every host.
func AllHosts() HostScope {
	return HostScope{all: true}
}

// Hosts returns a scope covering exactly the given hosts.
func Hosts(ids ...master.HostID) HostScope {
	s := HostScope{hosts: make(map[master.HostID]struct{}, len(ids))}
	for _, id := range ids {
		s.hosts[id] = struct{}{}
	}
	return s
}

// IsAll reports whether the scope covers every host.
func (s HostScope) IsAll() bool { return s.all }

// Contains reports whether the scope covers the given host.
func (s HostScope) Contains(id master.HostID) bool {
	if s.all {
		return true
	}
	_, ok := s.hosts[id]
	return ok
}

// IDs returns the specific hosts in sorted order, or nil for All.
func (s HostScope) IDs() []master.HostID {
	if s.all {
		return nil
	}
	out := make([]master.HostID, 0, len(s.hosts))
	for id := range s.hosts {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of specific hosts, or 0 for All.
func (s HostScope) Len() int { return len(s.hosts) }

func (s *HostScope) merge(other HostScope) {
	if s.all {
		return
	}
	if other.all {
		s.all = true
		s.hosts = nil
		return
	}
	if s.hosts == nil {
		s.hosts = make(map[master.HostID]struct{}, len(other.hosts))
	}
	for id := range other.hosts {
		s.hosts[id] = struct{}{}
	}
}
