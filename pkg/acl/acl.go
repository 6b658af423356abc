// Package acl maintains the set of known anonymizing proxy addresses.
// The set is replaced atomically on refresh: readers always observe a
// complete snapshot, never a partially-built one.
package acl

import (
	"net/netip"
	"strings"
	"sync/atomic"

	"github.com/phemmer/go-iptrie"

	"github.com/sentrywall/sentrywall/pkg/netkit"
)

type snapshot struct {
	exact map[string]struct{}
	nets  *iptrie.Trie
}

// List is the multi-reader view over the refreshed address set.
// Contains is lock-free on the current snapshot.
type List struct {
	current atomic.Pointer[snapshot]
}

func NewList() *List {
	l := &List{}
	l.Replace(nil)
	return l
}

// Replace atomically swaps in a freshly built set. Entries may be bare
// IPs or CIDR ranges; blank lines and comments are skipped.
func (l *List) Replace(entries []string) {
	snap := &snapshot{
		exact: make(map[string]struct{}, len(entries)),
		nets:  iptrie.NewTrie(),
	}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		snap.exact[entry] = struct{}{}
		if prefix, err := netip.ParsePrefix(netkit.AppendCIDR(entry)); err == nil {
			snap.nets.Insert(prefix, struct{}{})
		}
	}
	l.current.Store(snap)
}

// Contains reports whether the IP is on the anonymizing list, either as
// an exact entry or within a listed range.
func (l *List) Contains(ip string) bool {
	snap := l.current.Load()
	if _, ok := snap.exact[ip]; ok {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return snap.nets.Find(addr) != nil
}

// Len returns the number of exact entries in the current snapshot.
func (l *List) Len() int {
	return len(l.current.Load().exact)
}
