package engine

import (
	"fmt"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type ringMember string

func (m ringMember) String() string { return string(m) }

type xxHasher struct{}

func (xxHasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// TenantRing делит тенантов между инстансами планировщика консистентным хешированием:
// каждый тик обходит только "своих" тенантов, при смене состава переезжает минимум.
type TenantRing struct {
	self string
	ring *consistent.Consistent
}

// NewTenantRing: пустой members означает единственный инстанс, владеющий всеми.
func NewTenantRing(self string, members []string) (*TenantRing, error) {
	if len(members) == 0 {
		return &TenantRing{self: self}, nil
	}

	seen := make(map[string]struct{}, len(members))
	list := make([]consistent.Member, 0, len(members))
	for _, m := range members {
		if _, dup := seen[m]; dup || m == "" {
			continue
		}
		seen[m] = struct{}{}
		list = append(list, ringMember(m))
	}
	if _, ok := seen[self]; !ok {
		return nil, fmt.Errorf("sharding: instance %q is not in members %v", self, members)
	}

	ring := consistent.New(list, consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            xxHasher{},
	})
	return &TenantRing{self: self, ring: ring}, nil
}

// Owner возвращает инстанс, отвечающий за тенанта.
func (r *TenantRing) Owner(tenantID string) string {
	if r == nil {
		return ""
	}
	if r.ring == nil {
		return r.self
	}
	return r.ring.LocateKey([]byte(tenantID)).String()
}

func (r *TenantRing) Owns(tenantID string) bool {
	if r == nil || r.ring == nil {
		return true
	}
	return r.Owner(tenantID) == r.self
}
