package main

import (
	"context"
	"fmt"

	"redeemd/native/rewards"
)

// staticPoolRegistry serves pool configuration loaded at startup. The pool
// table is immutable for the life of the process; operators restart to
// change payouts.
type staticPoolRegistry struct {
	pools map[string]*rewards.Pool
}

func newStaticPoolRegistry(cfgs []PoolConfig) *staticPoolRegistry {
	pools := make(map[string]*rewards.Pool, len(cfgs))
	for i := range cfgs {
		pool := cfgs[i].toPool()
		pools[pool.ID] = pool
	}
	return &staticPoolRegistry{pools: pools}
}

func (r *staticPoolRegistry) Pool(_ context.Context, id string) (*rewards.Pool, error) {
	pool, ok := r.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s not configured", id)
	}
	return pool, nil
}

func (r *staticPoolRegistry) all() []*rewards.Pool {
	pools := make([]*rewards.Pool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool)
	}
	return pools
}

// staticRoleRegistry resolves pool-scoped privilege grants from config.
// Unlisted actors get RoleNone.
type staticRoleRegistry struct {
	grants map[string]rewards.Role
}

func newStaticRoleRegistry(cfgs []RoleConfig) *staticRoleRegistry {
	grants := make(map[string]rewards.Role, len(cfgs))
	for _, grant := range cfgs {
		grants[grant.Pool+"\x00"+grant.Actor] = rewards.Role(grant.Role)
	}
	return &staticRoleRegistry{grants: grants}
}

func (r *staticRoleRegistry) Role(_ context.Context, actor, pool string) (rewards.Role, error) {
	if role, ok := r.grants[pool+"\x00"+actor]; ok {
		return role, nil
	}
	return rewards.RoleNone, nil
}
