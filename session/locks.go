package session

import (
	"hash/maphash"
	"sync"
)

// playerLockStripes must be a power of two.
const playerLockStripes = 64

// playerLocks serializes lifecycle operations per player. Players hashing to
// the same stripe share a mutex.
type playerLocks struct {
	seed    maphash.Seed
	stripes [playerLockStripes]sync.Mutex
}

func newPlayerLocks() *playerLocks {
	return &playerLocks{seed: maphash.MakeSeed()}
}

func (l *playerLocks) lock(playerID string) func() {
	m := &l.stripes[maphash.String(l.seed, playerID)&(playerLockStripes-1)]
	m.Lock()
	return m.Unlock
}
