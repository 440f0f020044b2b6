package rivulet

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultLockStripes = 64

// keyLock serializes state mutation per key via hash-striped mutexes. Two
// keys hashing to different stripes never contend; two concurrent writers of
// one key always do, which is what gives windows and joins their single
// logical writer per key.
type keyLock struct {
	stripes []sync.Mutex
}

func newKeyLock(n int) *keyLock {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &keyLock{stripes: make([]sync.Mutex, n)}
}

func (l *keyLock) lock(key []byte) func() {
	m := &l.stripes[murmur3.Sum32(key)%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
