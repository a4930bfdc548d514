package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/maidsafe/temp-safe-network-sub015/internal/errs"
)

// DefaultMaxCapacity is the storage a node offers unless configured.
const DefaultMaxCapacity = 10 << 30

const UsedSpaceFile = "used_space"

// StorageLevel is used/max in tenths, 0..10.
type StorageLevel uint8

func LevelFor(used, max uint64) StorageLevel {
	if max == 0 {
		return 10
	}
	l := used * 10 / max
	if l > 10 {
		l = 10
	}
	return StorageLevel(l)
}

// UsedSpace is the node-wide counter shared by every store. When backed by
// a file, the total is persisted as a big-endian u64 after every change.
type UsedSpace struct {
	mu        sync.Mutex
	max       uint64
	total     uint64
	path      string
	lastLevel StorageLevel
}

func NewUsedSpace(max uint64) *UsedSpace {
	return &UsedSpace{max: max}
}

// OpenUsedSpace loads the persisted counter, rebuilding it with rebuild
// when the file is absent or unreadable.
func OpenUsedSpace(path string, max uint64, rebuild func() (uint64, error)) (*UsedSpace, error) {
	u := &UsedSpace{max: max, path: path}
	b, err := os.ReadFile(path)
	if err == nil && len(b) == 8 {
		u.total = binary.BigEndian.Uint64(b)
	} else {
		total, err := rebuild()
		if err != nil {
			return nil, fmt.Errorf("rebuild used space: %w", err)
		}
		u.total = total
		if err := u.persist(); err != nil {
			return nil, err
		}
	}
	u.lastLevel = LevelFor(u.total, u.max)
	return u, nil
}

func (u *UsedSpace) persist() error {
	if u.path == "" {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u.total)
	return writeFileAtomic(u.path, b[:])
}

func (u *UsedSpace) Flush() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.persist()
}

// Reserve claims n bytes or fails with errs.ErrCapacityExceeded. A claim
// that cannot be persisted is not kept.
func (u *UsedSpace) Reserve(n uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.total+n > u.max {
		return fmt.Errorf("%w: %d + %d > %d", errs.ErrCapacityExceeded, u.total, n, u.max)
	}
	u.total += n
	if err := u.persist(); err != nil {
		u.total -= n
		return fmt.Errorf("persist used space: %w", err)
	}
	return nil
}

func (u *UsedSpace) Release(n uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n > u.total {
		n = u.total
	}
	u.total -= n
	_ = u.persist()
}

func (u *UsedSpace) Total() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.total
}

func (u *UsedSpace) Max() uint64 { return u.max }

func (u *UsedSpace) Level() StorageLevel {
	u.mu.Lock()
	defer u.mu.Unlock()
	return LevelFor(u.total, u.max)
}

// LevelChanged returns the current level and whether it differs from the
// level last returned here.
func (u *UsedSpace) LevelChanged() (StorageLevel, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l := LevelFor(u.total, u.max)
	if l == u.lastLevel {
		return l, false
	}
	u.lastLevel = l
	return l, true
}
