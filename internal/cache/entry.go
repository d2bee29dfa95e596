package cache

import "time"

// Entry is an immutable snapshot of a committed cache entry. Changes go
// through the cache, which swaps in a new snapshot.
type Entry struct {
	// ID names the entry's files; ids are never reused.
	ID int64

	// KeyID is the identity of the key the entry is indexed under.
	KeyID string

	// CacheTime is when the entry was committed.
	CacheTime time.Time

	// Expires is when the entry stops being fresh.
	Expires time.Time

	// Size is the size of the body file; KeySize and HookSize are the
	// sizes of the serialized key and hook files.
	Size     int64
	KeySize  int64
	HookSize int64
}

// TotalSize is the number of bytes the entry accounts for.
func (e *Entry) TotalSize() int64 {
	return e.Size + e.KeySize + e.HookSize
}

// Expired reports whether the entry's expiry time has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Expires.IsZero() && e.Expires.Before(now)
}

func (e *Entry) with(fn func(*Entry)) *Entry {
	c := *e
	fn(&c)
	return &c
}

// Pending is an entry that has been reserved but not committed. The
// caller streams the body to TempPath, sets the hook and commits.
type Pending[K, V any] struct {
	ID       int64
	Key      K
	Hook     V
	Expires  time.Time
	TempPath string
}
