package cache

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	indexName    = "cache.index"
	indexMagic   = "BRWI"
	indexVersion = uint16(1)

	// maxKeyIDLength guards against allocating from a corrupt length.
	maxKeyIDLength = 1 << 20
)

var errCorruptIndex = errors.New("corrupt cache index")

// indexState is what the index file holds. Entries are listed in
// insertion order, which is also the eviction order.
type indexState struct {
	nextID  int64
	total   int64
	entries []*Entry
}

// writeIndex stores st gzip-compressed at path, going through a
// temporary file and a rename so a crash never leaves a truncated index.
func writeIndex(path string, st indexState) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if err := encodeIndex(f, st); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encodeIndex(w io.Writer, st indexState) error {
	zw := gzip.NewWriter(w)
	bw := bufio.NewWriter(zw)

	put := func(v any) error {
		return binary.Write(bw, binary.BigEndian, v)
	}

	if _, err := bw.WriteString(indexMagic); err != nil {
		return err
	}
	header := []any{indexVersion, st.nextID, st.total, uint32(len(st.entries))}
	for _, v := range header {
		if err := put(v); err != nil {
			return err
		}
	}

	for _, e := range st.entries {
		if err := put(uint32(len(e.KeyID))); err != nil {
			return err
		}
		if _, err := bw.WriteString(e.KeyID); err != nil {
			return err
		}
		fields := []int64{e.ID, e.CacheTime.UnixNano(), unixNano(e.Expires), e.Size, e.KeySize, e.HookSize}
		if err := put(fields); err != nil {
			return err
		}
	}

	// insertion order, as ids
	if err := put(uint32(len(st.entries))); err != nil {
		return err
	}
	for _, e := range st.entries {
		if err := put(e.ID); err != nil {
			return err
		}
	}

	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// readIndex loads the index at path. Nothing is returned unless the whole
// file decodes and is consistent.
func readIndex(path string) (indexState, error) {
	f, err := os.Open(path)
	if err != nil {
		return indexState{}, err
	}
	defer f.Close()

	return decodeIndex(f)
}

func decodeIndex(r io.Reader) (indexState, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return indexState{}, fmt.Errorf("%w: %v", errCorruptIndex, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	get := func(v any) error {
		return binary.Read(br, binary.BigEndian, v)
	}

	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != indexMagic {
		return indexState{}, fmt.Errorf("%w: bad magic", errCorruptIndex)
	}

	var version uint16
	var st indexState
	var count uint32
	for _, v := range []any{&version, &st.nextID, &st.total, &count} {
		if err := get(v); err != nil {
			return indexState{}, fmt.Errorf("%w: header: %v", errCorruptIndex, err)
		}
	}
	if version != indexVersion {
		return indexState{}, fmt.Errorf("%w: unsupported version %d", errCorruptIndex, version)
	}

	byID := make(map[int64]*Entry, count)
	for i := uint32(0); i < count; i++ {
		var n uint32
		if err := get(&n); err != nil {
			return indexState{}, fmt.Errorf("%w: entry %d: %v", errCorruptIndex, i, err)
		}
		if n > maxKeyIDLength {
			return indexState{}, fmt.Errorf("%w: entry %d: key length %d", errCorruptIndex, i, n)
		}

		keyID := make([]byte, n)
		if _, err := io.ReadFull(br, keyID); err != nil {
			return indexState{}, fmt.Errorf("%w: entry %d: %v", errCorruptIndex, i, err)
		}

		var fields [6]int64
		if err := get(&fields); err != nil {
			return indexState{}, fmt.Errorf("%w: entry %d: %v", errCorruptIndex, i, err)
		}

		e := &Entry{
			ID:        fields[0],
			KeyID:     string(keyID),
			CacheTime: time.Unix(0, fields[1]),
			Expires:   fromUnixNano(fields[2]),
			Size:      fields[3],
			KeySize:   fields[4],
			HookSize:  fields[5],
		}
		if e.ID >= st.nextID {
			return indexState{}, fmt.Errorf("%w: entry id %d not below next id %d", errCorruptIndex, e.ID, st.nextID)
		}
		byID[e.ID] = e
	}

	var orderCount uint32
	if err := get(&orderCount); err != nil || orderCount != count {
		return indexState{}, fmt.Errorf("%w: order list", errCorruptIndex)
	}

	var total int64
	st.entries = make([]*Entry, 0, count)
	for i := uint32(0); i < orderCount; i++ {
		var id int64
		if err := get(&id); err != nil {
			return indexState{}, fmt.Errorf("%w: order list: %v", errCorruptIndex, err)
		}
		e, ok := byID[id]
		if !ok {
			return indexState{}, fmt.Errorf("%w: order list names unknown id %d", errCorruptIndex, id)
		}
		delete(byID, id)
		st.entries = append(st.entries, e)
		total += e.TotalSize()
	}

	if total != st.total {
		return indexState{}, fmt.Errorf("%w: total %d does not match entries %d", errCorruptIndex, st.total, total)
	}
	return st, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
