package cachefs

import "container/list"

// Index is an insertion-ordered mapping of external keys to FileInfo
// snapshots. It tracks the running total of entry sizes so callers can
// enforce a size bound during vacuum.
//
// Index is not safe for concurrent use; owners serialise access behind
// their own mutex so that swaps and removals are single uninterrupted
// steps with no torn reads.
type Index struct {
	order   *list.List               // of *FileInfo, oldest first
	entries map[string]*list.Element // key -> element in order
	size    int64
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the snapshot for key, or nil if the key is absent.
func (ix *Index) Get(key string) *FileInfo {
	el, ok := ix.entries[key]
	if !ok {
		return nil
	}
	return el.Value.(*FileInfo)
}

// Set inserts or replaces the entry for key and returns the prior snapshot,
// if any. Replacing an entry keeps its insertion position; new keys go to
// the back (newest). The running size total is adjusted by
// new.Size - old.Size.
func (ix *Index) Set(key string, info *FileInfo) *FileInfo {
	if el, ok := ix.entries[key]; ok {
		old := el.Value.(*FileInfo)
		el.Value = info
		ix.size += info.Size - old.Size
		return old
	}
	ix.entries[key] = ix.order.PushBack(info)
	ix.size += info.Size
	return nil
}

// Remove deletes the entry for key and returns its snapshot, or nil if the
// key was absent.
func (ix *Index) Remove(key string) *FileInfo {
	el, ok := ix.entries[key]
	if !ok {
		return nil
	}
	delete(ix.entries, key)
	info := ix.order.Remove(el).(*FileInfo)
	ix.size -= info.Size
	return info
}

// Oldest returns the oldest-inserted snapshot without removing it, or nil if
// the index is empty.
func (ix *Index) Oldest() *FileInfo {
	el := ix.order.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*FileInfo)
}

// PopOldest removes and returns the oldest-inserted snapshot, or nil if the
// index is empty.
func (ix *Index) PopOldest() *FileInfo {
	el := ix.order.Front()
	if el == nil {
		return nil
	}
	info := ix.order.Remove(el).(*FileInfo)
	delete(ix.entries, info.Key)
	ix.size -= info.Size
	return info
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	return ix.order.Len()
}

// Size returns the running total of entry sizes in bytes.
func (ix *Index) Size() int64 {
	return ix.size
}

// Keys returns the keys in insertion order, oldest first.
func (ix *Index) Keys() []string {
	keys := make([]string, 0, ix.order.Len())
	for el := ix.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*FileInfo).Key)
	}
	return keys
}
