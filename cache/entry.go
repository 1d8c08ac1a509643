package cache

import (
	"sort"
	"time"
)

// Entry is an immutable snapshot of one cache entry, delivered to
// subscribers on every entry change.
type Entry struct {
	Key       Key
	Status    Status
	Data      any
	Err       error
	FetchedAt time.Time
	StaleAt   time.Time

	// Stale is true when the data is past its stale time or the entry
	// was invalidated. Stale data is still served; it additionally
	// triggers revalidation.
	Stale bool

	Tags        []string
	Subscribers int
}

// EntryListener observes entry snapshots.
type EntryListener func(Entry)

// entry is the mutable record behind one canonical key. All fields are
// guarded by the cache mutex.
type entry struct {
	key       Key
	canonical string
	status    Status
	data      any
	err       error
	fetchedAt time.Time
	staleAt   time.Time
	tags      map[string]struct{}

	subs      map[int64]EntryListener
	nextSubID int64

	// gcTimer runs when the last subscriber leaves; a resubscription
	// before it fires cancels it.
	gcTimer *time.Timer

	// fetcher is the most recent fetcher seen for this key, kept so
	// invalidation can refetch without a caller present.
	fetcher   Fetcher
	staleTime time.Duration
}

func (e *entry) snapshot(now time.Time) Entry {
	tags := make([]string, 0, len(e.tags))
	for t := range e.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	return Entry{
		Key:         e.key,
		Status:      e.status,
		Data:        e.data,
		Err:         e.err,
		FetchedAt:   e.fetchedAt,
		StaleAt:     e.staleAt,
		Stale:       e.status == StatusSuccess && !e.staleAt.After(now),
		Tags:        tags,
		Subscribers: len(e.subs),
	}
}

func (e *entry) hasTag(tag string) bool {
	_, ok := e.tags[tag]
	return ok
}

func (e *entry) listeners() []EntryListener {
	if len(e.subs) == 0 {
		return nil
	}
	ls := make([]EntryListener, 0, len(e.subs))
	for _, l := range e.subs {
		ls = append(ls, l)
	}
	return ls
}
