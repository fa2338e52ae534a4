package session

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

const indexShards = 32

type channelShard struct {
	mu          sync.Mutex // protects map structure, not individual snapshots
	subscribers map[string]*atomic.Pointer[[]*Session]
}

// ChannelIndex maps a channel to the sessions subscribed to it.
//
// Writers copy-on-write a per-channel snapshot under the channel's shard lock;
// readers load the snapshot without locking. The returned slices are
// immutable and must not be modified.
type ChannelIndex struct {
	shards [indexShards]channelShard
}

func NewChannelIndex() *ChannelIndex {
	idx := &ChannelIndex{}
	for i := range idx.shards {
		idx.shards[i].subscribers = make(map[string]*atomic.Pointer[[]*Session])
	}
	return idx
}

func (idx *ChannelIndex) shard(channel string) *channelShard {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return &idx.shards[h.Sum32()%indexShards]
}

// Add registers s under channel. Returns false if it was already present.
func (idx *ChannelIndex) Add(channel string, s *Session) bool {
	sh := idx.shard(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ptr := sh.subscribers[channel]
	if ptr == nil {
		ptr = &atomic.Pointer[[]*Session]{}
		sh.subscribers[channel] = ptr
	}

	var current []*Session
	if p := ptr.Load(); p != nil {
		current = *p
	}
	for _, existing := range current {
		if existing == s {
			return false
		}
	}

	next := make([]*Session, len(current)+1)
	copy(next, current)
	next[len(current)] = s
	ptr.Store(&next)
	return true
}

// Remove unregisters s from channel. Returns false if it was not present.
func (idx *ChannelIndex) Remove(channel string, s *Session) bool {
	sh := idx.shard(channel)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	ptr, ok := sh.subscribers[channel]
	if !ok {
		return false
	}
	p := ptr.Load()
	if p == nil {
		return false
	}
	current := *p

	for i, existing := range current {
		if existing != s {
			continue
		}
		if len(current) == 1 {
			// Readers holding the old snapshot still see s; that is the
			// same race a broadcast has with any concurrent unsubscribe.
			empty := []*Session{}
			ptr.Store(&empty)
			delete(sh.subscribers, channel)
			return true
		}
		next := make([]*Session, len(current)-1)
		copy(next, current[:i])
		copy(next[i:], current[i+1:])
		ptr.Store(&next)
		return true
	}
	return false
}

// Get returns the immutable snapshot of channel's subscribers.
func (idx *ChannelIndex) Get(channel string) []*Session {
	sh := idx.shard(channel)
	sh.mu.Lock()
	ptr, ok := sh.subscribers[channel]
	sh.mu.Unlock()
	if !ok {
		return nil
	}
	if p := ptr.Load(); p != nil {
		return *p
	}
	return nil
}

func (idx *ChannelIndex) Count(channel string) int {
	return len(idx.Get(channel))
}

// Has reports whether s is indexed under channel.
func (idx *ChannelIndex) Has(channel string, s *Session) bool {
	for _, existing := range idx.Get(channel) {
		if existing == s {
			return true
		}
	}
	return false
}

// Channels returns the number of channels with at least one subscriber.
func (idx *ChannelIndex) Channels() int {
	n := 0
	for i := range idx.shards {
		sh := &idx.shards[i]
		sh.mu.Lock()
		n += len(sh.subscribers)
		sh.mu.Unlock()
	}
	return n
}
