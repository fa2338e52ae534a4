package subscription

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 32

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Subscription // user → channel → row
}

type channelShard struct {
	mu       sync.RWMutex
	channels map[string]map[string]struct{} // channel → users with an ACTIVE row
}

// MemoryBackend keeps subscriptions in sharded maps. Rows are keyed by user
// first; a second sharded index tracks ACTIVE users per channel. Locks are
// always taken user shard first, then channel shard.
type MemoryBackend struct {
	users    [memoryShards]userShard
	channels [memoryShards]channelShard
}

func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{}
	for i := range b.users {
		b.users[i].users = make(map[string]map[string]*Subscription)
		b.channels[i].channels = make(map[string]map[string]struct{})
	}
	return b
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % memoryShards)
}

func (b *MemoryBackend) userShard(userID string) *userShard {
	return &b.users[shardFor(userID)]
}

func (b *MemoryBackend) channelShard(channel string) *channelShard {
	return &b.channels[shardFor(channel)]
}

func (b *MemoryBackend) indexActive(sub *Subscription) {
	cs := b.channelShard(sub.Channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if sub.IsActive() {
		set, ok := cs.channels[sub.Channel]
		if !ok {
			set = make(map[string]struct{})
			cs.channels[sub.Channel] = set
		}
		set[sub.UserID] = struct{}{}
		return
	}
	b.unindexLocked(cs, sub.Channel, sub.UserID)
}

func (b *MemoryBackend) unindex(channel, userID string) {
	cs := b.channelShard(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	b.unindexLocked(cs, channel, userID)
}

func (b *MemoryBackend) unindexLocked(cs *channelShard, channel, userID string) {
	if set, ok := cs.channels[channel]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(cs.channels, channel)
		}
	}
}

func (b *MemoryBackend) Get(_ context.Context, userID, channel string) (*Subscription, error) {
	us := b.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	sub, ok := us.users[userID][channel]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (b *MemoryBackend) Insert(_ context.Context, sub *Subscription) error {
	us := b.userShard(sub.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()

	rows, ok := us.users[sub.UserID]
	if !ok {
		rows = make(map[string]*Subscription)
		us.users[sub.UserID] = rows
	}
	if _, exists := rows[sub.Channel]; exists {
		return ErrDuplicate
	}
	rows[sub.Channel] = sub.Clone()
	b.indexActive(sub)
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, sub *Subscription) error {
	us := b.userShard(sub.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()

	rows := us.users[sub.UserID]
	if _, ok := rows[sub.Channel]; !ok {
		return ErrNotFound
	}
	rows[sub.Channel] = sub.Clone()
	b.indexActive(sub)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, userID, channel string) (bool, error) {
	us := b.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	rows := us.users[userID]
	if _, ok := rows[channel]; !ok {
		return false, nil
	}
	delete(rows, channel)
	if len(rows) == 0 {
		delete(us.users, userID)
	}
	b.unindex(channel, userID)
	return true, nil
}

func (b *MemoryBackend) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	us := b.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	rows := us.users[userID]
	out := make([]*Subscription, 0, len(rows))
	for _, sub := range rows {
		out = append(out, sub.Clone())
	}
	sortByPriority(out)
	return out, nil
}

func (b *MemoryBackend) ListActiveByChannel(ctx context.Context, channel string) ([]*Subscription, error) {
	cs := b.channelShard(channel)
	cs.mu.RLock()
	users := make([]string, 0, len(cs.channels[channel]))
	for userID := range cs.channels[channel] {
		users = append(users, userID)
	}
	cs.mu.RUnlock()

	out := make([]*Subscription, 0, len(users))
	for _, userID := range users {
		sub, err := b.Get(ctx, userID, channel)
		if err != nil || !sub.IsActive() {
			continue
		}
		out = append(out, sub)
	}
	return out, nil
}

func (b *MemoryBackend) CountActive(_ context.Context, userID string) (int, error) {
	us := b.userShard(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	n := 0
	for _, sub := range us.users[userID] {
		if sub.IsActive() {
			n++
		}
	}
	return n, nil
}

func (b *MemoryBackend) IncrementMessages(_ context.Context, userID, channel string, at time.Time) error {
	us := b.userShard(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	sub, ok := us.users[userID][channel]
	if !ok {
		return ErrNotFound
	}
	sub.MessageCount++
	t := at
	sub.LastMessageAt = &t
	return nil
}

func (b *MemoryBackend) ExpireBefore(_ context.Context, t time.Time) ([]string, error) {
	var affected []string
	for i := range b.users {
		us := &b.users[i]
		us.mu.Lock()
		for userID, rows := range us.users {
			for _, sub := range rows {
				if sub.Status == StatusExpired || sub.ExpiresAt == nil || !sub.ExpiresAt.Before(t) {
					continue
				}
				sub.Status = StatusExpired
				sub.UpdatedAt = t
				b.unindex(sub.Channel, userID)
				affected = append(affected, userID)
			}
		}
		us.mu.Unlock()
	}
	return affected, nil
}

func (b *MemoryBackend) Stats(_ context.Context) (Stats, error) {
	var stats Stats
	for i := range b.users {
		us := &b.users[i]
		us.mu.RLock()
		for _, rows := range us.users {
			for _, sub := range rows {
				stats.add(sub)
			}
		}
		us.mu.RUnlock()
	}
	return stats, nil
}

func (b *MemoryBackend) Close() error { return nil }
