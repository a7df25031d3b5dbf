package hub

import (
	"context"
	"sort"
	"sync"
)

// Subscriber is one live outbound endpoint. Identity is the value itself, so
// implementations should be pointer types.
type Subscriber interface {
	ID() string
	// Send delivers msg or fails fast; it must not block on a slow peer.
	Send(ctx context.Context, msg Outbound) error
	Closed() bool
}

// Registry maps channels to subscriber sets. It is the only shared mutable
// state of the hub; every operation takes the same lock.
type Registry struct {
	mu       sync.RWMutex
	channels map[Channel]map[Subscriber]struct{}
	// reverse index so RemoveConnection only touches the subscriber's own channels
	members map[Subscriber]map[Channel]struct{}
}

// RegistryStats is a point-in-time view for status reporting
type RegistryStats struct {
	Channels       int `json:"channels"`
	ActiveChannels int `json:"active_channels"`
	Subscribers    int `json:"subscribers"`
	Subscriptions  int `json:"subscriptions"`
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		channels: make(map[Channel]map[Subscriber]struct{}),
		members:  make(map[Subscriber]map[Channel]struct{}),
	}
}

// Subscribe adds sub to channel. Subscribing twice has no further effect and
// closed subscribers are never admitted.
func (r *Registry) Subscribe(channel Channel, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.Closed() {
		return
	}

	set, ok := r.channels[channel]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.channels[channel] = set
	}
	set[sub] = struct{}{}

	chans, ok := r.members[sub]
	if !ok {
		chans = make(map[Channel]struct{})
		r.members[sub] = chans
	}
	chans[channel] = struct{}{}
}

// Unsubscribe removes sub from channel if present. The emptied set is left for Sweep.
func (r *Registry) Unsubscribe(channel Channel, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.channels[channel]; ok {
		delete(set, sub)
	}
	if chans, ok := r.members[sub]; ok {
		delete(chans, channel)
		if len(chans) == 0 {
			delete(r.members, sub)
		}
	}
}

// RemoveConnection drops sub from every channel and returns how many
// memberships it held. Safe for subscribers that never subscribed.
func (r *Registry) RemoveConnection(sub Subscriber) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	chans := r.members[sub]
	for ch := range chans {
		if set, ok := r.channels[ch]; ok {
			delete(set, sub)
		}
	}
	delete(r.members, sub)
	return len(chans)
}

// ActiveChannels returns the channels with at least one subscriber, sorted
func (r *Registry) ActiveChannels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Channel, 0, len(r.channels))
	for ch, set := range r.channels {
		if len(set) > 0 {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SubscribersOf returns a snapshot of the channel's subscribers
func (r *Registry) SubscribersOf(channel Channel) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[channel]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

// ChannelsOf returns the channels sub belongs to, sorted
func (r *Registry) ChannelsOf(sub Subscriber) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chans := r.members[sub]
	out := make([]Channel, 0, len(chans))
	for ch := range chans {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MembershipCount returns how many channels sub belongs to
func (r *Registry) MembershipCount(sub Subscriber) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members[sub])
}

// Sweep reclaims channels whose subscriber set is empty and returns the count
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reclaimed := 0
	for ch, set := range r.channels {
		if len(set) == 0 {
			delete(r.channels, ch)
			reclaimed++
		}
	}
	return reclaimed
}

// Stats returns current registry counts
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := RegistryStats{
		Channels:    len(r.channels),
		Subscribers: len(r.members),
	}
	for _, set := range r.channels {
		if len(set) > 0 {
			stats.ActiveChannels++
		}
		stats.Subscriptions += len(set)
	}
	return stats
}
