package agentbus

import (
	"sort"
	"sync"
)

// ChannelRegistry validates and stores channel definitions. It is
// read-mostly and safe for concurrent use with delivery; all mutations
// happen under the lock, so callers never observe a half-applied update.
type ChannelRegistry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewChannelRegistry returns an empty registry.
func NewChannelRegistry() *ChannelRegistry {
	return &ChannelRegistry{channels: make(map[string]Channel)}
}

// Create validates and stores a channel definition. It fails with
// ErrChannelExists when the name is taken and *ValidationError when the
// name, QoS or capacity settings are out of bounds.
func (r *ChannelRegistry) Create(ch Channel) error {
	ch = ch.withDefaults()
	if err := ch.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[ch.Name]; ok {
		return ErrChannelExists
	}
	r.channels[ch.Name] = ch
	return nil
}

// Get returns the channel by name.
func (r *ChannelRegistry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}
	return ch, nil
}

// Exists reports whether a channel is registered under name.
func (r *ChannelRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// Delete removes the channel by name.
func (r *ChannelRegistry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return ErrChannelNotFound
	}
	delete(r.channels, name)
	return nil
}

// List returns a name-sorted snapshot of all channels.
func (r *ChannelRegistry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByType returns a name-sorted snapshot of channels of the given type.
func (r *ChannelRegistry) ByType(t ChannelType) []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Channel
	for _, ch := range r.channels {
		if ch.Type == t {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindByPattern returns all channels whose name matches the dot-delimited
// pattern ("*" one segment, "#" zero or more trailing segments).
func (r *ChannelRegistry) FindByPattern(pattern string) ([]Channel, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Channel
	for _, ch := range r.channels {
		if MatchPattern(pattern, ch.Name) {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ChannelUpdate is a partial channel update; nil fields are left unchanged.
// Name and type are immutable.
type ChannelUpdate struct {
	Description *string
	SchemaRef   *string
	QoS         *QoSConfig
	Capacity    *CapacityConfig
}

// Update merges the partial update into the stored channel, re-validates the
// merged result, and commits only if it is valid. A partial update can never
// leave a channel in an invalid state.
func (r *ChannelRegistry) Update(name string, upd ChannelUpdate) (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return Channel{}, ErrChannelNotFound
	}

	merged := ch
	if upd.Description != nil {
		merged.Description = *upd.Description
	}
	if upd.SchemaRef != nil {
		merged.SchemaRef = *upd.SchemaRef
	}
	if upd.QoS != nil {
		merged.QoS = *upd.QoS
	}
	if upd.Capacity != nil {
		merged.Capacity = *upd.Capacity
	}
	merged = merged.withDefaults()
	if err := merged.Validate(); err != nil {
		return Channel{}, err
	}

	r.channels[name] = merged
	return merged, nil
}
