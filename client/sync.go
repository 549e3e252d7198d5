package client

import (
	"sync"
	"time"

	"mapsync/domain"
)

// pendingEchoTTL bounds how long an unconsumed pending entry may linger.
// The server echoes every change back to its originator, so entries normally
// drain within a round trip; the TTL covers echoes lost to a reconnect, so a
// stale entry cannot swallow a later remote change that happens to collide
// on the same action, feature id and millisecond.
const pendingEchoTTL = 10 * time.Second

// FeatureStore is the client-side half of the feature synchronization
// protocol: an optimistic local cache of the room's features and annotations
// plus the pending-echo set that keeps the server's reflection of our own
// changes from being applied twice. The cache is advisory; a join snapshot
// always overwrites it wholesale.
type FeatureStore struct {
	userID string
	now    func() time.Time

	mu          sync.Mutex
	features    map[string]domain.Feature
	annotations map[string]domain.Feature
	pending     map[string]time.Time
}

func NewFeatureStore(userID string) *FeatureStore {
	return &FeatureStore{
		userID:      userID,
		now:         time.Now,
		features:    make(map[string]domain.Feature),
		annotations: make(map[string]domain.Feature),
		pending:     make(map[string]time.Time),
	}
}

// LocalChange applies a mutation optimistically, tags ownership on creates
// and updates, and records the change id so the server's echo is discarded.
// The returned event is what the caller sends to the server.
func (s *FeatureStore) LocalChange(action domain.ChangeAction, f domain.Feature, annotation bool) domain.ChangeEvent {
	if action != domain.ActionDelete {
		if f.Properties == nil {
			f.Properties = make(map[string]any)
		}
		f.Properties[domain.PropOwnerID] = s.userID
		f.Properties[domain.PropOwnerColor] = domain.OwnerColor(s.userID)
	}

	now := s.now()
	ev := domain.ChangeEvent{
		Action:     action,
		Feature:    f,
		UserID:     s.userID,
		Annotation: annotation,
		Timestamp:  now.UnixMilli(),
	}

	s.mu.Lock()
	s.prunePendingLocked(now)
	s.applyLocked(ev)
	s.pending[ev.ChangeID()] = now
	s.mu.Unlock()
	return ev
}

// ApplyRemote applies a change received from the transport. Our own echoed
// changes are consumed by the pending set and reported as not applied.
// Remote changes apply unconditionally, last writer wins at whole-feature
// granularity; an update or delete for an unknown id is a silent no-op.
func (s *FeatureStore) ApplyRemote(ev domain.ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunePendingLocked(s.now())

	id := ev.ChangeID()
	if _, ours := s.pending[id]; ours {
		delete(s.pending, id)
		return false
	}
	s.applyLocked(ev)
	return true
}

func (s *FeatureStore) prunePendingLocked(now time.Time) {
	for id, added := range s.pending {
		if now.Sub(added) > pendingEchoTTL {
			delete(s.pending, id)
		}
	}
}

func (s *FeatureStore) applyLocked(ev domain.ChangeEvent) {
	target := s.features
	if ev.Annotation {
		target = s.annotations
	}

	switch ev.Action {
	case domain.ActionCreate:
		target[ev.Feature.ID] = ev.Feature
	case domain.ActionUpdate:
		if _, ok := target[ev.Feature.ID]; ok {
			target[ev.Feature.ID] = ev.Feature
		}
	case domain.ActionDelete:
		delete(target, ev.Feature.ID)
	}
}

// Reset replaces all local state with a join snapshot. Pending echoes are
// cleared: any change in flight during the outage is either reflected in the
// snapshot already or lost, and replaying its echo would be wrong either way.
func (s *FeatureStore) Reset(snap domain.RoomSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features = make(map[string]domain.Feature, len(snap.Features))
	for id, f := range snap.Features {
		s.features[id] = f
	}
	s.annotations = make(map[string]domain.Feature, len(snap.Annotations))
	for id, f := range snap.Annotations {
		s.annotations[id] = f
	}
	s.pending = make(map[string]time.Time)
}

// Features returns a copy of the feature map.
func (s *FeatureStore) Features() map[string]domain.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Feature, len(s.features))
	for id, f := range s.features {
		out[id] = f
	}
	return out
}

// Annotations returns a copy of the annotation map.
func (s *FeatureStore) Annotations() map[string]domain.Feature {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Feature, len(s.annotations))
	for id, f := range s.annotations {
		out[id] = f
	}
	return out
}
