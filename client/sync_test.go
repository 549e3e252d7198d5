package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/domain"
)

func pendingCount(s *FeatureStore) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func TestFeatureStore_EchoSuppression(t *testing.T) {
	s := NewFeatureStore("u1")

	ev := s.LocalChange(domain.ActionCreate, domain.Feature{ID: "f1"}, false)
	require.Len(t, s.Features(), 1, "optimistic apply is immediate")

	// The server reflects our own change back.
	applied := s.ApplyRemote(ev)
	assert.False(t, applied, "echoed change must be discarded")
	assert.Len(t, s.Features(), 1, "exactly one entry after the round trip")

	// A second identical echo is no longer pending and applies as a remote
	// change; create is idempotent on the same id so the map stays at one.
	s.ApplyRemote(ev)
	assert.Len(t, s.Features(), 1)
}

// Every local change's echo comes back from the server, so the pending set
// is empty once the round trips complete. It must never grow with the age of
// the session.
func TestFeatureStore_PendingDrainsOnEcho(t *testing.T) {
	s := NewFeatureStore("u1")

	for i := 0; i < 100; i++ {
		ev := s.LocalChange(domain.ActionCreate, domain.Feature{ID: fmt.Sprintf("f%d", i)}, false)
		assert.False(t, s.ApplyRemote(ev))
	}

	assert.Zero(t, pendingCount(s), "every echo consumes its pending entry")
	assert.Len(t, s.Features(), 100)
}

// Two users touching the same feature within the same millisecond collide on
// the change id. Once our own echo has drained the pending entry, the other
// user's change must land like any remote write.
func TestFeatureStore_CollisionAfterEchoApplies(t *testing.T) {
	s := NewFeatureStore("A")
	base := time.Now()
	s.now = func() time.Time { return base }

	ours := s.LocalChange(domain.ActionCreate, domain.Feature{ID: "f1"}, false)
	require.False(t, s.ApplyRemote(ours), "echo is discarded")

	theirs := domain.ChangeEvent{
		Action:    domain.ActionCreate,
		Feature:   domain.Feature{ID: "f1", Properties: map[string]any{domain.PropOwnerID: "B"}},
		UserID:    "B",
		Timestamp: ours.Timestamp,
	}
	require.Equal(t, ours.ChangeID(), theirs.ChangeID(), "same millisecond, same id")

	assert.True(t, s.ApplyRemote(theirs), "colliding remote change is not ours to suppress")
	assert.Equal(t, "B", s.Features()["f1"].Properties[domain.PropOwnerID])
}

// A pending entry whose echo was lost (reconnect mid-flight) expires instead
// of lingering forever, so a much later colliding remote change still applies.
func TestFeatureStore_StalePendingExpires(t *testing.T) {
	s := NewFeatureStore("A")
	base := time.Now()
	s.now = func() time.Time { return base }

	ours := s.LocalChange(domain.ActionCreate, domain.Feature{ID: "f1"}, false)
	require.Equal(t, 1, pendingCount(s))

	s.now = func() time.Time { return base.Add(pendingEchoTTL + time.Second) }

	theirs := domain.ChangeEvent{
		Action:    domain.ActionCreate,
		Feature:   domain.Feature{ID: "f1", Properties: map[string]any{domain.PropOwnerID: "B"}},
		UserID:    "B",
		Timestamp: ours.Timestamp,
	}
	assert.True(t, s.ApplyRemote(theirs), "expired entry no longer suppresses")
	assert.Zero(t, pendingCount(s))
}

func TestFeatureStore_OwnerTagging(t *testing.T) {
	s := NewFeatureStore("u1")

	ev := s.LocalChange(domain.ActionCreate, domain.Feature{ID: "f1"}, false)
	assert.Equal(t, "u1", ev.Feature.Properties[domain.PropOwnerID])
	assert.Equal(t, domain.OwnerColor("u1"), ev.Feature.Properties[domain.PropOwnerColor])

	del := s.LocalChange(domain.ActionDelete, domain.Feature{ID: "f1"}, false)
	assert.Nil(t, del.Feature.Properties, "deletes carry no ownership tags")
}

func TestFeatureStore_RemoteApply(t *testing.T) {
	tests := []struct {
		name   string
		events []domain.ChangeEvent
		want   map[string]string // feature id -> value of "v" property
	}{
		{
			name: "create appends",
			events: []domain.ChangeEvent{
				{Action: domain.ActionCreate, Feature: domain.Feature{ID: "f1", Properties: map[string]any{"v": "a"}}, Timestamp: 1},
			},
			want: map[string]string{"f1": "a"},
		},
		{
			name: "update replaces whole feature",
			events: []domain.ChangeEvent{
				{Action: domain.ActionCreate, Feature: domain.Feature{ID: "f1", Properties: map[string]any{"v": "a", "keep": "x"}}, Timestamp: 1},
				{Action: domain.ActionUpdate, Feature: domain.Feature{ID: "f1", Properties: map[string]any{"v": "b"}}, Timestamp: 2},
			},
			want: map[string]string{"f1": "b"},
		},
		{
			name: "delete removes",
			events: []domain.ChangeEvent{
				{Action: domain.ActionCreate, Feature: domain.Feature{ID: "f1"}, Timestamp: 1},
				{Action: domain.ActionDelete, Feature: domain.Feature{ID: "f1"}, Timestamp: 2},
			},
			want: map[string]string{},
		},
		{
			name: "update for unknown id is a no-op",
			events: []domain.ChangeEvent{
				{Action: domain.ActionUpdate, Feature: domain.Feature{ID: "ghost", Properties: map[string]any{"v": "a"}}, Timestamp: 1},
			},
			want: map[string]string{},
		},
		{
			name: "delete for unknown id is a no-op",
			events: []domain.ChangeEvent{
				{Action: domain.ActionDelete, Feature: domain.Feature{ID: "ghost"}, Timestamp: 1},
			},
			want: map[string]string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFeatureStore("local")
			for _, ev := range tt.events {
				ev.UserID = "remote"
				s.ApplyRemote(ev)
			}

			got := s.Features()
			assert.Len(t, got, len(tt.want))
			for id, v := range tt.want {
				require.Contains(t, got, id)
				assert.Equal(t, v, got[id].Properties["v"])
			}
		})
	}
}

// Last-writer-wins at whole-feature granularity: when B's update does not
// carry A's ownership tags, they are gone. No per-field merging.
func TestFeatureStore_LastWriterWinsWholeFeature(t *testing.T) {
	a := NewFeatureStore("A")
	b := NewFeatureStore("B")

	created := a.LocalChange(domain.ActionCreate, domain.Feature{ID: "f1"}, false)
	require.True(t, b.ApplyRemote(created))
	assert.Equal(t, "A", b.Features()["f1"].Properties[domain.PropOwnerID])

	updated := b.LocalChange(domain.ActionUpdate, domain.Feature{ID: "f1", Properties: map[string]any{"note": "resized"}}, false)
	require.True(t, a.ApplyRemote(updated))

	af := a.Features()["f1"]
	bf := b.Features()["f1"]
	assert.Equal(t, bf, af, "both participants converge on the same object")
	assert.Equal(t, "B", af.Properties[domain.PropOwnerID], "ownership follows the last writer")
}

func TestFeatureStore_Annotations(t *testing.T) {
	s := NewFeatureStore("u1")

	s.LocalChange(domain.ActionCreate, domain.Feature{ID: "n1"}, true)
	assert.Len(t, s.Annotations(), 1)
	assert.Empty(t, s.Features(), "annotations never leak into the feature map")
}

func TestFeatureStore_Reset(t *testing.T) {
	s := NewFeatureStore("u1")
	pendingEv := s.LocalChange(domain.ActionCreate, domain.Feature{ID: "stale"}, false)

	s.Reset(domain.RoomSnapshot{
		Features:    map[string]domain.Feature{"f1": {ID: "f1"}},
		Annotations: map[string]domain.Feature{"n1": {ID: "n1"}},
	})

	assert.Equal(t, map[string]domain.Feature{"f1": {ID: "f1"}}, s.Features())
	assert.Len(t, s.Annotations(), 1)

	// The snapshot cleared the pending set, so a late echo of the old change
	// now applies like any remote change instead of being swallowed.
	assert.True(t, s.ApplyRemote(pendingEv))
}
