package client

import (
	"sync"
	"time"

	"mapsync/domain"
)

// Level is the derived activity classification for a participant.
type Level string

const (
	LevelActive  Level = "active"
	LevelIdle    Level = "idle"
	LevelAway    Level = "away"
	LevelOffline Level = "offline"
)

const (
	activeWithin = time.Minute
	idleWithin   = 5 * time.Minute
	awayWithin   = 15 * time.Minute
)

// Classify maps time since last activity to a level. Purely derived: reading
// a classification never changes the underlying timestamp.
func Classify(sinceLastActivity time.Duration) Level {
	switch {
	case sinceLastActivity < activeWithin:
		return LevelActive
	case sinceLastActivity < idleWithin:
		return LevelIdle
	case sinceLastActivity < awayWithin:
		return LevelAway
	default:
		return LevelOffline
	}
}

// DefaultReclassifyInterval is how often the tracker re-derives
// classifications for its observers.
const DefaultReclassifyInterval = 30 * time.Second

// PresenceTracker keeps last-activity timestamps per participant. Every
// inbound message from a participant refreshes their timestamp; timestamps
// only ever move forward while the participant is known.
type PresenceTracker struct {
	now func() time.Time

	mu           sync.Mutex
	participants map[string]domain.Participant
	observers    map[int]func(map[string]Level)
	nextObs      int
	stop         chan struct{}
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		now:          time.Now,
		participants: make(map[string]domain.Participant),
		observers:    make(map[int]func(map[string]Level)),
	}
}

// Observe records activity for a participant, adding them if unknown. The
// timestamp never moves backwards.
func (p *PresenceTracker) Observe(userID, username string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.participants[userID]
	if !ok {
		p.participants[userID] = domain.Participant{
			ID:           userID,
			Username:     username,
			JoinedAt:     at,
			LastActivity: at,
		}
		return
	}
	if at.After(cur.LastActivity) {
		cur.LastActivity = at
	}
	if username != "" {
		cur.Username = username
	}
	p.participants[userID] = cur
}

// Remove drops a participant, typically on a member_left message.
func (p *PresenceTracker) Remove(userID string) {
	p.mu.Lock()
	delete(p.participants, userID)
	p.mu.Unlock()
}

// SetMembers replaces the participant list from a join snapshot.
func (p *PresenceTracker) SetMembers(members []domain.Participant) {
	p.mu.Lock()
	p.participants = make(map[string]domain.Participant, len(members))
	for _, m := range members {
		p.participants[m.ID] = m
	}
	p.mu.Unlock()
}

// Participants returns a copy of the current participant set.
func (p *PresenceTracker) Participants() []domain.Participant {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Participant, 0, len(p.participants))
	for _, m := range p.participants {
		out = append(out, m)
	}
	return out
}

// Classification derives the current level for every participant.
func (p *PresenceTracker) Classification() map[string]Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make(map[string]Level, len(p.participants))
	for id, m := range p.participants {
		out[id] = Classify(now.Sub(m.LastActivity))
	}
	return out
}

// OnChange registers an observer called with fresh classifications on every
// reclassify tick. Returns the unsubscribe handle.
func (p *PresenceTracker) OnChange(fn func(map[string]Level)) func() {
	p.mu.Lock()
	id := p.nextObs
	p.nextObs++
	p.observers[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.observers, id)
		p.mu.Unlock()
	}
}

// Start begins the periodic reclassification ticker. Stop must be called
// when the owning room membership ends; the ticker never outlives it.
func (p *PresenceTracker) Start(interval time.Duration) {
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	p.stop = stop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				levels := p.Classification()
				p.mu.Lock()
				fns := make([]func(map[string]Level), 0, len(p.observers))
				for _, fn := range p.observers {
					fns = append(fns, fn)
				}
				p.mu.Unlock()
				for _, fn := range fns {
					fn(levels)
				}
			}
		}
	}()
}

func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	p.mu.Unlock()
}
