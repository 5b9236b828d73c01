package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Event is a scheduled event as the Memory store keeps it.
type Event struct {
	ID        string
	Title     string
	Tags      []string
	RoomID    string
	Start     time.Time
	End       time.Time
	Attendees []string // member ids
}

// MemberLink is a Connection with the time of the last shared interaction.
type MemberLink struct {
	Connection
	LastInteraction time.Time
}

type RevenueMetric struct {
	RevenueSlot
	UpdatedAt time.Time
}

// Memory is an in-process Store used when no DATABASE_URL is set and in tests.
type Memory struct {
	mu       sync.RWMutex
	rooms    map[string]Room
	events   []Event
	members  map[string]Member
	links    []MemberLink
	revenue  []RevenueMetric
	insights map[int]FloorInsight
	down     error
}

func NewMemory() *Memory {
	return &Memory{
		rooms:    map[string]Room{},
		members:  map[string]Member{},
		insights: map[int]FloorInsight{},
	}
}

func (m *Memory) AddRoom(r Room) {
	m.mu.Lock()
	m.rooms[r.ID] = r
	m.mu.Unlock()
}

func (m *Memory) AddEvent(e Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func (m *Memory) AddMember(mb Member) {
	m.mu.Lock()
	m.members[mb.ID] = mb
	m.mu.Unlock()
}

func (m *Memory) AddLink(l MemberLink) {
	m.mu.Lock()
	m.links = append(m.links, l)
	m.mu.Unlock()
}

func (m *Memory) AddRevenue(r RevenueMetric) {
	m.mu.Lock()
	m.revenue = append(m.revenue, r)
	m.mu.Unlock()
}

func (m *Memory) SetFloorInsight(f FloorInsight) {
	m.mu.Lock()
	m.insights[f.Floor] = f
	m.mu.Unlock()
}

// Fail makes every query return err until called with nil.
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.down = err
	m.mu.Unlock()
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.down
}

func live(e Event, at time.Time) bool { return !e.Start.After(at) && !e.End.Before(at) }

func (m *Memory) RoomsOnFloor(_ context.Context, floor int) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	var out []Room
	for _, r := range m.rooms {
		if r.Floor == floor {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LiveEventsOnFloor(_ context.Context, floor int, at time.Time) ([]LiveEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	var out []LiveEvent
	for _, e := range m.events {
		r, ok := m.rooms[e.RoomID]
		if !ok || r.Floor != floor || !live(e, at) {
			continue
		}
		out = append(out, LiveEvent{ID: e.ID, Title: e.Title, Tags: e.Tags, RoomID: e.RoomID, Attendees: len(e.Attendees)})
	}
	return out, nil
}

func (m *Memory) FloorActivity(_ context.Context, at time.Time) ([]FloorActivity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	out := make([]FloorActivity, 0, len(m.insights))
	for floor, ins := range m.insights {
		score := ins.ActivityScore
		fa := FloorActivity{Floor: floor, ActivityScore: &score}
		for _, e := range m.events {
			if r, ok := m.rooms[e.RoomID]; ok && r.Floor == floor && live(e, at) {
				fa.CurrentEvents++
			}
		}
		out = append(out, fa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Floor < out[j].Floor })
	return out, nil
}

func (m *Memory) TopFloorInsights(_ context.Context, limit int) ([]FloorInsight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	out := make([]FloorInsight, 0, len(m.insights))
	for _, ins := range m.insights {
		out = append(out, ins)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pulse != out[j].Pulse {
			return out[i].Pulse > out[j].Pulse
		}
		return out[i].Floor < out[j].Floor
	})
	return head(out, limit), nil
}

func (m *Memory) ActiveMembers(_ context.Context, since time.Time, limit int) ([]Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	seen := map[string]bool{}
	var out []Member
	for _, e := range m.events {
		if e.Start.Before(since) {
			continue
		}
		for _, id := range e.Attendees {
			mb, ok := m.members[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, mb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return head(out, limit), nil
}

func (m *Memory) ConnectionsAmong(_ context.Context, memberIDs []string, since time.Time, limit int) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	in := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		in[id] = true
	}
	var out []Connection
	for _, l := range m.links {
		if in[l.MemberA] && in[l.MemberB] && !l.LastInteraction.Before(since) {
			out = append(out, l.Connection)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return head(out, limit), nil
}

func (m *Memory) TopConnections(_ context.Context, since time.Time, limit int) ([]NamedConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	var out []NamedConnection
	for _, l := range m.links {
		a, okA := m.members[l.MemberA]
		b, okB := m.members[l.MemberB]
		if !okA || !okB || l.LastInteraction.Before(since) {
			continue
		}
		out = append(out, NamedConnection{MemberA: a.Name, MemberB: b.Name, Strength: l.Strength})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Strength > out[j].Strength })
	return head(out, limit), nil
}

func (m *Memory) CrossFloorConnections(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return 0, m.down
	}
	n := 0
	for _, l := range m.links {
		a, okA := m.members[l.MemberA]
		b, okB := m.members[l.MemberB]
		if okA && okB && a.Floor != b.Floor && !l.LastInteraction.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TowerSummary(_ context.Context, now time.Time) (TowerSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return TowerSummary{}, m.down
	}
	now = now.UTC()
	dayAgo := now.Add(-24 * time.Hour)
	weekAgo := now.Add(-7 * 24 * time.Hour)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	s := TowerSummary{CollaborationScore: 5.0}
	active := map[string]bool{}
	for _, e := range m.events {
		if !e.Start.Before(dayAgo) {
			for _, id := range e.Attendees {
				active[id] = true
			}
		}
		if live(e, now) {
			s.LiveEvents++
		}
	}
	s.ActiveMembers = len(active)

	var sum float64
	var n int
	for _, l := range m.links {
		if !l.LastInteraction.Before(weekAgo) {
			sum += l.Strength
			n++
		}
	}
	if n > 0 && sum != 0 {
		s.CollaborationScore = sum / float64(n) * 10
	}
	for _, r := range m.revenue {
		if !r.UpdatedAt.Before(dayStart) {
			s.RevenueToday += r.ProjectedRevenue
		}
	}
	return s, nil
}

func (m *Memory) TrendingTopics(_ context.Context, since time.Time, limit int) ([]TopicCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	counts := map[string]int{}
	for _, e := range m.events {
		if e.Start.Before(since) {
			continue
		}
		for _, t := range e.Tags {
			counts[t]++
		}
	}
	out := make([]TopicCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, TopicCount{Topic: t, Events: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Events != out[j].Events {
			return out[i].Events > out[j].Events
		}
		return out[i].Topic < out[j].Topic
	})
	return head(out, limit), nil
}

func (m *Memory) CountLiveEvents(_ context.Context, at time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return 0, m.down
	}
	n := 0
	for _, e := range m.events {
		if live(e, at) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RevenueOpportunities(_ context.Context, maxUtilization float64, order RevenueOrder, limit int) ([]RevenueSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	var out []RevenueSlot
	for _, r := range m.revenue {
		if r.AvgUtilization < maxUtilization {
			out = append(out, r.RevenueSlot)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order == ByRecommendedPrice {
			return out[i].RecommendedPrice > out[j].RecommendedPrice
		}
		return out[i].PriceMultiplier > out[j].PriceMultiplier
	})
	return head(out, limit), nil
}

func (m *Memory) FloorUtilization(_ context.Context, since time.Time) ([]FloorUtilization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.down != nil {
		return nil, m.down
	}
	type acc struct {
		rateSum float64
		rooms   int
		revenue float64
	}
	floors := map[int]*acc{}
	for _, r := range m.rooms {
		if floors[r.Floor] == nil {
			floors[r.Floor] = &acc{}
		}
		if r.Capacity <= 0 {
			continue
		}
		attended, held := 0, false
		for _, e := range m.events {
			if e.RoomID == r.ID && !e.Start.Before(since) {
				attended += len(e.Attendees)
				held = true
			}
		}
		if held {
			floors[r.Floor].rateSum += float64(attended) / float64(r.Capacity)
			floors[r.Floor].rooms++
		}
	}
	var total float64
	for floor, a := range floors {
		tag := strconv.Itoa(floor)
		for _, rv := range m.revenue {
			if strings.Contains(rv.Slot, tag) {
				a.revenue += rv.ProjectedRevenue
			}
		}
		total += a.revenue
	}
	out := make([]FloorUtilization, 0, len(floors))
	for floor, a := range floors {
		fu := FloorUtilization{Floor: floor}
		if a.rooms > 0 {
			v := a.rateSum / float64(a.rooms)
			fu.UtilizationRate = &v
		}
		if total > 0 {
			v := a.revenue / total
			fu.RevenueContribution = &v
		}
		out = append(out, fu)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Floor < out[j].Floor })
	return out, nil
}

func head[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

// SeedDemo fills m with a small tower: rooms on every served floor, a few
// live events, members with connections and revenue slots.
func SeedDemo(m *Memory, now time.Time) {
	layout := []struct {
		suffix   string
		name     string
		x, y     int
		w, h     int
		capacity int
	}{
		{"conf-room-1", "Innovation Lab", 50, 100, 120, 80, 12},
		{"conf-room-2", "Strategy Hub", 200, 100, 100, 60, 8},
		{"open-space-1", "Collaboration Zone", 320, 80, 200, 150, 25},
		{"booth-1", "Focus Pod A", 100, 220, 40, 40, 2},
		{"lounge-1", "Community Lounge", 50, 300, 180, 100, 20},
		{"kitchen-1", "Kitchen & Cafe", 350, 280, 140, 80, 15},
	}
	topics := []string{"AI", "Biotech", "Crypto", "Robotics", "Longevity", "Art"}
	floors := []int{2, 4, 9, 15, 16}

	for i := 0; i < 30; i++ {
		floor := floors[i%len(floors)]
		avatar := fmt.Sprintf("https://avatars.example.com/%d.png", i)
		score := 3.0 + float64(i%7)
		m.AddMember(Member{
			ID:             fmt.Sprintf("member-%02d", i),
			Name:           fmt.Sprintf("Member %02d", i),
			AvatarURL:      &avatar,
			PrimaryTopic:   topics[i%len(topics)],
			Floor:          floor,
			InfluenceScore: &score,
		})
	}

	for fi, floor := range floors {
		for ri, l := range layout {
			m.AddRoom(Room{
				ID:       fmt.Sprintf("f%d-%s", floor, l.suffix),
				Name:     l.name,
				Floor:    floor,
				X:        l.x,
				Y:        l.y,
				Width:    l.w,
				Height:   l.h,
				Capacity: l.capacity,
			})
			if ri%2 != 0 {
				continue
			}
			var attendees []string
			for k := 0; k < (fi+ri)%l.capacity+1; k++ {
				attendees = append(attendees, fmt.Sprintf("member-%02d", (fi*6+ri+k)%30))
			}
			m.AddEvent(Event{
				ID:        fmt.Sprintf("evt-f%d-%d", floor, ri),
				Title:     fmt.Sprintf("%s session", topics[(fi+ri)%len(topics)]),
				Tags:      []string{topics[(fi+ri)%len(topics)], topics[(fi+ri+1)%len(topics)]},
				RoomID:    fmt.Sprintf("f%d-%s", floor, l.suffix),
				Start:     now.Add(-30 * time.Minute),
				End:       now.Add(90 * time.Minute),
				Attendees: attendees,
			})
		}
		m.SetFloorInsight(FloorInsight{
			Floor:         floor,
			Pulse:         float64(5 + (fi*3)%5),
			Events24h:     3 + fi*2,
			Attendees7d:   20 + fi*9,
			ActivityScore: 0.4 + float64(fi)*0.1,
		})
	}

	for i := 0; i < 30; i++ {
		j := (i*7 + 3) % 30
		if i == j {
			continue
		}
		m.AddLink(MemberLink{
			Connection: Connection{
				MemberA:    fmt.Sprintf("member-%02d", i),
				MemberB:    fmt.Sprintf("member-%02d", j),
				Strength:   0.3 + float64(i%7)/10,
				EventCount: 1 + i%4,
			},
			LastInteraction: now.Add(-time.Duration(i) * time.Hour),
		})
	}

	slots := []struct {
		slot       string
		util, mult float64
		price, rev float64
	}{
		{"Mon 09:00 floor 2", 0.35, 0.85, 85, 1200},
		{"Tue 14:00 floor 4", 0.42, 0.9, 92, 1800},
		{"Wed 18:00 floor 9", 0.78, 1.25, 140, 4200},
		{"Thu 11:00 floor 15", 0.28, 0.8, 75, 900},
		{"Fri 16:00 floor 16", 0.66, 1.1, 120, 3100},
	}
	for _, s := range slots {
		m.AddRevenue(RevenueMetric{
			RevenueSlot: RevenueSlot{
				Slot:             s.slot,
				AvgUtilization:   s.util,
				PriceMultiplier:  s.mult,
				RecommendedPrice: s.price,
				ProjectedRevenue: s.rev,
			},
			UpdatedAt: now,
		})
	}
}
