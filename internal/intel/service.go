// Package intel implements the intelligence queries behind the HTTP API:
// rate limit, cache lookup, store query, response shaping, cache fill and an
// optional bus event.
package intel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"towerintel/internal/bus"
	"towerintel/internal/cache"
	"towerintel/internal/config"
	"towerintel/internal/model"
	"towerintel/internal/ratelimit"
	"towerintel/internal/store"
)

// DefaultFloors are the floors with a pulse channel.
var DefaultFloors = []int{2, 4, 9, 15, 16}

var ErrUnknownFloor = errors.New("intel: unknown floor")

// RateLimitError is returned when the caller has spent its budget.
type RateLimitError struct {
	Decision ratelimit.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Decision.Rule)
}

// StoreError wraps a failed store query.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// Result is a JSON body ready to write, with the rate limit decision that
// admitted it.
type Result struct {
	Body      []byte
	Cached    bool
	RateLimit ratelimit.Decision
}

type Options struct {
	Prefix string // cache key prefix for intel:* keys
	TTL    config.CacheTTL
	Floors []int // nil means DefaultFloors; empty means no floor is valid
}

type Service struct {
	store   store.Store
	cache   cache.Cache
	limiter *ratelimit.Limiter
	pub     *bus.Publisher
	opts    Options
	floors  map[int]bool
	now     func() time.Time
}

// New wires a Service. limiter and pub may be nil to disable rate limiting
// and event publishing; a nil cache disables caching.
func New(st store.Store, c cache.Cache, limiter *ratelimit.Limiter, pub *bus.Publisher, opts Options) *Service {
	if c == nil {
		c = cache.Nop{}
	}
	if opts.Prefix == "" {
		opts.Prefix = "intel:"
	}
	if opts.Floors == nil {
		opts.Floors = DefaultFloors
	}
	floors := make(map[int]bool, len(opts.Floors))
	for _, f := range opts.Floors {
		floors[f] = true
	}
	return &Service{store: st, cache: c, limiter: limiter, pub: pub, opts: opts, floors: floors, now: time.Now}
}

// ValidFloor reports whether floor has rooms and a pulse channel.
func (s *Service) ValidFloor(floor int) bool { return s.floors[floor] }

func (s *Service) limit(ctx context.Context, route, identity string) (ratelimit.Decision, error) {
	if s.limiter == nil {
		return ratelimit.Decision{Allowed: true}, nil
	}
	d := s.limiter.Check(ctx, route, identity)
	if !d.Allowed {
		return d, &RateLimitError{Decision: d}
	}
	return d, nil
}

// serve runs the shared cache-aside template. onMiss runs only after a fresh
// load and never affects the result.
func serve[T any](ctx context.Context, s *Service, key string, ttl time.Duration, load func(context.Context) (T, error), onMiss func(T)) (Result, error) {
	if b, ok := s.cache.Get(ctx, key); ok {
		return Result{Body: b, Cached: true}, nil
	}
	v, err := load(ctx)
	if err != nil {
		return Result{}, err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode %s: %w", key, err)
	}
	s.cache.Set(ctx, key, b, ttl)
	if onMiss != nil {
		onMiss(v)
	}
	return Result{Body: b}, nil
}

// FloorPulse returns live room state for one floor.
func (s *Service) FloorPulse(ctx context.Context, identity string, floor int) (Result, error) {
	if !s.ValidFloor(floor) {
		return Result{}, ErrUnknownFloor
	}
	d, err := s.limit(ctx, "/api/floors/"+strconv.Itoa(floor)+"/pulse", identity)
	if err != nil {
		return Result{}, err
	}
	key := cache.Key(s.opts.Prefix, "pulse", strconv.Itoa(floor))
	res, err := serve(ctx, s, key, s.opts.TTL.Pulse, func(ctx context.Context) ([]model.RoomPulse, error) {
		return s.loadPulse(ctx, floor)
	}, func(v []model.RoomPulse) {
		s.pub.FloorPulse(ctx, floor, v)
	})
	res.RateLimit = d
	return res, err
}

func (s *Service) loadPulse(ctx context.Context, floor int) ([]model.RoomPulse, error) {
	rooms, err := s.store.RoomsOnFloor(ctx, floor)
	if err != nil {
		return nil, &StoreError{Op: "rooms", Err: err}
	}
	events, err := s.store.LiveEventsOnFloor(ctx, floor, s.now())
	if err != nil {
		return nil, &StoreError{Op: "live events", Err: err}
	}
	byRoom := make(map[string]store.LiveEvent, len(events))
	for _, e := range events {
		byRoom[e.RoomID] = e
	}
	out := make([]model.RoomPulse, 0, len(rooms))
	for _, r := range rooms {
		p := model.RoomPulse{
			RoomID:      r.ID,
			RoomName:    r.Name,
			Coordinates: model.Coordinates{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height},
			LiveMetrics: model.LiveMetrics{Capacity: r.Capacity},
		}
		if e, ok := byRoom[r.ID]; ok {
			util := 0.0
			if r.Capacity > 0 {
				util = math.Min(float64(e.Attendees)/float64(r.Capacity), 1)
			}
			tags := e.Tags
			if tags == nil {
				tags = []string{}
			}
			p.Event = &model.RoomEvent{ID: e.ID, Title: e.Title, TopicTags: tags, Status: "live", AttendeeCount: e.Attendees}
			p.LiveMetrics = model.LiveMetrics{
				AttendeeCount:   e.Attendees,
				Capacity:        r.Capacity,
				ActivityHeat:    util*0.8 + 0.2,
				UtilizationRate: util,
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Network returns the member graph for activity in the last days days.
func (s *Service) Network(ctx context.Context, identity string, days int) (Result, error) {
	d, err := s.limit(ctx, "/api/community/network", identity)
	if err != nil {
		return Result{}, err
	}
	key := cache.Key(s.opts.Prefix, "network", strconv.Itoa(days))
	res, err := serve(ctx, s, key, s.opts.TTL.Network, func(ctx context.Context) (model.NetworkGraph, error) {
		return s.loadNetwork(ctx, days)
	}, nil)
	res.RateLimit = d
	return res, err
}

func (s *Service) loadNetwork(ctx context.Context, days int) (model.NetworkGraph, error) {
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	members, err := s.store.ActiveMembers(ctx, since, 100)
	if err != nil {
		return model.NetworkGraph{}, &StoreError{Op: "members", Err: err}
	}
	ids := make([]string, 0, len(members))
	g := model.NetworkGraph{Nodes: make([]model.NetworkNode, 0, len(members)), Edges: []model.NetworkEdge{}}
	for _, m := range members {
		ids = append(ids, m.ID)
		n := model.NetworkNode{
			ID:             m.ID,
			Name:           m.Name,
			AvatarURL:      m.AvatarURL,
			PrimaryTopic:   m.PrimaryTopic,
			Floor:          m.Floor,
			InfluenceScore: 5.0,
		}
		if n.PrimaryTopic == "" {
			n.PrimaryTopic = "General"
		}
		if n.Floor == 0 {
			n.Floor = 1
		}
		if m.InfluenceScore != nil && *m.InfluenceScore != 0 {
			n.InfluenceScore = *m.InfluenceScore
		}
		g.Nodes = append(g.Nodes, n)
	}
	conns, err := s.store.ConnectionsAmong(ctx, ids, since, 200)
	if err != nil {
		return model.NetworkGraph{}, &StoreError{Op: "connections", Err: err}
	}
	for _, c := range conns {
		reason := c.Reason
		if reason == "" {
			reason = fmt.Sprintf("Co-attended %d events", c.EventCount)
		}
		g.Edges = append(g.Edges, model.NetworkEdge{
			Source:     c.MemberA,
			Target:     c.MemberB,
			Strength:   c.Strength,
			Reason:     reason,
			EventCount: c.EventCount,
		})
	}
	return g, nil
}

// LiveAnalytics returns tower-wide counters, trending topics and per-floor
// activity.
func (s *Service) LiveAnalytics(ctx context.Context, identity string) (Result, error) {
	d, err := s.limit(ctx, "/api/analytics/live", identity)
	if err != nil {
		return Result{}, err
	}
	key := cache.Key(s.opts.Prefix, "live")
	res, err := serve(ctx, s, key, s.opts.TTL.Live, s.loadLive, func(v model.LiveAnalytics) {
		s.pub.LiveMetrics(ctx, v)
	})
	res.RateLimit = d
	return res, err
}

func (s *Service) loadLive(ctx context.Context) (model.LiveAnalytics, error) {
	now := s.now()
	sum, err := s.store.TowerSummary(ctx, now)
	if err != nil {
		return model.LiveAnalytics{}, &StoreError{Op: "tower summary", Err: err}
	}
	topics, err := s.store.TrendingTopics(ctx, now.Add(-7*24*time.Hour), 5)
	if err != nil {
		return model.LiveAnalytics{}, &StoreError{Op: "trending topics", Err: err}
	}
	floors, err := s.store.FloorActivity(ctx, now)
	if err != nil {
		return model.LiveAnalytics{}, &StoreError{Op: "floor activity", Err: err}
	}
	out := model.LiveAnalytics{
		Tower: model.TowerMetrics{
			ActiveMembers:      sum.ActiveMembers,
			LiveEvents:         sum.LiveEvents,
			CollaborationScore: sum.CollaborationScore,
			RevenueToday:       sum.RevenueToday,
		},
		TrendingTopics: make([]model.TrendingTopic, 0, len(topics)),
		FloorActivity:  make([]model.FloorActivity, 0, len(floors)),
	}
	for _, t := range topics {
		out.TrendingTopics = append(out.TrendingTopics, model.TrendingTopic{
			Topic:      t.Topic,
			Velocity:   math.Min(float64(t.Events)/10, 0.99),
			EventCount: t.Events,
		})
	}
	for _, f := range floors {
		out.FloorActivity = append(out.FloorActivity, model.FloorActivity{
			Floor:         f.Floor,
			ActivityScore: orDefault(f.ActivityScore, 0.5),
			CurrentEvents: f.CurrentEvents,
		})
	}
	return out, nil
}

// RevenueOptimization lists under-used slots and per-floor revenue share.
// Authorization is the caller's concern.
func (s *Service) RevenueOptimization(ctx context.Context, identity string) (Result, error) {
	d, err := s.limit(ctx, "/api/revenue/optimization", identity)
	if err != nil {
		return Result{}, err
	}
	key := cache.Key(s.opts.Prefix, "revenue")
	res, err := serve(ctx, s, key, s.opts.TTL.Revenue, s.loadRevenue, func(v model.RevenueOptimization) {
		// opportunities are ranked; alert on the best one
		if len(v.Opportunities) > 0 {
			s.pub.RevenueAlert(ctx, v.Opportunities[0])
		}
	})
	res.RateLimit = d
	return res, err
}

func (s *Service) loadRevenue(ctx context.Context) (model.RevenueOptimization, error) {
	opps, err := s.store.RevenueOpportunities(ctx, 0.5, store.ByPriceMultiplier, 10)
	if err != nil {
		return model.RevenueOptimization{}, &StoreError{Op: "revenue opportunities", Err: err}
	}
	util, err := s.store.FloorUtilization(ctx, s.now().Add(-7*24*time.Hour))
	if err != nil {
		return model.RevenueOptimization{}, &StoreError{Op: "floor utilization", Err: err}
	}
	out := model.RevenueOptimization{
		Opportunities:    make([]model.RevenueOpportunity, 0, len(opps)),
		FloorUtilization: make([]model.FloorUtilization, 0, len(util)),
	}
	for _, o := range opps {
		out.Opportunities = append(out.Opportunities, model.RevenueOpportunity{
			TimeSlot:                   o.Slot,
			CurrentUtilization:         o.AvgUtilization,
			RecommendedPriceMultiplier: o.PriceMultiplier,
			ProjectedRevenue:           o.ProjectedRevenue,
		})
	}
	for _, f := range util {
		out.FloorUtilization = append(out.FloorUtilization, model.FloorUtilization{
			Floor:               f.Floor,
			UtilizationRate:     orDefault(f.UtilizationRate, 0.5),
			RevenueContribution: orDefault(f.RevenueContribution, 0.2),
		})
	}
	return out, nil
}

// orDefault mirrors SQL "x or default": NULL and zero both fall back.
func orDefault(v *float64, def float64) float64 {
	if v == nil || *v == 0 {
		return def
	}
	return *v
}
