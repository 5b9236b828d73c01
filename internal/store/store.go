// Package store reads the venue's rooms, events, members and revenue
// aggregates. Handlers treat it as an opaque query boundary.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnavailable = errors.New("store: unavailable")
	ErrNotFound    = errors.New("store: not found")
)

type Room struct {
	ID       string
	Name     string
	Floor    int
	X, Y     int
	Width    int
	Height   int
	Capacity int
}

// LiveEvent is an event in progress with its attendee count.
type LiveEvent struct {
	ID        string
	Title     string
	Tags      []string
	RoomID    string
	Attendees int
}

type Member struct {
	ID             string
	Name           string
	AvatarURL      *string
	PrimaryTopic   string
	Floor          int
	InfluenceScore *float64
}

// Connection is the pairwise interaction strength between two members.
type Connection struct {
	MemberA    string
	MemberB    string
	Strength   float64
	Reason     string
	EventCount int
}

type NamedConnection struct {
	MemberA  string
	MemberB  string
	Strength float64
}

// TowerSummary holds the headline live counters.
type TowerSummary struct {
	ActiveMembers      int
	LiveEvents         int
	CollaborationScore float64
	RevenueToday       float64
}

type TopicCount struct {
	Topic  string
	Events int
}

type FloorActivity struct {
	Floor         int
	ActivityScore *float64
	CurrentEvents int
}

type RevenueSlot struct {
	Slot             string
	AvgUtilization   float64
	PriceMultiplier  float64
	RecommendedPrice float64
	ProjectedRevenue float64
}

type FloorUtilization struct {
	Floor               int
	UtilizationRate     *float64
	RevenueContribution *float64
}

type FloorInsight struct {
	Floor         int
	Pulse         float64
	Events24h     int
	Attendees7d   int
	ActivityScore float64
}

// RevenueOrder selects the ranking for RevenueOpportunities.
type RevenueOrder int

const (
	ByPriceMultiplier RevenueOrder = iota
	ByRecommendedPrice
)

// Store is the read interface used by the intelligence handlers.
type Store interface {
	Ping(ctx context.Context) error

	// Floors
	RoomsOnFloor(ctx context.Context, floor int) ([]Room, error)
	LiveEventsOnFloor(ctx context.Context, floor int, at time.Time) ([]LiveEvent, error)
	FloorActivity(ctx context.Context, at time.Time) ([]FloorActivity, error)
	TopFloorInsights(ctx context.Context, limit int) ([]FloorInsight, error)

	// Community
	ActiveMembers(ctx context.Context, since time.Time, limit int) ([]Member, error)
	ConnectionsAmong(ctx context.Context, memberIDs []string, since time.Time, limit int) ([]Connection, error)
	TopConnections(ctx context.Context, since time.Time, limit int) ([]NamedConnection, error)
	CrossFloorConnections(ctx context.Context, since time.Time) (int, error)

	// Analytics
	TowerSummary(ctx context.Context, now time.Time) (TowerSummary, error)
	TrendingTopics(ctx context.Context, since time.Time, limit int) ([]TopicCount, error)
	CountLiveEvents(ctx context.Context, at time.Time) (int, error)

	// Revenue
	RevenueOpportunities(ctx context.Context, maxUtilization float64, order RevenueOrder, limit int) ([]RevenueSlot, error)
	FloorUtilization(ctx context.Context, since time.Time) ([]FloorUtilization, error)
}

// Empty answers every query with no rows. It stands in when the database
// cannot be reached at startup.
type Empty struct{}

func (Empty) Ping(context.Context) error { return ErrUnavailable }
func (Empty) RoomsOnFloor(context.Context, int) ([]Room, error) { return nil, nil }
func (Empty) LiveEventsOnFloor(context.Context, int, time.Time) ([]LiveEvent, error) {
	return nil, nil
}
func (Empty) FloorActivity(context.Context, time.Time) ([]FloorActivity, error) { return nil, nil }
func (Empty) TopFloorInsights(context.Context, int) ([]FloorInsight, error) { return nil, nil }
func (Empty) ActiveMembers(context.Context, time.Time, int) ([]Member, error) { return nil, nil }
func (Empty) ConnectionsAmong(context.Context, []string, time.Time, int) ([]Connection, error) {
	return nil, nil
}
func (Empty) TopConnections(context.Context, time.Time, int) ([]NamedConnection, error) {
	return nil, nil
}
func (Empty) CrossFloorConnections(context.Context, time.Time) (int, error) { return 0, nil }
func (Empty) TowerSummary(context.Context, time.Time) (TowerSummary, error) {
	return TowerSummary{CollaborationScore: 5.0}, nil
}
func (Empty) TrendingTopics(context.Context, time.Time, int) ([]TopicCount, error) { return nil, nil }
func (Empty) CountLiveEvents(context.Context, time.Time) (int, error) { return 0, nil }
func (Empty) RevenueOpportunities(context.Context, float64, RevenueOrder, int) ([]RevenueSlot, error) {
	return nil, nil
}
func (Empty) FloorUtilization(context.Context, time.Time) ([]FloorUtilization, error) {
	return nil, nil
}
