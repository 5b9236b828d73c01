package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) RoomsOnFloor(ctx context.Context, floor int) ([]Room, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, floor, x, y, COALESCE(width, 20), COALESCE(height, 20), COALESCE(capacity, 50)
		FROM rooms
		WHERE floor = $1
		ORDER BY id`, floor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Floor, &r.X, &r.Y, &r.Width, &r.Height, &r.Capacity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) LiveEventsOnFloor(ctx context.Context, floor int, at time.Time) ([]LiveEvent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT e.id, e.title, COALESCE(array_to_json(e.tags)::text, '[]'), e.room_id,
		       COUNT(ea.member_id)
		FROM events e
		LEFT JOIN event_attendees ea ON e.id = ea.event_id
		WHERE e.room_id IN (SELECT id FROM rooms WHERE floor = $1)
		  AND e.start_utc <= $2 AND e.end_utc >= $2
		GROUP BY e.id`, floor, at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LiveEvent
	for rows.Next() {
		var (
			e    LiveEvent
			tags string
		)
		if err := rows.Scan(&e.ID, &e.Title, &tags, &e.RoomID, &e.Attendees); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) FloorActivity(ctx context.Context, at time.Time) ([]FloorActivity, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT f.floor, f.activity_score, COUNT(e.id)
		FROM floor_insights f
		LEFT JOIN rooms r ON f.floor = r.floor
		LEFT JOIN events e ON r.id = e.room_id
		    AND e.start_utc <= $1 AND e.end_utc >= $1
		GROUP BY f.floor, f.activity_score
		ORDER BY f.floor`, at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FloorActivity
	for rows.Next() {
		var (
			f     FloorActivity
			score sql.NullFloat64
		)
		if err := rows.Scan(&f.Floor, &score, &f.CurrentEvents); err != nil {
			return nil, err
		}
		f.ActivityScore = nullFloat(score)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) TopFloorInsights(ctx context.Context, limit int) ([]FloorInsight, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT floor, pulse, active_events_24h, unique_attendees_7d, COALESCE(activity_score, 0)
		FROM floor_insights
		ORDER BY pulse DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FloorInsight
	for rows.Next() {
		var f FloorInsight
		if err := rows.Scan(&f.Floor, &f.Pulse, &f.Events24h, &f.Attendees7d, &f.ActivityScore); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (p *Postgres) ActiveMembers(ctx context.Context, since time.Time, limit int) ([]Member, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.name, m.avatar_url, COALESCE(m.primary_topic, ''),
		       COALESCE(m.floor, 0), m.influence_score
		FROM members m
		JOIN event_attendees ea ON m.id = ea.member_id
		JOIN events e ON ea.event_id = e.id
		WHERE e.start_utc >= $1
		LIMIT $2`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		var (
			m      Member
			avatar sql.NullString
			score  sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.Name, &avatar, &m.PrimaryTopic, &m.Floor, &score); err != nil {
			return nil, err
		}
		if avatar.Valid {
			m.AvatarURL = &avatar.String
		}
		m.InfluenceScore = nullFloat(score)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) ConnectionsAmong(ctx context.Context, memberIDs []string, since time.Time, limit int) ([]Connection, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT member_a, member_b, strength, COALESCE(reason, ''), COALESCE(event_count, 0)
		FROM member_connections
		WHERE member_a = ANY($1::text[]) AND member_b = ANY($1::text[])
		  AND last_interaction >= $2
		ORDER BY strength DESC
		LIMIT $3`, memberIDs, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.MemberA, &c.MemberB, &c.Strength, &c.Reason, &c.EventCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) TopConnections(ctx context.Context, since time.Time, limit int) ([]NamedConnection, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m1.name, m2.name, mc.strength
		FROM member_connections mc
		JOIN members m1 ON mc.member_a = m1.id
		JOIN members m2 ON mc.member_b = m2.id
		WHERE mc.last_interaction >= $1
		ORDER BY mc.strength DESC
		LIMIT $2`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []NamedConnection
	for rows.Next() {
		var c NamedConnection
		if err := rows.Scan(&c.MemberA, &c.MemberB, &c.Strength); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CrossFloorConnections(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM member_connections mc
		JOIN members m1 ON mc.member_a = m1.id
		JOIN members m2 ON mc.member_b = m2.id
		WHERE m1.floor != m2.floor
		  AND mc.last_interaction >= $1`, since.UTC()).Scan(&n)
	return n, err
}

func (p *Postgres) TowerSummary(ctx context.Context, now time.Time) (TowerSummary, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var (
		s      TowerSummary
		collab sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(DISTINCT ea.member_id)
		     FROM event_attendees ea JOIN events e ON ea.event_id = e.id
		    WHERE e.start_utc >= $1),
		  (SELECT COUNT(*) FROM events WHERE start_utc <= $2 AND end_utc >= $2),
		  (SELECT AVG(strength) * 10 FROM member_connections WHERE last_interaction >= $3),
		  (SELECT COALESCE(SUM(projected_revenue), 0) FROM revenue_metrics WHERE updated_at >= $4)`,
		now.Add(-24*time.Hour), now, now.Add(-7*24*time.Hour), dayStart,
	).Scan(&s.ActiveMembers, &s.LiveEvents, &collab, &s.RevenueToday)
	if err != nil {
		return TowerSummary{}, err
	}
	s.CollaborationScore = 5.0
	if collab.Valid && collab.Float64 != 0 {
		s.CollaborationScore = collab.Float64
	}
	return s, nil
}

func (p *Postgres) TrendingTopics(ctx context.Context, since time.Time, limit int) ([]TopicCount, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT unnest(tags) AS topic, COUNT(*) AS event_count
		FROM events
		WHERE start_utc >= $1
		GROUP BY topic
		ORDER BY event_count DESC, topic
		LIMIT $2`, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TopicCount
	for rows.Next() {
		var t TopicCount
		if err := rows.Scan(&t.Topic, &t.Events); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) CountLiveEvents(ctx context.Context, at time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE start_utc <= $1 AND end_utc >= $1`, at.UTC()).Scan(&n)
	return n, err
}

func (p *Postgres) RevenueOpportunities(ctx context.Context, maxUtilization float64, order RevenueOrder, limit int) ([]RevenueSlot, error) {
	orderBy := "price_multiplier DESC"
	if order == ByRecommendedPrice {
		orderBy = "(recommended_price - 100) DESC"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT slot, avg_utilization, price_multiplier, recommended_price, projected_revenue
		FROM revenue_metrics
		WHERE avg_utilization < $1
		ORDER BY `+orderBy+`
		LIMIT $2`, maxUtilization, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RevenueSlot
	for rows.Next() {
		var r RevenueSlot
		if err := rows.Scan(&r.Slot, &r.AvgUtilization, &r.PriceMultiplier, &r.RecommendedPrice, &r.ProjectedRevenue); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) FloorUtilization(ctx context.Context, since time.Time) ([]FloorUtilization, error) {
	rows, err := p.db.QueryContext(ctx, `
		WITH room_rates AS (
		  SELECT r.floor,
		         COUNT(ea.member_id)::float / NULLIF(r.capacity, 0) AS attendance_rate
		  FROM rooms r
		  JOIN events e ON e.room_id = r.id AND e.start_utc >= $1
		  LEFT JOIN event_attendees ea ON e.id = ea.event_id
		  GROUP BY r.id, r.floor, r.capacity
		),
		floor_rates AS (
		  SELECT floor, AVG(attendance_rate) AS utilization_rate FROM room_rates GROUP BY floor
		),
		floor_revenue AS (
		  SELECT f.floor, SUM(rm.projected_revenue) AS revenue
		  FROM (SELECT DISTINCT floor FROM rooms) f
		  LEFT JOIN revenue_metrics rm ON rm.slot LIKE '%' || f.floor || '%'
		  GROUP BY f.floor
		)
		SELECT fr.floor, rt.utilization_rate,
		       fr.revenue / NULLIF(SUM(fr.revenue) OVER (), 0)
		FROM floor_revenue fr
		LEFT JOIN floor_rates rt ON rt.floor = fr.floor
		ORDER BY fr.floor`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FloorUtilization
	for rows.Next() {
		var (
			f          FloorUtilization
			util, cont sql.NullFloat64
		)
		if err := rows.Scan(&f.Floor, &util, &cont); err != nil {
			return nil, err
		}
		f.UtilizationRate = nullFloat(util)
		f.RevenueContribution = nullFloat(cont)
		out = append(out, f)
	}
	return out, rows.Err()
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// IsUnavailable reports whether err means the database could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, sql.ErrConnDone)
}
