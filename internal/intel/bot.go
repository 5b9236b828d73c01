package intel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"towerintel/internal/cache"
	"towerintel/internal/model"
	"towerintel/internal/store"
)

type intent int

const (
	intentGeneral intent = iota
	intentPulse
	intentRevenue
	intentNetwork
)

// classify routes a chat message by keyword, first match wins.
func classify(msg string) intent {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "pulse") || strings.Contains(m, "activity"):
		return intentPulse
	case strings.Contains(m, "revenue") || strings.Contains(m, "optimization"):
		return intentRevenue
	case strings.Contains(m, "collaboration") || strings.Contains(m, "network"):
		return intentNetwork
	default:
		return intentGeneral
	}
}

// BotQuery answers a chat message from live data. Budget is per subject and
// chat; answers are cached per exact message.
func (s *Service) BotQuery(ctx context.Context, identity string, q model.BotQuery) (Result, error) {
	d, err := s.limit(ctx, "/api/bot/query", identity+":"+q.ChatID)
	if err != nil {
		return Result{}, err
	}
	key := cache.Key("bot:", q.ChatID, cache.ContentHash(q.ChatID+":"+q.Message))
	res, err := serve(ctx, s, key, s.opts.TTL.Bot, func(ctx context.Context) (model.BotResponse, error) {
		return s.answer(ctx, q.Message)
	}, func(v model.BotResponse) {
		s.pub.BotResponse(ctx, q.ChatID, v)
	})
	res.RateLimit = d
	return res, err
}

func (s *Service) answer(ctx context.Context, msg string) (model.BotResponse, error) {
	switch classify(msg) {
	case intentPulse:
		return s.answerPulse(ctx)
	case intentRevenue:
		return s.answerRevenue(ctx)
	case intentNetwork:
		return s.answerNetwork(ctx)
	default:
		return s.answerGeneral(ctx)
	}
}

func (s *Service) answerPulse(ctx context.Context) (model.BotResponse, error) {
	floors, err := s.store.TopFloorInsights(ctx, 3)
	if err != nil {
		return model.BotResponse{}, &StoreError{Op: "floor insights", Err: err}
	}
	rows := make([]map[string]any, 0, len(floors))
	for _, f := range floors {
		rows = append(rows, map[string]any{
			"floor":       f.Floor,
			"pulse":       f.Pulse,
			"events24h":   f.Events24h,
			"attendees7d": f.Attendees7d,
		})
	}
	message := "No floor activity recorded yet."
	if len(floors) > 0 {
		top := floors[0]
		message = fmt.Sprintf("🔥 Floor %d pulse: %.1f/10 impact with %d events in 24h", top.Floor, top.Pulse, top.Events24h)
	}
	return model.BotResponse{
		Message: message,
		Data:    map[string]any{"floors": rows},
		Suggestions: []string{
			"Check specific floor activity",
			"View trending topics",
			"Analyze cross-floor collaboration",
		},
	}, nil
}

func (s *Service) answerRevenue(ctx context.Context) (model.BotResponse, error) {
	opps, err := s.store.RevenueOpportunities(ctx, 0.5, store.ByRecommendedPrice, 3)
	if err != nil {
		return model.BotResponse{}, &StoreError{Op: "revenue opportunities", Err: err}
	}
	rows := make([]map[string]any, 0, len(opps))
	for _, o := range opps {
		rows = append(rows, map[string]any{
			"slot":        o.Slot,
			"utilization": o.AvgUtilization,
			"price":       o.RecommendedPrice,
		})
	}
	message := "All time slots are well optimized!"
	if len(opps) > 0 {
		top := opps[0]
		message = fmt.Sprintf("💰 Opportunity: %s at %.0f%% utilization. Recommended price: $%.0f",
			top.Slot, top.AvgUtilization*100, top.RecommendedPrice)
	}
	return model.BotResponse{
		Message: message,
		Data:    map[string]any{"opportunities": rows},
		Suggestions: []string{
			"View floor utilization rates",
			"Check peak demand times",
			"Analyze pricing trends",
		},
	}, nil
}

func (s *Service) answerNetwork(ctx context.Context) (model.BotResponse, error) {
	since := s.now().Add(-7 * 24 * time.Hour)
	top, err := s.store.TopConnections(ctx, since, 3)
	if err != nil {
		return model.BotResponse{}, &StoreError{Op: "top connections", Err: err}
	}
	cross, err := s.store.CrossFloorConnections(ctx, since)
	if err != nil {
		return model.BotResponse{}, &StoreError{Op: "cross-floor connections", Err: err}
	}
	rows := make([]map[string]any, 0, len(top))
	for _, c := range top {
		rows = append(rows, map[string]any{
			"members":  []string{c.MemberA, c.MemberB},
			"strength": c.Strength,
		})
	}
	return model.BotResponse{
		Message: fmt.Sprintf("🤝 Cross-floor collaboration: %d connections this week", cross),
		Data: map[string]any{
			"crossFloorConnections": cross,
			"topConnections":        rows,
		},
		Suggestions: []string{
			"View network graph",
			"Check floor synergy scores",
			"Analyze topic clusters",
		},
	}, nil
}

func (s *Service) answerGeneral(ctx context.Context) (model.BotResponse, error) {
	n, err := s.store.CountLiveEvents(ctx, s.now())
	if err != nil {
		return model.BotResponse{}, &StoreError{Op: "live events", Err: err}
	}
	return model.BotResponse{
		Message: fmt.Sprintf("👋 Frontier Tower is buzzing with %d live events! What would you like to explore?", n),
		Data:    map[string]any{"liveEvents": n},
		Suggestions: []string{
			"Show floor pulse",
			"Check revenue optimization",
			"View collaboration network",
		},
	}, nil
}
