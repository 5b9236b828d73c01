package model

// Response shapes for the intelligence endpoints. Field names are part of the
// dashboard contract.

type Coordinates struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type RoomEvent struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	TopicTags     []string `json:"topicTags"`
	Status        string   `json:"status"`
	AttendeeCount int      `json:"attendeeCount"`
}

type LiveMetrics struct {
	AttendeeCount   int     `json:"attendeeCount"`
	Capacity        int     `json:"capacity"`
	ActivityHeat    float64 `json:"activityHeat"`
	UtilizationRate float64 `json:"utilizationRate"`
}

type RoomPulse struct {
	RoomID      string      `json:"roomId"`
	RoomName    string      `json:"roomName"`
	Coordinates Coordinates `json:"coordinates"`
	Event       *RoomEvent  `json:"event"`
	LiveMetrics LiveMetrics `json:"liveMetrics"`
}

type NetworkNode struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	AvatarURL      *string `json:"avatarUrl"`
	PrimaryTopic   string  `json:"primaryTopic"`
	Floor          int     `json:"floor"`
	InfluenceScore float64 `json:"influenceScore"`
}

type NetworkEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Strength   float64 `json:"strength"`
	Reason     string  `json:"reason"`
	EventCount int     `json:"eventCount"`
}

type NetworkGraph struct {
	Nodes []NetworkNode `json:"nodes"`
	Edges []NetworkEdge `json:"edges"`
}

type TrendingTopic struct {
	Topic      string  `json:"topic"`
	Velocity   float64 `json:"velocity"`
	EventCount int     `json:"eventCount"`
}

type FloorActivity struct {
	Floor         int     `json:"floor"`
	ActivityScore float64 `json:"activityScore"`
	CurrentEvents int     `json:"currentEvents"`
}

type TowerMetrics struct {
	ActiveMembers      int     `json:"activeMembers"`
	LiveEvents         int     `json:"liveEvents"`
	CollaborationScore float64 `json:"collaborationScore"`
	RevenueToday       float64 `json:"revenueToday"`
}

type LiveAnalytics struct {
	Tower          TowerMetrics    `json:"tower"`
	TrendingTopics []TrendingTopic `json:"trendingTopics"`
	FloorActivity  []FloorActivity `json:"floorActivity"`
}

type RevenueOpportunity struct {
	TimeSlot                   string  `json:"timeSlot"`
	CurrentUtilization         float64 `json:"currentUtilization"`
	RecommendedPriceMultiplier float64 `json:"recommendedPriceMultiplier"`
	ProjectedRevenue           float64 `json:"projectedRevenue"`
}

type FloorUtilization struct {
	Floor               int     `json:"floor"`
	UtilizationRate     float64 `json:"utilizationRate"`
	RevenueContribution float64 `json:"revenueContribution"`
}

type RevenueOptimization struct {
	Opportunities    []RevenueOpportunity `json:"opportunities"`
	FloorUtilization []FloorUtilization   `json:"floorUtilization"`
}

// BotQuery is the body of POST /api/bot/query.
type BotQuery struct {
	ChatID  string `json:"chatId" validate:"required,max=128"`
	Message string `json:"message" validate:"required,max=2000"`
}

type BotResponse struct {
	Message     string         `json:"message"`
	Data        map[string]any `json:"data"`
	Suggestions []string       `json:"suggestions"`
}

// Health is the liveness body.
type Health struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

type Readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
