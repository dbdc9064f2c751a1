package domain

// Priority levels shared by tasks and user stories.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityBlocking = "blocking"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusInReview   = "in_review"
	StatusCompleted  = "completed"
)

// Priorities lists the valid priority values in severity order.
func Priorities() []string {
	return []string{PriorityLow, PriorityMedium, PriorityHigh, PriorityBlocking}
}

// Statuses lists the valid task status values.
func Statuses() []string {
	return []string{StatusPending, StatusInProgress, StatusInReview, StatusCompleted}
}

// Task is a unit of work, possibly attached to a user story. Description,
// effort, category and the risk pair stay nil while the enrichment pipeline
// has not produced them; that partial state is valid and resumable.
type Task struct {
	ID             int64    `json:"id"`
	Title          string   `json:"title"`
	Description    *string  `json:"description,omitempty"`
	Priority       string   `json:"priority" enum:"low,medium,high,blocking"`
	EffortHours    *float64 `json:"effort_hours,omitempty"`
	Status         string   `json:"status" enum:"pending,in_progress,in_review,completed"`
	AssignedTo     string   `json:"assigned_to"`
	Category       *string  `json:"category,omitempty"`
	RiskAnalysis   *string  `json:"risk_analysis,omitempty"`
	RiskMitigation *string  `json:"risk_mitigation,omitempty"`
	UserStoryID    *int64   `json:"user_story_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// UserStory is a backlog story. EffortHoursTotal is derived from the story's
// tasks and only ever written by the recompute path, never by callers.
type UserStory struct {
	ID               int64   `json:"id"`
	Project          string  `json:"project"`
	Role             string  `json:"role"`
	Goal             string  `json:"goal"`
	Reason           string  `json:"reason"`
	Description      string  `json:"description"`
	Priority         string  `json:"priority" enum:"low,medium,high,blocking"`
	StoryPoints      int     `json:"story_points" minimum:"1" maximum:"8"`
	EffortHours      float64 `json:"effort_hours"`
	EffortHoursTotal float64 `json:"effort_hours_total"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// Event records a lifecycle or generation outcome for auditing.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
