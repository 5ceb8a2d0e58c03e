package domain

type Category string

const (
	CategoryElectrical Category = "electrical"
	CategoryPlumbing   Category = "plumbing"
	CategoryVehicle    Category = "vehicle"
	CategoryFurniture  Category = "furniture"
	CategoryAppliance  Category = "appliance"
	CategoryHVAC       Category = "hvac"
	CategoryGeneral    Category = "general"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryElectrical,
	CategoryPlumbing,
	CategoryVehicle,
	CategoryFurniture,
	CategoryAppliance,
	CategoryHVAC,
	CategoryGeneral,
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HoldsAssignment reports whether an issue in status s must carry an assigned worker.
func (s Status) HoldsAssignment() bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusSubmitted, StatusCompleted:
		return true
	}
	return false
}

// HoldsEvidence reports whether an issue in status s must carry completion evidence.
func (s Status) HoldsEvidence() bool {
	return s == StatusSubmitted || s == StatusCompleted
}

type Budget struct {
	Min      float64 `json:"min" yaml:"min"`
	Max      float64 `json:"max" yaml:"max"`
	Currency string  `json:"currency" yaml:"currency"`
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Location struct {
	Address     string       `json:"address"`
	City        string       `json:"city,omitempty"`
	State       string       `json:"state,omitempty"`
	ZipCode     string       `json:"zip_code,omitempty"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
}

type Issue struct {
	ID                 string   `json:"id"`
	CustomerID         string   `json:"customer_id"`
	Category           Category `json:"category"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Urgency            Urgency  `json:"urgency"`
	Budget             *Budget  `json:"budget,omitempty"`
	Location           Location `json:"location"`
	ContactPhone       string   `json:"contact_phone"`
	Images             []string `json:"images"`
	Status             Status   `json:"status"`
	MatchedWorkers     []string `json:"matched_workers"`
	MatchedAt          *string  `json:"matched_at,omitempty" format:"date-time"`
	AssignedWorker     string   `json:"assigned_worker,omitempty"`
	CompletionEvidence []string `json:"completion_evidence"`
	Rating             *int     `json:"rating,omitempty"`
	Version            int      `json:"version"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
	AcceptedAt         *string  `json:"accepted_at,omitempty" format:"date-time"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	SubmittedAt        *string  `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt        *string  `json:"cancelled_at,omitempty" format:"date-time"`
}

// IsMatched reports whether workerID may view and accept the issue.
func (i Issue) IsMatched(workerID string) bool {
	for _, w := range i.MatchedWorkers {
		if w == workerID {
			return true
		}
	}
	return false
}

// NewIssueInput is what a customer submits when reporting an issue.
type NewIssueInput struct {
	CustomerID   string
	Category     Category
	Title        string
	Description  string
	Urgency      Urgency
	Budget       *Budget
	Location     Location
	ContactPhone string
	Images       []string
}

type Worker struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Categories    []Category `json:"categories"`
	Available     bool       `json:"available"`
	CompletedJobs int        `json:"completed_jobs"`
	Rating        float64    `json:"rating"`
	RatingCount   int        `json:"rating_count"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type NotificationKind string

const (
	NotifyMatched   NotificationKind = "matched"
	NotifyAccepted  NotificationKind = "accepted"
	NotifySubmitted NotificationKind = "submitted"
	NotifyApproved  NotificationKind = "approved"
	NotifyRejected  NotificationKind = "rejected"
	NotifyCancelled NotificationKind = "cancelled"
)

type Notification struct {
	ID            string           `json:"id"`
	RecipientID   string           `json:"recipient_id"`
	RecipientRole Role             `json:"recipient_role"`
	IssueID       string           `json:"issue_id"`
	Kind          NotificationKind `json:"kind"`
	Message       string           `json:"message"`
	Read          bool             `json:"read"`
	CreatedAt     string           `json:"created_at" format:"date-time"`
	DeliveredAt   *string          `json:"delivered_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
