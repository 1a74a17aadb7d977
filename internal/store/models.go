package store

import "time"

// IdentityKind identifies how a sender identity authenticates.
type IdentityKind string

const (
	KindOAuthGoogle    IdentityKind = "oauth_google"
	KindOAuthMicrosoft IdentityKind = "oauth_microsoft"
	KindSMTPCustom     IdentityKind = "smtp_custom"
	KindRelayDefault   IdentityKind = "relay_default"
)

// SenderIdentity is a mailbox capable of sending.
type SenderIdentity struct {
	ID    string       `json:"id"`
	Email string       `json:"email"`
	Kind  IdentityKind `json:"kind"`

	AccessToken  string     `json:"-"`
	RefreshToken string     `json:"-"`
	TokenExpiry  *time.Time `json:"token_expiry,omitempty"`

	SMTPHost     string `json:"smtp_host,omitempty"`
	SMTPPort     int    `json:"smtp_port,omitempty"`
	SMTPUsername string `json:"-"`
	SMTPPassword string `json:"-"`
	SMTPSecurity string `json:"smtp_security,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WarmupStatus is the lifecycle state of a warmup mailbox.
type WarmupStatus string

const (
	WarmupPending   WarmupStatus = "pending"
	WarmupActive    WarmupStatus = "active"
	WarmupPaused    WarmupStatus = "paused"
	WarmupCompleted WarmupStatus = "completed"
	WarmupFailed    WarmupStatus = "failed"
)

var warmupTransitions = map[WarmupStatus][]WarmupStatus{
	WarmupPending:   {WarmupActive, WarmupFailed},
	WarmupActive:    {WarmupPaused, WarmupCompleted, WarmupFailed},
	WarmupPaused:    {WarmupActive, WarmupCompleted, WarmupFailed},
	WarmupCompleted: {},
	WarmupFailed:    {},
}

// CanTransition reports whether the status change is allowed.
func (s WarmupStatus) CanTransition(to WarmupStatus) bool {
	for _, t := range warmupTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// WarmupMailbox is a sender identity enrolled in pacing-based reputation
// building.
type WarmupMailbox struct {
	ID            string       `json:"id"`
	IdentityEmail string       `json:"identity_email"`
	DailyLimit    int          `json:"daily_email_limit"`
	StartDate     time.Time    `json:"start_date"`
	DurationDays  int          `json:"duration_days"`
	Status        WarmupStatus `json:"status"`

	StatsSent     int        `json:"stats_sent"`
	StatsReceived int        `json:"stats_received"`
	StatsReplies  int        `json:"stats_replies"`
	StatsOpens    int        `json:"stats_opens"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WindowElapsed reports whether the warmup period is over at the given time.
func (w *WarmupMailbox) WindowElapsed(now time.Time) bool {
	return !now.Before(w.StartDate.AddDate(0, 0, w.DurationDays))
}

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignRunning},
	CampaignRunning:   {CampaignPaused, CampaignCompleted},
	CampaignPaused:    {CampaignRunning, CampaignCompleted},
	CampaignCompleted: {},
}

// CanTransition reports whether the status change is allowed.
func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	for _, t := range campaignTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Schedule restricts when a campaign may send. A campaign without a schedule
// is always eligible.
type Schedule struct {
	StartDate string   `json:"start_date,omitempty"` // 2006-01-02
	EndDate   string   `json:"end_date,omitempty"`
	FromTime  string   `json:"from_time,omitempty"` // 15:04
	ToTime    string   `json:"to_time,omitempty"`
	Timezone  string   `json:"timezone,omitempty"`
	Days      []string `json:"days,omitempty"` // full weekday names
}

// Campaign is an outreach run.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       CampaignStatus `json:"status"`
	FromEmails   []string       `json:"from_emails"`
	DailyLimit   int            `json:"daily_limit"`
	StopOnReply  bool           `json:"stop_on_reply"`
	OpenTracking bool           `json:"open_tracking"`
	SendTextOnly bool           `json:"send_text_only"`
	Schedule     *Schedule      `json:"schedule,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CampaignStep is one templated message in a multi-touch sequence.
type CampaignStep struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	Position   int       `json:"position"`
	Subject    string    `json:"subject"`
	TextBody   string    `json:"text_body"`
	HTMLBody   string    `json:"html_body,omitempty"`
	TextOnly   bool      `json:"text_only"`
	WaitDays   int       `json:"wait_days"`
	CreatedAt  time.Time `json:"created_at"`
}

// LeadStatus is the lifecycle state of a lead.
type LeadStatus string

const (
	LeadActive       LeadStatus = "active"
	LeadReplied      LeadStatus = "replied"
	LeadBounced      LeadStatus = "bounced"
	LeadUnsubscribed LeadStatus = "unsubscribed"
	LeadCompleted    LeadStatus = "completed"
)

// Lead is a single recipient inside a campaign.
type Lead struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	Email       string     `json:"email"`
	Status      LeadStatus `json:"status"`
	CurrentStep int        `json:"current_step"`
	HasReplied  bool       `json:"has_replied"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// LeadActivity is one append-only send record.
type LeadActivity struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"lead_id"`
	CampaignID string    `json:"campaign_id"`
	StepID     string    `json:"step_id"`
	MessageID  string    `json:"message_id"`
	SentAt     time.Time `json:"sent_at"`
}
