package types

import (
	"encoding/json"
	"time"
)

// SpriteStatus represents the lifecycle state of a pooled sprite
type SpriteStatus string

const (
	SpriteStatusAvailable   SpriteStatus = "available"
	SpriteStatusAssigned    SpriteStatus = "assigned"
	SpriteStatusUnreachable SpriteStatus = "unreachable"
)

// Sprite is one pooled workspace VM. The sprite name is the key of the
// pool file's sprites map, so it is not serialized on the record itself.
type Sprite struct {
	Status           SpriteStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	SpriteURL        string       `json:"sprite_url"`
	AssignedTo       string       `json:"assigned_to,omitempty"`
	AssignedAt       *time.Time   `json:"assigned_at,omitempty"`
	CustomerEmail    string       `json:"customer_email,omitempty"`
	CustomerName     string       `json:"customer_name,omitempty"`
	UnreachableSince *time.Time   `json:"unreachable_since,omitempty"`
}

// PoolState is the on-disk pool document: the sprites map plus the
// inverted assignment index (username -> sprite name).
type PoolState struct {
	Sprites     map[string]*Sprite `json:"sprites"`
	Assignments map[string]string  `json:"assignments"`
}

// PoolStatus summarizes pool capacity
type PoolStatus struct {
	Total          int  `json:"total"`
	Available      int  `json:"available"`
	Assigned       int  `json:"assigned"`
	NeedsExpansion bool `json:"needs_expansion"`
}

// SpriteRef identifies an assigned sprite to callers
type SpriteRef struct {
	Name string `json:"sprite_name"`
	URL  string `json:"sprite_url"`
}

// TaskType represents the kind of work a task requests
type TaskType string

const (
	TaskTypeProvisioning TaskType = "provisioning"
	TaskTypeRecycle      TaskType = "recycle"
)

// IDPrefix returns the task-id prefix for this task type
func (t TaskType) IDPrefix() string {
	if t == TaskTypeRecycle {
		return "RECYCLE-"
	}
	return "PROV-"
}

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// TaskMetadata carries the customer attributes written by the checkout
// intake endpoint. Keys this agent does not understand are preserved in
// Extra so a round-trip never drops data.
type TaskMetadata struct {
	CustomerName     string   `json:"customerName,omitempty"`
	CustomerEmail    string   `json:"customerEmail,omitempty"`
	Username         string   `json:"username,omitempty"`
	Password         string   `json:"password,omitempty"`
	GatewayToken     string   `json:"gatewayToken,omitempty"`
	SpriteName       string   `json:"spriteName,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	StripeCustomerID string   `json:"stripeCustomerId,omitempty"`
	SubscriptionID   string   `json:"subscriptionId,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Token returns the gateway token, falling back to the checkout password
func (m *TaskMetadata) Token() string {
	if m.GatewayToken != "" {
		return m.GatewayToken
	}
	return m.Password
}

// metadataKnownKeys lists the keys handled by the typed fields above
var metadataKnownKeys = map[string]bool{
	"customerName": true, "customerEmail": true, "username": true,
	"password": true, "gatewayToken": true, "spriteName": true,
	"skills": true, "stripeCustomerId": true, "subscriptionId": true,
}

type taskMetadataAlias TaskMetadata

// UnmarshalJSON decodes the typed fields and stashes unknown keys in Extra
func (m *TaskMetadata) UnmarshalJSON(data []byte) error {
	var alias taskMetadataAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if metadataKnownKeys[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*m = TaskMetadata(alias)
	return nil
}

// MarshalJSON re-emits the typed fields merged with any preserved keys
func (m TaskMetadata) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(taskMetadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.Extra {
		if _, ok := merged[key]; !ok {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// TaskResult records the terminal outcome of a task, including flags for
// secondary effects so partial successes stay visible to the post-hook.
type TaskResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	SpriteName        string `json:"sprite_name,omitempty"`
	SpriteURL         string `json:"sprite_url,omitempty"`
	SpriteInternalURL string `json:"sprite_internal_url,omitempty"`
	Username          string `json:"username,omitempty"`
	MiddlewareUpdated bool   `json:"middleware_updated,omitempty"`
	EmailSent         bool   `json:"email_sent,omitempty"`
	Message           string `json:"message,omitempty"`
}

// Task is one persisted unit of provisioning or recycling work
type Task struct {
	ID        string       `json:"id"`
	Type      TaskType     `json:"type"`
	Status    TaskStatus   `json:"status"`
	Priority  string       `json:"priority,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Metadata  TaskMetadata `json:"metadata"`
	Result    *TaskResult  `json:"result,omitempty"`
}

// TaskFile is the on-disk task store document
type TaskFile struct {
	Tasks map[string]*Task `json:"tasks"`
}
