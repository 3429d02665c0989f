package store

import (
	"fmt"
	"time"
)

// SchemaVersion is the current state document version.
const SchemaVersion = 1

// Feature statuses.
const (
	FeatureSuggested   = "suggested"
	FeatureApproved    = "approved"
	FeatureImplemented = "implemented"
	FeatureRejected    = "rejected"
)

// Completion channels.
const (
	ViaPipeline = "pipeline"
	ViaOverride = "override"
)

// Document is the shared project state. Sessions are not stored here; they
// live in their own small files.
type Document struct {
	SchemaVersion int                   `json:"schema_version"`
	Features      []Feature             `json:"features"`
	Agents        map[string]AgentEntry `json:"agents"`
	Completions   []Completion          `json:"completions"`
	Counters      map[string]int        `json:"counters"`
	Metadata      Metadata              `json:"metadata"`
}

// Feature is a suggested unit of work and its approval state.
type Feature struct {
	ID            string     `json:"id"`
	Title         string     `json:"title,omitempty"`
	Status        string     `json:"status"`
	ApprovedAt    *time.Time `json:"approved_at,omitempty"`
	ImplementedAt *time.Time `json:"implemented_at,omitempty"`
}

// AgentEntry tracks the last known activity of an agent.
type AgentEntry struct {
	AgentID  string    `json:"agent_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// Completion records one issued termination flag.
type Completion struct {
	AgentID     string    `json:"agent_id"`
	CompletedAt time.Time `json:"completed_at"`
	Via         string    `json:"via"`
	Steps       []string  `json:"steps,omitempty"`
}

// Metadata carries bookkeeping for the document itself.
type Metadata struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  int       `json:"revision"`
}

// NewDocument returns the default skeleton written when no state exists.
func NewDocument(now time.Time) *Document {
	return &Document{
		SchemaVersion: SchemaVersion,
		Features:      []Feature{},
		Agents:        map[string]AgentEntry{},
		Completions:   []Completion{},
		Counters:      map[string]int{},
		Metadata:      Metadata{CreatedAt: now, UpdatedAt: now},
	}
}

// normalize fills nil collections left by older or hand-edited files.
func (d *Document) normalize() {
	if d.Features == nil {
		d.Features = []Feature{}
	}
	if d.Agents == nil {
		d.Agents = map[string]AgentEntry{}
	}
	if d.Completions == nil {
		d.Completions = []Completion{}
	}
	if d.Counters == nil {
		d.Counters = map[string]int{}
	}
}

// Feature returns the feature with id, or nil.
func (d *Document) Feature(id string) *Feature {
	for i := range d.Features {
		if d.Features[i].ID == id {
			return &d.Features[i]
		}
	}
	return nil
}

// SuggestFeature adds a feature in the suggested state.
func (d *Document) SuggestFeature(id, title string) error {
	if d.Feature(id) != nil {
		return fmt.Errorf("feature %q already exists", id)
	}
	d.Features = append(d.Features, Feature{ID: id, Title: title, Status: FeatureSuggested})
	return nil
}

// ApproveFeature moves a suggested feature to approved.
func (d *Document) ApproveFeature(id string, now time.Time) error {
	f := d.Feature(id)
	if f == nil {
		return fmt.Errorf("feature %q not found", id)
	}
	if f.Status != FeatureSuggested {
		return fmt.Errorf("feature %q is %s, only suggested features can be approved", id, f.Status)
	}
	f.Status = FeatureApproved
	f.ApprovedAt = &now
	return nil
}

// MarkImplemented records a feature as implemented. It does not enforce
// approval; FocusViolations reports features implemented without it.
func (d *Document) MarkImplemented(id string, now time.Time) error {
	f := d.Feature(id)
	if f == nil {
		return fmt.Errorf("feature %q not found", id)
	}
	f.Status = FeatureImplemented
	f.ImplementedAt = &now
	return nil
}

// FocusViolations lists features implemented without prior approval.
func (d *Document) FocusViolations() []string {
	var out []string
	for _, f := range d.Features {
		if f.Status != FeatureImplemented {
			continue
		}
		if f.ApprovedAt == nil || (f.ImplementedAt != nil && f.ImplementedAt.Before(*f.ApprovedAt)) {
			out = append(out, f.ID)
		}
	}
	return out
}

// TouchAgent records agent activity.
func (d *Document) TouchAgent(agentID, status string, now time.Time) {
	d.Agents[agentID] = AgentEntry{AgentID: agentID, Status: status, LastSeen: now}
}

// RecordCompletion appends a completion and marks the agent done.
func (d *Document) RecordCompletion(c Completion) {
	d.Completions = append(d.Completions, c)
	d.TouchAgent(c.AgentID, "completed", c.CompletedAt)
}
