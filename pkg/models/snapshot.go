package models

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the textual form of every timestamp sent to observers.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp marshals a time in TimestampLayout, always in UTC.
type Timestamp time.Time

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(TimestampLayout))
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return err
	}
	*t = Timestamp(parsed)
	return nil
}

func timestampPtr(t *time.Time) *Timestamp {
	if t == nil {
		return nil
	}
	ts := Timestamp(*t)
	return &ts
}

// WorkflowView is the workflow half of a joined snapshot.
type WorkflowView struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	StartedAt *Timestamp `json:"started_at"`
	EndedAt   *Timestamp `json:"ended_at"`
}

// StageView is one stage entry of a joined snapshot.
type StageView struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result"`
	StartedAt *Timestamp      `json:"started_at"`
	EndedAt   *Timestamp      `json:"ended_at"`
}

// Snapshot is the combined workflow and all-stages view delivered to
// observers. Absent timestamps and results serialize as null.
type Snapshot struct {
	Workflow WorkflowView        `json:"workflow"`
	Agents   map[Stage]StageView `json:"agents"`
}

// NewWorkflowView renders wf the way observers see it.
func NewWorkflowView(wf *Workflow) WorkflowView {
	started := wf.StartedAt
	return WorkflowView{
		ID:        wf.ID,
		Status:    wf.Status,
		StartedAt: timestampPtr(&started),
		EndedAt:   timestampPtr(wf.EndedAt),
	}
}

// NewSnapshot joins a workflow with its stage records.
func NewSnapshot(wf *Workflow, stages []*StageRecord) *Snapshot {
	snap := &Snapshot{
		Workflow: NewWorkflowView(wf),
		Agents:   make(map[Stage]StageView, len(stages)),
	}
	for _, rec := range stages {
		var result json.RawMessage
		if len(rec.Result) > 0 {
			result = append(json.RawMessage(nil), rec.Result...)
		}
		snap.Agents[rec.Stage] = StageView{
			ID:        rec.ID,
			Status:    rec.Status,
			Result:    result,
			StartedAt: timestampPtr(rec.StartedAt),
			EndedAt:   timestampPtr(rec.EndedAt),
		}
	}
	return snap
}

// Stage returns the view of one stage and whether it is present.
func (s *Snapshot) Stage(stage Stage) (StageView, bool) {
	v, ok := s.Agents[stage]
	return v, ok
}

// MessageType tags a snapshot delivered over a live subscription.
type MessageType string

const (
	MessageInit   MessageType = "init"
	MessageUpdate MessageType = "update"
)

// Message is one frame sent to a live observer.
type Message struct {
	Type MessageType `json:"type"`
	Data *Snapshot   `json:"data"`
}
