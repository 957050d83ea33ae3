// Package domain contains core domain types for the questionnaire.
package domain

import (
	"encoding/json"
	"time"
)

// TreatmentGroup is the experimental arm a participant is assigned to.
type TreatmentGroup int

const (
	// GroupControl completes the questionnaire without the conversational agent.
	GroupControl TreatmentGroup = 0
	// GroupAgent is offered the conversational agent at the agent step.
	GroupAgent TreatmentGroup = 1
)

// Valid reports whether g is a known group.
func (g TreatmentGroup) Valid() bool {
	return g == GroupControl || g == GroupAgent
}

func (g TreatmentGroup) String() string {
	switch g {
	case GroupControl:
		return "control"
	case GroupAgent:
		return "agent"
	default:
		return "unknown"
	}
}

// BalancedGroup picks the group with fewer participants. coin breaks ties;
// it should return true with probability one half.
func BalancedGroup(control, agent int, coin func() bool) TreatmentGroup {
	switch {
	case control < agent:
		return GroupControl
	case agent < control:
		return GroupAgent
	case coin != nil && coin():
		return GroupAgent
	default:
		return GroupControl
	}
}

// Participant is an anonymous questionnaire respondent.
type Participant struct {
	ParticipantID  string         `json:"participant_id"`
	TreatmentGroup TreatmentGroup `json:"treatment_group"`
	LastSeenAt     time.Time      `json:"last_seen_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Submission is the final answer set of one participant.
type Submission struct {
	SubmissionID    string          `json:"submission_id"`
	ParticipantID   string          `json:"participant_id"`
	TreatmentGroup  TreatmentGroup  `json:"treatment_group"`
	ConversationLog json.RawMessage `json:"conversation_log,omitempty"`
	Fields          json.RawMessage `json:"fields,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
