package flow

import (
	"encoding/json"
	"log/slog"
	"maps"
)

// Keys owned by the collaborators that share the session store with the
// navigation core.
const (
	KeyParticipant = "participant"
	KeyFormFields  = "formFields"
)

// Participant is the identity issued by the server at first load.
type Participant struct {
	ID             string `json:"participantId"`
	TreatmentGroup int    `json:"treatmentGroup"`
}

// LoadParticipant returns the identity stored by an earlier page load.
func LoadParticipant(s Storage) (Participant, bool) {
	raw, ok := s.Get(KeyParticipant)
	if !ok {
		return Participant{}, false
	}
	var p Participant
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.ID == "" {
		return Participant{}, false
	}
	return p, true
}

// SaveParticipant stores the identity for later page loads.
func SaveParticipant(s Storage, p Participant) error {
	return writeJSON(s, KeyParticipant, p)
}

// FormFields holds plain questionnaire answers keyed by field name and
// writes them through to Storage on every change.
type FormFields struct {
	storage Storage
	logger  *slog.Logger
	values  map[string]string
}

// NewFormFields restores previously stored answers. Unreadable state is
// dropped.
func NewFormFields(s Storage, logger *slog.Logger) *FormFields {
	if logger == nil {
		logger = slog.Default()
	}
	f := &FormFields{storage: s, logger: logger, values: make(map[string]string)}
	if raw, ok := s.Get(KeyFormFields); ok {
		err := json.Unmarshal([]byte(raw), &f.values)
		if err != nil || f.values == nil {
			logger.Warn("Ignoring unreadable form fields", "error", err)
			f.values = make(map[string]string)
		}
	}
	return f
}

// Set records one answer.
func (f *FormFields) Set(name, value string) error {
	f.values[name] = value
	return writeJSON(f.storage, KeyFormFields, f.values)
}

// Get returns one answer.
func (f *FormFields) Get(name string) (string, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Values returns a copy of every answer.
func (f *FormFields) Values() map[string]string {
	out := make(map[string]string, len(f.values))
	maps.Copy(out, f.values)
	return out
}
