package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patients and events travel as JSON with YYYY-MM-DD dates:
//
//	{"id": "p1", "sex": "F", "date_of_birth": "1950-06-01",
//	 "events": [{"code": "22K..", "system": "ctv3", "date": "2020-03-01", "value": 31.5}]}

type eventJSON struct {
	PatientID string       `json:"patient_id,omitempty"`
	Code      string       `json:"code"`
	System    CodingSystem `json:"system"`
	Date      string       `json:"date"`
	Value     *float64     `json:"value,omitempty"`
}

// MarshalJSON writes the event date as YYYY-MM-DD.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventJSON{
		PatientID: e.PatientID,
		Code:      e.Code,
		System:    e.System,
		Date:      FormatDate(e.Date),
		Value:     e.Value,
	})
}

// UnmarshalJSON reads an event. The date and coding system are required.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if !raw.System.IsValid() {
		return NewValidationError("system", "unknown coding system", raw.System)
	}
	date, err := ParseDate(raw.Date)
	if err != nil {
		return fmt.Errorf("event %s: %w", raw.Code, err)
	}
	*e = Event{
		PatientID: raw.PatientID,
		Code:      raw.Code,
		System:    raw.System,
		Date:      date,
		Value:     raw.Value,
	}
	return nil
}

type patientJSON struct {
	ID          string  `json:"id"`
	Sex         Sex     `json:"sex"`
	DateOfBirth string  `json:"date_of_birth,omitempty"`
	Events      []Event `json:"events"`
}

// MarshalJSON writes the date of birth as YYYY-MM-DD, omitted when unknown.
func (p Patient) MarshalJSON() ([]byte, error) {
	raw := patientJSON{ID: p.ID, Sex: p.Sex, Events: p.Events}
	if !p.DateOfBirth.IsZero() {
		raw.DateOfBirth = FormatDate(p.DateOfBirth)
	}
	if raw.Events == nil {
		raw.Events = []Event{}
	}
	return json.Marshal(raw)
}

// UnmarshalJSON reads a patient. A missing date of birth leaves it unknown.
func (p *Patient) UnmarshalJSON(data []byte) error {
	var raw patientJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Sex {
	case Female, Male, Unknown:
	default:
		return NewValidationError("sex", "sex must be F, M or empty", raw.Sex)
	}

	var dob time.Time
	if raw.DateOfBirth != "" {
		d, err := ParseDate(raw.DateOfBirth)
		if err != nil {
			return fmt.Errorf("patient %s date of birth: %w", raw.ID, err)
		}
		dob = d
	}
	for i := range raw.Events {
		raw.Events[i].PatientID = raw.ID
	}
	*p = Patient{ID: raw.ID, Sex: raw.Sex, DateOfBirth: dob, Events: raw.Events}
	return nil
}
