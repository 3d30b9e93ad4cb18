// Package event defines the domain event envelope handed to the engine.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/mapping"
)

var ErrInvalid = errors.New("invalid event envelope")

// Envelope is a stored domain event. CompanyID is the tenant.
type Envelope struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	SchemaVersion int             `json:"schemaVersion"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Source        string          `json:"source,omitempty"`
	CompanyID     string          `json:"companyId"`
	SubjectID     string          `json:"subjectId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// Trace carries W3C trace context across the bus; it is not part of the mapped envelope
	Trace map[string]string `json:"trace,omitempty"`
}

func (e Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case e.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case e.CompanyID == "":
		return fmt.Errorf("%w: companyId is required", ErrInvalid)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalid)
	}
	return nil
}

// Snapshot is the JSON stored with each delivery, without trace metadata
func (e Envelope) Snapshot() ([]byte, error) {
	e.Trace = nil
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	return json.Marshal(e)
}

// ToValue converts the envelope into the value the mapping engine walks
func (e Envelope) ToValue() (*structpb.Value, error) {
	b, err := e.Snapshot()
	if err != nil {
		return nil, err
	}
	return mapping.FromJSON(b)
}

// Parse decodes and validates an envelope
func Parse(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
