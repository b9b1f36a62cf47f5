package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies the health record subtype carried by a payload.
type Kind string

const (
	KindConsultation Kind = "consultation"
	KindPrescription Kind = "prescription"
	KindTestResult   Kind = "test_result"
)

const recordedOnLayout = "2006-01-02"

var (
	// ErrInvalidPayload indicates that a payload does not satisfy its subtype invariants.
	ErrInvalidPayload = errors.New("records: invalid payload")
	// ErrInvalidPatch indicates that a patch cannot be applied to the record subtype.
	ErrInvalidPatch = errors.New("records: invalid patch")
	// ErrInvalidSnapshot indicates that a peer snapshot violates versioning invariants.
	ErrInvalidSnapshot = errors.New("records: invalid snapshot")
)

// Payload is the tagged union of record subtypes sharing a common envelope.
// Exactly one subtype section is populated and it must match Kind.
type Payload struct {
	Kind         Kind          `json:"kind"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	RecordedOn   string        `json:"recordedOn"`
	Consultation *Consultation `json:"consultation,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	TestResult   *TestResult   `json:"testResult,omitempty"`
}

// Consultation captures a visit with a clinician.
type Consultation struct {
	Doctor    string   `json:"doctor"`
	Symptoms  string   `json:"symptoms"`
	Diagnosis string   `json:"diagnosis"`
	Allergies []string `json:"allergies"`
	FollowUp  string   `json:"followUp"`
}

// Prescription captures medication lines issued by a prescriber.
type Prescription struct {
	Prescriber  string           `json:"prescriber"`
	Medications []MedicationLine `json:"medications"`
	Allergies   []string         `json:"allergies"`
	Notes       string           `json:"notes"`
}

// MedicationLine is one prescribed medication.
type MedicationLine struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	DurationDays int    `json:"durationDays"`
}

// TestResult captures a laboratory measurement.
type TestResult struct {
	TestName       string `json:"testName"`
	Laboratory     string `json:"laboratory"`
	Value          string `json:"value"`
	Unit           string `json:"unit"`
	ReferenceRange string `json:"referenceRange"`
	Abnormal       bool   `json:"abnormal"`
}

// Validate enforces the subtype invariants.
func (payload Payload) Validate() error {
	if strings.TrimSpace(payload.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrInvalidPayload)
	}
	if payload.RecordedOn != "" {
		if _, err := time.Parse(recordedOnLayout, payload.RecordedOn); err != nil {
			return fmt.Errorf("%w: recordedOn must be YYYY-MM-DD", ErrInvalidPayload)
		}
	}

	sections := 0
	if payload.Consultation != nil {
		sections++
	}
	if payload.Prescription != nil {
		sections++
	}
	if payload.TestResult != nil {
		sections++
	}
	if sections != 1 {
		return fmt.Errorf("%w: expected exactly one subtype section, got %d", ErrInvalidPayload, sections)
	}

	switch payload.Kind {
	case KindConsultation:
		if payload.Consultation == nil {
			return fmt.Errorf("%w: consultation section missing", ErrInvalidPayload)
		}
	case KindPrescription:
		if payload.Prescription == nil {
			return fmt.Errorf("%w: prescription section missing", ErrInvalidPayload)
		}
		for index, line := range payload.Prescription.Medications {
			if strings.TrimSpace(line.Name) == "" {
				return fmt.Errorf("%w: medication %d has no name", ErrInvalidPayload, index)
			}
			if line.DurationDays < 0 {
				return fmt.Errorf("%w: medication %d has negative duration", ErrInvalidPayload, index)
			}
		}
	case KindTestResult:
		if payload.TestResult == nil {
			return fmt.Errorf("%w: test result section missing", ErrInvalidPayload)
		}
		if strings.TrimSpace(payload.TestResult.TestName) == "" {
			return fmt.Errorf("%w: empty test name", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, payload.Kind)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate list fields freely.
func (payload Payload) Clone() Payload {
	cloned := payload
	if payload.Consultation != nil {
		consultation := *payload.Consultation
		consultation.Allergies = cloneSlice(payload.Consultation.Allergies)
		cloned.Consultation = &consultation
	}
	if payload.Prescription != nil {
		prescription := *payload.Prescription
		prescription.Medications = cloneSlice(payload.Prescription.Medications)
		prescription.Allergies = cloneSlice(payload.Prescription.Allergies)
		cloned.Prescription = &prescription
	}
	if payload.TestResult != nil {
		testResult := *payload.TestResult
		cloned.TestResult = &testResult
	}
	return cloned
}

// cloneSlice copies values, keeping nil and empty distinct so the JSON encoding is unchanged.
func cloneSlice[T any](values []T) []T {
	if values == nil {
		return nil
	}
	return append(make([]T, 0, len(values)), values...)
}

// Patch describes a partial update. Nil fields are left unchanged; a subtype section
// replaces the stored section wholesale and must match the record kind.
type Patch struct {
	Title        *string       `json:"title,omitempty"`
	Description  *string       `json:"description,omitempty"`
	RecordedOn   *string       `json:"recordedOn,omitempty"`
	Consultation *Consultation `json:"consultation,omitempty"`
	Prescription *Prescription `json:"prescription,omitempty"`
	TestResult   *TestResult   `json:"testResult,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (patch Patch) IsEmpty() bool {
	return patch.Title == nil && patch.Description == nil && patch.RecordedOn == nil &&
		patch.Consultation == nil && patch.Prescription == nil && patch.TestResult == nil
}

// Apply returns a validated copy of base with the patch applied.
func (patch Patch) Apply(base Payload) (Payload, error) {
	if patch.IsEmpty() {
		return Payload{}, fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	next := base.Clone()
	if patch.Title != nil {
		next.Title = *patch.Title
	}
	if patch.Description != nil {
		next.Description = *patch.Description
	}
	if patch.RecordedOn != nil {
		next.RecordedOn = *patch.RecordedOn
	}
	if patch.Consultation != nil {
		if base.Kind != KindConsultation {
			return Payload{}, fmt.Errorf("%w: consultation section on %s record", ErrInvalidPatch, base.Kind)
		}
		next.Consultation = Payload{Consultation: patch.Consultation}.Clone().Consultation
	}
	if patch.Prescription != nil {
		if base.Kind != KindPrescription {
			return Payload{}, fmt.Errorf("%w: prescription section on %s record", ErrInvalidPatch, base.Kind)
		}
		next.Prescription = Payload{Prescription: patch.Prescription}.Clone().Prescription
	}
	if patch.TestResult != nil {
		if base.Kind != KindTestResult {
			return Payload{}, fmt.Errorf("%w: test result section on %s record", ErrInvalidPatch, base.Kind)
		}
		next.TestResult = Payload{TestResult: patch.TestResult}.Clone().TestResult
	}
	if err := next.Validate(); err != nil {
		return Payload{}, err
	}
	return next, nil
}

func encodePayload(payload Payload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodePayload(raw string) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return payload, nil
}
