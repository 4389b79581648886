package snapshot

import (
	"github.com/ehr/snapshot/internal/platform/apperror"
)

// Category names one of the four clinical sections fetched in parallel.
type Category string

const (
	CategoryObservations Category = "observations"
	CategoryAllergies    Category = "allergies"
	CategoryConditions   Category = "conditions"
	CategoryMedications  Category = "medications"
)

// Categories lists the clinical sections in snapshot order.
var Categories = []Category{
	CategoryObservations,
	CategoryAllergies,
	CategoryConditions,
	CategoryMedications,
}

// Caps applied after deduplication.
const (
	MaxObservations = 100
	MaxAllergies    = 10
	MaxConditions   = 10
	MaxMedications  = 20
)

type PatientSummary struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	DOB                 string `json:"dob"`
	Gender              string `json:"gender"`
	GeneralPractitioner string `json:"general_practitioner"`
}

// ObservationSummary is one laboratory result. Text is the rendered line used
// for display and deduplication.
type ObservationSummary struct {
	BasedOn  string `json:"based_on,omitempty"`
	CodeText string `json:"code_text"`
	Value    string `json:"value"`
	Unit     string `json:"unit"`
	Issued   string `json:"issued"`
	Text     string `json:"text"`
}

type AllergySummary struct {
	Text string `json:"text"`
}

type ConditionSummary struct {
	Text string `json:"text"`
}

type MedicationSummary struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
}

// CategoryFailure describes a section left empty under the partial-results
// policy.
type CategoryFailure struct {
	Category Category      `json:"category"`
	Kind     apperror.Kind `json:"kind"`
	Message  string        `json:"message"`
}

// Snapshot is the normalized clinical record of one patient. Patient is nil
// when the server had no match and a missing patient is tolerated.
type Snapshot struct {
	Patient      *PatientSummary      `json:"patient"`
	Observations []ObservationSummary `json:"observations"`
	Allergies    []AllergySummary     `json:"allergies"`
	Conditions   []ConditionSummary   `json:"conditions"`
	Medications  []MedicationSummary  `json:"medications"`
	Failures     []CategoryFailure    `json:"failures,omitempty"`
}

// newSnapshot returns a Snapshot whose sections encode as [] rather than null.
func newSnapshot() *Snapshot {
	return &Snapshot{
		Observations: []ObservationSummary{},
		Allergies:    []AllergySummary{},
		Conditions:   []ConditionSummary{},
		Medications:  []MedicationSummary{},
	}
}

// Count returns the number of entries in a category.
func (s *Snapshot) Count(c Category) int {
	switch c {
	case CategoryObservations:
		return len(s.Observations)
	case CategoryAllergies:
		return len(s.Allergies)
	case CategoryConditions:
		return len(s.Conditions)
	case CategoryMedications:
		return len(s.Medications)
	}
	return 0
}
