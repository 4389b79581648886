package fhir

import "encoding/json"

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string   `json:"versionId,omitempty"`
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Profile     []string `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// FirstDisplay returns the display of the first coding, if any.
func (cc *CodeableConcept) FirstDisplay() string {
	if cc == nil {
		return ""
	}
	return FirstOr(cc.Coding, Coding{}).Display
}

// Label returns the concept text, falling back to the first coding display.
func (cc *CodeableConcept) Label() string {
	if cc == nil {
		return ""
	}
	return Coalesce(cc.Text, cc.FirstDisplay())
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// Quantity keeps the value as the literal JSON number so "95" and "95.0"
// render the way the server sent them.
type Quantity struct {
	Value  json.Number `json:"value,omitempty"`
	Unit   string      `json:"unit,omitempty"`
	System string      `json:"system,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// Narrative is the human-readable XHTML summary of a resource.
type Narrative struct {
	Status string `json:"status,omitempty"`
	Div    string `json:"div,omitempty"`
}

type Dosage struct {
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`
}

// ---------------------------------------------------------------------------
// Read-only clinical resources
// ---------------------------------------------------------------------------

type Patient struct {
	Resource
	Name                []HumanName `json:"name,omitempty"`
	BirthDate           string      `json:"birthDate,omitempty"`
	Gender              string      `json:"gender,omitempty"`
	GeneralPractitioner []Reference `json:"generalPractitioner,omitempty"`
}

type Observation struct {
	Resource
	Status        string            `json:"status,omitempty"`
	BasedOn       []Reference       `json:"basedOn,omitempty"`
	Category      []CodeableConcept `json:"category,omitempty"`
	Code          *CodeableConcept  `json:"code,omitempty"`
	ValueQuantity *Quantity         `json:"valueQuantity,omitempty"`
	Issued        string            `json:"issued,omitempty"`
}

type AllergyIntolerance struct {
	Resource
	ClinicalStatus *CodeableConcept `json:"clinicalStatus,omitempty"`
	Code           *CodeableConcept `json:"code,omitempty"`
	Text           *Narrative       `json:"text,omitempty"`
}

type Condition struct {
	Resource
	ClinicalStatus *CodeableConcept  `json:"clinicalStatus,omitempty"`
	Category       []CodeableConcept `json:"category,omitempty"`
	Code           *CodeableConcept  `json:"code,omitempty"`
}

type MedicationRequest struct {
	Resource
	Status                    string           `json:"status,omitempty"`
	Intent                    string           `json:"intent,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
}

type MedicationStatement struct {
	Resource
	Status                    string           `json:"status,omitempty"`
	MedicationCodeableConcept *CodeableConcept `json:"medicationCodeableConcept,omitempty"`
	MedicationReference       *Reference       `json:"medicationReference,omitempty"`
	Dosage                    []Dosage         `json:"dosage,omitempty"`
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// First returns the first element of an optional list.
func First[T any](items []T) (T, bool) {
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// FirstOr returns the first element of items, or def when items is empty.
func FirstOr[T any](items []T, def T) T {
	if v, ok := First(items); ok {
		return v
	}
	return def
}

// Coalesce returns the first non-empty string.
func Coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
