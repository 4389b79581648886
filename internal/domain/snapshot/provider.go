package snapshot

import (
	"net/url"
	"strings"
	"time"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/fhir"
)

// FHIR resource types queried for a snapshot.
const (
	ResourcePatient             = "Patient"
	ResourceObservation         = "Observation"
	ResourceAllergyIntolerance  = "AllergyIntolerance"
	ResourceCondition           = "Condition"
	ResourceMedicationRequest   = "MedicationRequest"
	ResourceMedicationStatement = "MedicationStatement"
)

// Provider names.
const (
	ProviderCerner = "cerner"
	ProviderEpic   = "epic"
)

// Look-back windows applied as query lower bounds.
const (
	ObservationWindowYears = 1
	ClinicalWindowYears    = 3
)

// defaultPreviewLimit is the bounded-mode page size for categories a
// provider does not override.
const defaultPreviewLimit = 10

// Provider captures the per-vendor differences in how a snapshot is queried
// and normalized.
type Provider struct {
	Name string
	// ConditionCategory is the Condition.category code searched for.
	ConditionCategory string
	// MedicationResource is MedicationRequest or MedicationStatement.
	MedicationResource string
	// MedicationOnMedBase sends the medication search to the medication
	// base URL instead of the main FHIR base.
	MedicationOnMedBase bool
	// ObservationBasedOn prefixes rendered observations with the ordering
	// request's display.
	ObservationBasedOn bool
	// PreviewLimits overrides the bounded-mode page size per category.
	PreviewLimits map[Category]int
}

// Cerner is the Oracle Health (Cerner Millennium) backend.
var Cerner = Provider{
	Name:               ProviderCerner,
	ConditionCategory:  "encounter-diagnosis",
	MedicationResource: ResourceMedicationRequest,
}

// Epic serves medications from a separate base and labels lab results with
// their order.
var Epic = Provider{
	Name:                ProviderEpic,
	ConditionCategory:   "medical-history",
	MedicationResource:  ResourceMedicationStatement,
	MedicationOnMedBase: true,
	ObservationBasedOn:  true,
	PreviewLimits:       map[Category]int{CategoryMedications: 20},
}

// ProviderByName resolves a configured provider name.
func ProviderByName(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProviderCerner:
		return Cerner, nil
	case ProviderEpic:
		return Epic, nil
	}
	return Provider{}, apperror.Configuration("provider", "unknown provider %q (want %s or %s)", name, ProviderCerner, ProviderEpic)
}

// PreviewLimit returns the bounded-mode page size for c.
func (p Provider) PreviewLimit(c Category) int {
	if n, ok := p.PreviewLimits[c]; ok && n > 0 {
		return n
	}
	return defaultPreviewLimit
}

// Endpoints are the FHIR base URLs a provider is queried on.
type Endpoints struct {
	BaseURL           string
	MedicationBaseURL string
}

func (e Endpoints) medicationBase() string {
	if e.MedicationBaseURL != "" {
		return e.MedicationBaseURL
	}
	return e.BaseURL
}

// PatientQuery looks a patient up by logical id. Only the first match is read.
func (p Provider) PatientQuery(ep Endpoints, patientID string) fhir.SearchQuery {
	return fhir.SearchQuery{
		BaseURL:      ep.BaseURL,
		ResourceType: ResourcePatient,
		Params:       url.Values{"_id": {patientID}},
		Pagination:   fhir.Bounded(1),
	}
}

// CategoryQuery builds the search for one clinical category. now anchors the
// look-back windows; bounded selects preview pagination.
func (p Provider) CategoryQuery(c Category, ep Endpoints, patientID string, now time.Time, bounded bool) fhir.SearchQuery {
	q := fhir.SearchQuery{
		BaseURL:    ep.BaseURL,
		Params:     url.Values{"patient": {patientID}},
		Pagination: fhir.All,
	}
	if bounded {
		q.Pagination = fhir.Bounded(p.PreviewLimit(c))
	}

	switch c {
	case CategoryObservations:
		q.ResourceType = ResourceObservation
		q.Params.Set("category", "laboratory")
		q.Params.Set("date", "ge"+lowerBound(now, ObservationWindowYears))
	case CategoryAllergies:
		q.ResourceType = ResourceAllergyIntolerance
		q.Params.Set("clinical-status", "active")
		q.Params.Set("_lastUpdated", "ge"+lowerBound(now, ClinicalWindowYears))
	case CategoryConditions:
		q.ResourceType = ResourceCondition
		q.Params.Set("category", p.ConditionCategory)
		q.Params.Set("clinical-status", "active")
		q.Params.Set("_lastUpdated", "ge"+lowerBound(now, ClinicalWindowYears))
	case CategoryMedications:
		q.ResourceType = p.MedicationResource
		if p.MedicationOnMedBase {
			q.BaseURL = ep.medicationBase()
		}
		if p.MedicationResource == ResourceMedicationRequest {
			q.Params.Set("status", "active")
			q.Params.Set("intent", "order")
		}
	}
	return q
}

func lowerBound(now time.Time, years int) string {
	return now.UTC().AddDate(-years, 0, 0).Format(time.RFC3339)
}
