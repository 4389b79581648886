package snapshot

import (
	"encoding/json"
	"errors"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/fhir"
	"github.com/ehr/snapshot/internal/platform/telemetry"
)

// Placeholders for resources without any usable label.
const (
	UnspecifiedAllergy    = "Allergy/Intolerance (unspecified)"
	UnspecifiedCondition  = "Condition (unspecified)"
	UnspecifiedMedication = "Medication (unspecified)"
)

// IssuedLayout is the display format for observation dates.
const IssuedLayout = "01/02/2006"

var (
	htmlTag = regexp.MustCompile(`<[^>]*>`)
	spaces  = regexp.MustCompile(`\s+`)

	issuedLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
)

// ---------------------------------------------------------------------------
// Per-resource normalization
// ---------------------------------------------------------------------------

// NormalizePatient summarizes p. The id echoes the requested id rather than
// the server's, which may differ in case or carry a version suffix.
func NormalizePatient(requestedID string, p fhir.Patient) PatientSummary {
	name := fhir.FirstOr(p.Name, fhir.HumanName{})
	full := strings.TrimSpace(name.Text)
	if full == "" {
		parts := nonEmpty(fhir.FirstOr(name.Given, ""), name.Family)
		full = strings.Join(parts, " ")
	}
	return PatientSummary{
		ID:                  requestedID,
		Name:                full,
		DOB:                 p.BirthDate,
		Gender:              p.Gender,
		GeneralPractitioner: fhir.FirstOr(p.GeneralPractitioner, fhir.Reference{}).Display,
	}
}

// NormalizeObservation summarizes o. withBasedOn adds the first basedOn
// display as a label in front of the rendered text. A non-nil error is a
// normalization warning: the summary is still usable and keeps the raw
// issued string.
func NormalizeObservation(o fhir.Observation, withBasedOn bool) (ObservationSummary, error) {
	var s ObservationSummary
	if withBasedOn {
		s.BasedOn = fhir.FirstOr(o.BasedOn, fhir.Reference{}).Display
	}
	s.CodeText = o.Code.Label()
	if vq := o.ValueQuantity; vq != nil {
		s.Value = vq.Value.String()
		if s.Value != "" {
			s.Unit = fhir.Coalesce(vq.Unit, vq.Code)
		}
	}

	var warning error
	if o.Issued != "" {
		formatted, err := FormatIssued(o.Issued)
		if err != nil {
			warning = apperror.Wrap(apperror.KindNormalization, "observation "+o.ID, "unparseable issued date kept as-is", err)
		}
		s.Issued = formatted
	}

	head := strings.TrimSpace(strings.ReplaceAll(s.CodeText, ":", ""))
	if s.BasedOn != "" {
		head = strings.TrimSpace(s.BasedOn + ": " + head)
	}
	measure := s.Value
	if measure != "" && s.Unit != "" {
		measure += " " + s.Unit
	}
	s.Text = strings.Join(nonEmpty(head, measure, s.Issued), " ")
	return s, warning
}

// FormatIssued renders an ISO 8601 timestamp as MM/DD/YYYY in its own
// offset. On failure the raw string is returned with the parse error.
func FormatIssued(raw string) (string, error) {
	var firstErr error
	for _, layout := range issuedLayouts {
		t, err := time.Parse(layout, strings.TrimSpace(raw))
		if err == nil {
			return t.Format(IssuedLayout), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return raw, firstErr
}

// NormalizeAllergy labels a by code text, first coding display, then its
// narrative with markup removed.
func NormalizeAllergy(a fhir.AllergyIntolerance) AllergySummary {
	var narrative string
	if a.Text != nil {
		narrative = stripHTML(a.Text.Div)
	}
	return AllergySummary{
		Text: fhir.Coalesce(a.Code.Label(), narrative, UnspecifiedAllergy),
	}
}

func NormalizeCondition(c fhir.Condition) ConditionSummary {
	return ConditionSummary{
		Text: fhir.Coalesce(c.Code.Label(), UnspecifiedCondition),
	}
}

// NormalizeMedicationRequest names the drug by its coded concept text.
func NormalizeMedicationRequest(m fhir.MedicationRequest) MedicationSummary {
	var name string
	if m.MedicationCodeableConcept != nil {
		name = m.MedicationCodeableConcept.Text
	}
	return MedicationSummary{
		Name:   fhir.Coalesce(strings.TrimSpace(name), UnspecifiedMedication),
		Dosage: strings.TrimSpace(fhir.FirstOr(m.DosageInstruction, fhir.Dosage{}).Text),
	}
}

// NormalizeMedicationStatement names the drug by its reference display.
func NormalizeMedicationStatement(m fhir.MedicationStatement) MedicationSummary {
	var name string
	if m.MedicationReference != nil {
		name = m.MedicationReference.Display
	}
	return MedicationSummary{
		Name:   fhir.Coalesce(strings.TrimSpace(name), UnspecifiedMedication),
		Dosage: strings.TrimSpace(fhir.FirstOr(m.Dosage, fhir.Dosage{}).Text),
	}
}

// ---------------------------------------------------------------------------
// Category pipelines: decode, normalize, filter, dedupe, cap
// ---------------------------------------------------------------------------

// decodeAll decodes every raw resource into T. A field of the wrong type is
// logged and skipped; the fields that did decode are kept. Only a resource
// that is not valid JSON is replaced by the zero value, so the category
// still yields its placeholder entry.
func decodeAll[T any](raws []json.RawMessage, category Category, logger zerolog.Logger) []T {
	out := make([]T, len(raws))
	for i, raw := range raws {
		err := json.Unmarshal(raw, &out[i])
		if err == nil {
			continue
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			warn(logger, category, apperror.Wrap(apperror.KindNormalization, "decode", "field "+typeErr.Field+" has an unexpected type", err))
			continue
		}
		warn(logger, category, apperror.Wrap(apperror.KindNormalization, "decode", "resource is not valid JSON", err))
		var zero T
		out[i] = zero
	}
	return out
}

func summarizeObservations(raws []json.RawMessage, p Provider, logger zerolog.Logger) []ObservationSummary {
	obs := decodeAll[fhir.Observation](raws, CategoryObservations, logger)
	out := make([]ObservationSummary, 0, len(obs))
	for _, o := range obs {
		s, err := NormalizeObservation(o, p.ObservationBasedOn)
		if err != nil {
			warn(logger, CategoryObservations, err)
		}
		out = append(out, s)
	}
	out = Filter(out, func(s ObservationSummary) bool { return s.Issued != "" })
	return Cap(Dedupe(out, observationKey), MaxObservations)
}

func summarizeAllergies(raws []json.RawMessage, logger zerolog.Logger) []AllergySummary {
	items := decodeAll[fhir.AllergyIntolerance](raws, CategoryAllergies, logger)
	out := make([]AllergySummary, 0, len(items))
	for _, a := range items {
		out = append(out, NormalizeAllergy(a))
	}
	return Cap(Dedupe(out, allergyKey), MaxAllergies)
}

func summarizeConditions(raws []json.RawMessage, logger zerolog.Logger) []ConditionSummary {
	items := decodeAll[fhir.Condition](raws, CategoryConditions, logger)
	out := make([]ConditionSummary, 0, len(items))
	for _, c := range items {
		out = append(out, NormalizeCondition(c))
	}
	return Cap(Dedupe(out, conditionKey), MaxConditions)
}

func summarizeMedications(raws []json.RawMessage, p Provider, logger zerolog.Logger) []MedicationSummary {
	var out []MedicationSummary
	switch p.MedicationResource {
	case ResourceMedicationStatement:
		for _, m := range decodeAll[fhir.MedicationStatement](raws, CategoryMedications, logger) {
			out = append(out, NormalizeMedicationStatement(m))
		}
	default:
		for _, m := range decodeAll[fhir.MedicationRequest](raws, CategoryMedications, logger) {
			out = append(out, NormalizeMedicationRequest(m))
		}
	}
	return Cap(Dedupe(out, medicationKeyOf), MaxMedications)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func warn(logger zerolog.Logger, category Category, err error) {
	telemetry.NormalizationWarnings.WithLabelValues(string(category)).Inc()
	logger.Warn().Err(err).Str("category", string(category)).Msg("normalization fallback")
}

// stripHTML drops tags without inserting spaces, so inline markup such as
// <b>Pea</b>nut reads as one word.
func stripHTML(div string) string {
	s := htmlTag.ReplaceAllString(div, "")
	s = html.UnescapeString(s)
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
