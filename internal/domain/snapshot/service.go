package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/audit"
	"github.com/ehr/snapshot/internal/platform/auth"
	"github.com/ehr/snapshot/internal/platform/fhir"
	"github.com/ehr/snapshot/internal/platform/telemetry"
)

// ErrPatientNotFound is matched with errors.Is when the patient search
// returns no entries and a patient is required.
var ErrPatientNotFound = errors.New("patient not found")

// TokenSource hands out bearer tokens. *auth.TokenManager implements it.
type TokenSource interface {
	Token(ctx context.Context, force bool) (auth.AccessToken, error)
	// Invalidate drops the cached token.
	Invalidate()
}

// Searcher runs FHIR searches. *fhir.Client implements it.
type Searcher interface {
	Search(ctx context.Context, bearer string, q fhir.SearchQuery) ([]json.RawMessage, error)
}

// Options configures how snapshots are assembled.
type Options struct {
	Provider  Provider
	Endpoints Endpoints
	// Bounded reads a preview page per category instead of every page.
	Bounded bool
	// PartialResults keeps successful categories when others fail. Auth and
	// configuration failures abort regardless.
	PartialResults bool
	// RequirePatient turns an empty patient search into ErrPatientNotFound.
	RequirePatient bool
}

// TokenInfo describes the current token without exposing its value.
type TokenInfo struct {
	Provider  string    `json:"provider"`
	TokenType string    `json:"token_type,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int64     `json:"expires_in"`
}

type Service struct {
	tokens   TokenSource
	fhir     Searcher
	opts     Options
	recorder audit.Recorder
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(tokens TokenSource, searcher Searcher, opts Options) *Service {
	return &Service{
		tokens:   tokens,
		fhir:     searcher,
		opts:     opts,
		recorder: audit.NopRecorder{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetRecorder attaches the snapshot access audit recorder.
func (s *Service) SetRecorder(r audit.Recorder) {
	if r == nil {
		r = audit.NopRecorder{}
	}
	s.recorder = r
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// Provider returns the configured provider.
func (s *Service) Provider() Provider {
	return s.opts.Provider
}

// Token fetches (or reuses) the provider token for diagnostics.
func (s *Service) Token(ctx context.Context, force bool) (*TokenInfo, error) {
	tok, err := s.tokens.Token(ctx, force)
	if err != nil {
		return nil, err
	}
	return &TokenInfo{
		Provider:  s.opts.Provider.Name,
		TokenType: tok.TokenType,
		Scope:     tok.Scope,
		ExpiresAt: tok.ExpiresAt,
		ExpiresIn: int64(tok.ExpiresAt.Sub(s.now()).Seconds()),
	}, nil
}

// Snapshot assembles the normalized clinical record of patientID.
func (s *Service) Snapshot(ctx context.Context, patientID string) (*Snapshot, error) {
	start := s.now()
	patientID = strings.TrimSpace(patientID)

	ctx, span := telemetry.Tracer().Start(ctx, "snapshot.build", trace.WithAttributes(
		attribute.String("snapshot.provider", s.opts.Provider.Name),
		attribute.Bool("snapshot.bounded", s.opts.Bounded),
	))
	defer span.End()

	snap, err := s.build(ctx, patientID)
	if err != nil {
		s.dropRejectedToken(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(apperror.KindOf(err)))
	}
	s.finish(ctx, patientID, snap, err, start)
	return snap, err
}

func (s *Service) build(ctx context.Context, patientID string) (*Snapshot, error) {
	if patientID == "" {
		return nil, apperror.Validation("snapshot", "patient id is required")
	}

	tok, err := s.tokens.Token(ctx, false)
	if err != nil {
		return nil, err
	}

	snap := newSnapshot()
	patient, err := s.fetchPatient(ctx, tok.Value, patientID)
	if err != nil {
		return nil, err
	}
	snap.Patient = patient

	results, err := s.fetchCategories(ctx, tok.Value, patientID)
	if err != nil {
		return nil, err
	}

	failures := make(map[string]error)
	for i, c := range Categories {
		r := results[i]
		if r.err != nil {
			failures[string(c)] = r.err
			continue
		}
		r.apply(snap)
	}

	if len(failures) > 0 {
		if !s.opts.PartialResults {
			return nil, apperror.NewCategoryError(failures)
		}
		for _, c := range Categories {
			if err, ok := failures[string(c)]; ok {
				snap.Failures = append(snap.Failures, CategoryFailure{
					Category: c,
					Kind:     apperror.KindOf(err),
					Message:  err.Error(),
				})
			}
		}
	}
	return snap, nil
}

// dropRejectedToken invalidates the cached token when the FHIR server
// answered 401, so the next snapshot requests a fresh one. The failed
// snapshot itself is not retried.
func (s *Service) dropRejectedToken(err error) {
	if !apperror.IsAuth(err) || apperror.StatusOf(err) != http.StatusUnauthorized {
		return
	}
	s.tokens.Invalidate()
	s.logger.Warn().Str("provider", s.opts.Provider.Name).Msg("FHIR server rejected the token; cached token dropped")
}

func (s *Service) fetchPatient(ctx context.Context, bearer, patientID string) (*PatientSummary, error) {
	raws, err := s.fhir.Search(ctx, bearer, s.opts.Provider.PatientQuery(s.opts.Endpoints, patientID))
	if err != nil {
		return nil, err
	}
	if len(raws) == 0 {
		if s.opts.RequirePatient {
			return nil, apperror.Wrap(apperror.KindNotFound, "snapshot", fmt.Sprintf("no Patient with id %q", patientID), ErrPatientNotFound)
		}
		s.logger.Warn().Str("provider", s.opts.Provider.Name).Msg("patient not found; continuing without demographics")
		return nil, nil
	}

	p := decodeAll[fhir.Patient](raws[:1], "patient", s.logger)[0]
	summary := NormalizePatient(patientID, p)
	return &summary, nil
}

// categoryResult is written by exactly one goroutine.
type categoryResult struct {
	apply func(*Snapshot)
	err   error
}

// fetchCategories runs the four category searches concurrently with the
// same bearer token. A fatal failure cancels the siblings and is returned
// directly; any other failure is kept on its categoryResult.
func (s *Service) fetchCategories(ctx context.Context, bearer, patientID string) ([]categoryResult, error) {
	now := s.now()
	results := make([]categoryResult, len(Categories))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(Categories))
	for i, c := range Categories {
		i, c := i, c
		g.Go(func() error {
			q := s.opts.Provider.CategoryQuery(c, s.opts.Endpoints, patientID, now, s.opts.Bounded)
			raws, err := s.fhir.Search(gctx, bearer, q)
			if err != nil {
				results[i].err = err
				if apperror.IsFatal(err) {
					return err
				}
				s.logger.Warn().
					Err(err).
					Str("provider", s.opts.Provider.Name).
					Str("category", string(c)).
					Msg("category fetch failed")
				return nil
			}
			results[i].apply = s.summarize(c, raws)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// summarize normalizes one category and returns the assignment into a
// Snapshot, applied after the fan-in.
func (s *Service) summarize(c Category, raws []json.RawMessage) func(*Snapshot) {
	logger := s.logger.With().Str("provider", s.opts.Provider.Name).Logger()
	switch c {
	case CategoryObservations:
		v := summarizeObservations(raws, s.opts.Provider, logger)
		return func(snap *Snapshot) { snap.Observations = v }
	case CategoryAllergies:
		v := summarizeAllergies(raws, logger)
		return func(snap *Snapshot) { snap.Allergies = v }
	case CategoryConditions:
		v := summarizeConditions(raws, logger)
		return func(snap *Snapshot) { snap.Conditions = v }
	case CategoryMedications:
		v := summarizeMedications(raws, s.opts.Provider, logger)
		return func(snap *Snapshot) { snap.Medications = v }
	}
	return func(*Snapshot) {}
}

// finish records metrics, the audit entry and the completion log line.
// Audit failures are logged and never change the result.
func (s *Service) finish(ctx context.Context, patientID string, snap *Snapshot, err error, start time.Time) {
	elapsed := s.now().Sub(start)
	provider := s.opts.Provider.Name

	rec := &audit.Record{
		RequestID: RequestIDFromContext(ctx),
		PatientID: patientID,
		Provider:  provider,
		Duration:  elapsed,
	}
	switch {
	case err != nil:
		rec.Outcome = audit.OutcomeFailure
		rec.ErrorKind = string(apperror.KindOf(err))
	case len(snap.Failures) > 0:
		rec.Outcome = audit.OutcomePartial
		for _, f := range snap.Failures {
			rec.Failed = append(rec.Failed, string(f.Category))
		}
	default:
		rec.Outcome = audit.OutcomeSuccess
	}
	if snap != nil {
		rec.Observations = snap.Count(CategoryObservations)
		rec.Allergies = snap.Count(CategoryAllergies)
		rec.Conditions = snap.Count(CategoryConditions)
		rec.Medications = snap.Count(CategoryMedications)
	}

	telemetry.Snapshots.WithLabelValues(provider, rec.Outcome).Inc()
	telemetry.SnapshotDuration.WithLabelValues(provider).Observe(elapsed.Seconds())

	if aerr := s.recorder.Record(context.WithoutCancel(ctx), rec); aerr != nil {
		s.logger.Error().Err(aerr).Str("provider", provider).Msg("failed to record snapshot audit")
	}

	var evt *zerolog.Event
	if err != nil {
		evt = s.logger.Warn().Err(err).Str("error_kind", rec.ErrorKind)
	} else {
		evt = s.logger.Info()
	}
	evt.Str("provider", provider).
		Str("outcome", rec.Outcome).
		Int("observations", rec.Observations).
		Int("allergies", rec.Allergies).
		Int("conditions", rec.Conditions).
		Int("medications", rec.Medications).
		Dur("elapsed", elapsed).
		Msg("snapshot complete")
}

type requestIDKey struct{}

// WithRequestID attaches a request id that is copied onto audit records.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
