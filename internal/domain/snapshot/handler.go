package snapshot

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/snapshot/internal/platform/apperror"
	"github.com/ehr/snapshot/internal/platform/fhir"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:id/snapshot", h.GetSnapshot)
	api.GET("/token", h.GetToken)
}

func (h *Handler) GetSnapshot(c echo.Context) error {
	ctx := c.Request().Context()
	if rid := c.Response().Header().Get(echo.HeaderXRequestID); rid != "" {
		ctx = WithRequestID(ctx, rid)
	}

	snap, err := h.svc.Snapshot(ctx, c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// GetToken reports the token expiry. ?force=true bypasses the cache.
func (h *Handler) GetToken(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	info, err := h.svc.Token(c.Request().Context(), force)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HTTPStatus maps an error kind to the status returned to API callers.
// Upstream auth failures are the aggregator's problem, not the caller's, so
// they surface as 502 rather than 401.
func HTTPStatus(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindNetwork:
		return http.StatusGatewayTimeout
	case apperror.KindAuth, apperror.KindUpstream, apperror.KindMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func issueType(kind apperror.Kind) string {
	switch kind {
	case apperror.KindValidation:
		return fhir.IssueTypeInvalid
	case apperror.KindNotFound:
		return fhir.IssueTypeNotFound
	case apperror.KindNetwork:
		return fhir.IssueTypeTimeout
	case apperror.KindAuth:
		return fhir.IssueTypeLogin
	case apperror.KindMalformed:
		return fhir.IssueTypeStructure
	case apperror.KindUpstream:
		return fhir.IssueTypeProcessing
	default:
		return fhir.IssueTypeException
	}
}

// ErrorOutcome renders err as an OperationOutcome with one issue per failed
// category when err aggregates several.
func ErrorOutcome(err error) (int, *fhir.OperationOutcome) {
	kind := apperror.KindOf(err)
	if ce, ok := apperror.AsCategoryError(err); ok {
		oo := &fhir.OperationOutcome{ResourceType: "OperationOutcome"}
		for _, name := range ce.Categories() {
			cerr := ce.Failures[name]
			oo.AddIssue(fhir.IssueSeverityError, issueType(apperror.KindOf(cerr)), name+": "+cerr.Error())
		}
		return HTTPStatus(kind), oo
	}
	return HTTPStatus(kind), fhir.NewOperationOutcome(fhir.IssueSeverityError, issueType(kind), err.Error())
}

func writeError(c echo.Context, err error) error {
	status, oo := ErrorOutcome(err)
	return c.JSON(status, oo)
}
