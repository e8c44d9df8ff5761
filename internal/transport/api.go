package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/clawback/mirror/internal/decision"
	"github.com/clawback/mirror/internal/engine"
	"github.com/clawback/mirror/internal/observ"
	"github.com/clawback/mirror/internal/risk"
	"github.com/clawback/mirror/internal/store"
)

type Recommendations interface {
	Query(ctx context.Context, ticker string, limit int) ([]decision.Recommendation, error)
	Recommendation(ctx context.Context, alertID string) (decision.Recommendation, error)
}

// Controller is the engine surface the API reads and drives.
type Controller interface {
	RunCycle(ctx context.Context) (engine.CycleReport, error)
	Stats(ctx context.Context) (engine.Stats, error)
	Status(ctx context.Context) (engine.Status, error)
	Positions(ctx context.Context) ([]risk.Position, error)
	Risk() risk.PortfolioRiskState
	Halt(ctx context.Context, reason string) (risk.PortfolioRiskState, error)
	ClearHalt(ctx context.Context) (risk.PortfolioRiskState, error)
}

// API holds the handlers. When Fire is set, POST /v1/cycle queues a cycle
// on the running trigger instead of running one inline.
type API struct {
	recs Recommendations
	ctl  Controller
	Fire func() bool
}

func NewAPI(recs Recommendations, ctl Controller) *API {
	return &API{recs: recs, ctl: ctl}
}

func (a *API) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", a.health)
	v1 := e.Group("/v1")
	v1.GET("/recommendations", a.listRecommendations)
	v1.GET("/recommendations/:alert_id", a.getRecommendation)
	v1.GET("/stats", a.stats)
	v1.GET("/status", a.status)
	v1.GET("/positions", a.positions)
	v1.GET("/risk", a.risk)
	v1.POST("/risk/halt", a.halt)
	v1.POST("/risk/clear-halt", a.clearHalt)
	v1.POST("/cycle", a.cycle)
}

// Response is the envelope of every API reply.
type Response struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func reply(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Status: status, Message: http.StatusText(status), Data: data})
}

func internalError(c echo.Context, op string, err error) error {
	observ.Error("api_failed", err, map[string]any{"op": op})
	return reply(c, http.StatusInternalServerError, "something went wrong")
}

var validate = validator.New()

// bindValid binds req, fills defaults and validates it. It returns the
// field errors to report, or nil when req is usable.
func bindValid(c echo.Context, req any) []FieldError {
	if err := c.Bind(req); err != nil {
		return []FieldError{{Code: "ERR_BIND", Message: bindMessage(err)}}
	}
	if err := defaults.Set(req); err != nil {
		return []FieldError{{Code: "ERR_DEFAULTS", Message: err.Error()}}
	}
	err := validate.StructCtx(c.Request().Context(), req)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return []FieldError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
	}
	out := make([]FieldError, 0, len(ves))
	for _, fe := range ves {
		out = append(out, FieldError{
			Field:   strings.ToLower(fe.Field()),
			Code:    "ERR_" + strings.ToUpper(fe.Tag()),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func bindMessage(err error) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return fmt.Sprint(he.Message)
	}
	return err.Error()
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte", "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte", "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", field, fe.Tag())
	}
}

type listQuery struct {
	Ticker string `query:"ticker" validate:"omitempty,max=12"`
	Limit  int    `query:"limit" default:"10" validate:"gte=1,lte=50"`
}

func (a *API) listRecommendations(c echo.Context) error {
	var q listQuery
	if errs := bindValid(c, &q); errs != nil {
		return reply(c, http.StatusBadRequest, errs)
	}
	recs, err := a.recs.Query(c.Request().Context(), strings.TrimSpace(q.Ticker), q.Limit)
	if err != nil {
		return internalError(c, "query_recommendations", err)
	}
	return reply(c, http.StatusOK, map[string]any{"rows": recs, "total": len(recs)})
}

func (a *API) getRecommendation(c echo.Context) error {
	rec, err := a.recs.Recommendation(c.Request().Context(), c.Param("alert_id"))
	if errors.Is(err, store.ErrNotFound) {
		return reply(c, http.StatusNotFound, "no recommendation for "+c.Param("alert_id"))
	}
	if err != nil {
		return internalError(c, "get_recommendation", err)
	}
	return reply(c, http.StatusOK, rec)
}

func (a *API) stats(c echo.Context) error {
	s, err := a.ctl.Stats(c.Request().Context())
	if err != nil {
		return internalError(c, "stats", err)
	}
	return reply(c, http.StatusOK, s)
}

func (a *API) status(c echo.Context) error {
	s, err := a.ctl.Status(c.Request().Context())
	if err != nil {
		return internalError(c, "status", err)
	}
	return reply(c, http.StatusOK, s)
}

func (a *API) positions(c echo.Context) error {
	ps, err := a.ctl.Positions(c.Request().Context())
	if err != nil {
		return internalError(c, "positions", err)
	}
	return reply(c, http.StatusOK, map[string]any{"rows": ps, "total": len(ps)})
}

func (a *API) risk(c echo.Context) error {
	return reply(c, http.StatusOK, a.ctl.Risk())
}

type haltRequest struct {
	Reason string `json:"reason" default:"manual halt" validate:"max=200"`
}

func (a *API) halt(c echo.Context) error {
	var req haltRequest
	if errs := bindValid(c, &req); errs != nil {
		return reply(c, http.StatusBadRequest, errs)
	}
	st, err := a.ctl.Halt(c.Request().Context(), req.Reason)
	if err != nil {
		return internalError(c, "halt", err)
	}
	return reply(c, http.StatusOK, st)
}

func (a *API) clearHalt(c echo.Context) error {
	st, err := a.ctl.ClearHalt(c.Request().Context())
	if err != nil {
		return internalError(c, "clear_halt", err)
	}
	return reply(c, http.StatusOK, st)
}

func (a *API) cycle(c echo.Context) error {
	if a.Fire != nil {
		return reply(c, http.StatusAccepted, map[string]bool{"queued": a.Fire()})
	}
	rep, err := a.ctl.RunCycle(c.Request().Context())
	if errors.Is(err, engine.ErrCycleInProgress) {
		return reply(c, http.StatusConflict, err.Error())
	}
	if err != nil {
		return reply(c, http.StatusBadGateway, map[string]any{"error": err.Error(), "report": rep})
	}
	return reply(c, http.StatusOK, rep)
}

func (a *API) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "halted": a.ctl.Risk().Halted})
}
