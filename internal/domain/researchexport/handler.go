package researchexport

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ppc/ppc/internal/platform/auth"
	"github.com/ppc/ppc/internal/platform/hipaa"
	"github.com/ppc/ppc/pkg/pagination"
)

// Response headers carrying export metadata.
const (
	HeaderManifestID    = "X-Export-Manifest-Id"
	HeaderRowCount      = "X-Export-Row-Count"
	HeaderHashVersion   = "X-Export-Hash-Version"
	HeaderSchemaVersion = "X-Export-Schema-Version"
	HeaderWarning       = "X-Export-Warning"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the export under its legacy path and under /api/v1.
// exportMW runs after authorization on the export routes (rate limiting).
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group, exportMW ...echo.MiddlewareFunc) {
	mw := append([]echo.MiddlewareFunc{h.authorizeExport}, exportMW...)

	e.POST("/create-research-export", h.CreateExport, mw...)
	api.POST("/research-exports", h.CreateExport, mw...)
	api.GET("/research-exports/manifests", h.ListManifests, auth.RequireRole(h.svc.gate))
}

// authorizeExport gates the export routes like auth.RequireRole, and also
// counts refused callers in research_export.exports.
func (h *Handler) authorizeExport(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		id, err := h.svc.Authorize(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			h.svc.metrics.export(ctx, "", KindOf(err).String())
			return writeError(c, err)
		}
		c.SetRequest(c.Request().WithContext(auth.WithIdentity(ctx, id)))
		c.Set("user_id", id.UserID)
		return next(c)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (h *Handler) CreateExport(c echo.Context) error {
	ctx := c.Request().Context()
	id := auth.IdentityFromContext(ctx)
	if id == nil {
		return writeError(c, &ExportError{Kind: KindUnauthorized, Message: "missing or invalid credential"})
	}

	var body ExportRequestBody
	if err := c.Bind(&body); err != nil {
		return writeError(c, invalidArgument("body", "request body must be a JSON object"))
	}

	rid, _ := c.Get("request_id").(string)
	ctx = hipaa.WithRequestInfo(ctx, hipaa.RequestInfo{
		IPAddress: c.RealIP(),
		UserAgent: c.Request().UserAgent(),
		RequestID: rid,
	})
	res, err := h.svc.Export(ctx, id, body)
	if err != nil {
		return writeError(c, err)
	}

	hdr := c.Response().Header()
	hdr.Set(echo.HeaderContentDisposition, `attachment; filename="`+res.Filename+`"`)
	hdr.Set(HeaderManifestID, res.Manifest.ID.String())
	hdr.Set(HeaderRowCount, strconv.Itoa(res.RowCount))
	hdr.Set(HeaderHashVersion, res.Manifest.HashVersion)
	hdr.Set(HeaderSchemaVersion, res.Manifest.SchemaVersion)
	if len(res.Warnings) > 0 {
		hdr.Set(HeaderWarning, strings.Join(res.Warnings, "; "))
	}
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", res.CSV)
}

func (h *Handler) ListManifests(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListManifests(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return writeError(c, err)
	}
	if items == nil {
		items = []*ExportManifest{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// writeError renders err as {"error", "field"}. Internal causes are never
// included; server errors only name their class.
func writeError(c echo.Context, err error) error {
	var ee *ExportError
	if !errors.As(err, &ee) {
		ee = upstream("research export failed", err)
	}

	body := errorBody{Error: ee.Message, Field: ee.Field}
	switch ee.Kind {
	case KindConfiguration:
		body = errorBody{Error: "research export is not configured"}
	case KindUpstream:
		body = errorBody{Error: "research export failed"}
	}
	if body.Error == "" {
		body.Error = ee.Kind.String()
	}
	return c.JSON(ee.Kind.HTTPStatus(), body)
}
