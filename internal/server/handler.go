package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/reindex"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
	"github.com/ehr/fhirstore/pkg/pagination"
)

// Handler exposes the engine over HTTP: resource CRUD, search, history,
// and the $reindex operation.
type Handler struct {
	store   *store.Store
	builder *search.Builder
	reg     *search.Registry
	reindex *reindex.Endpoint
	log     zerolog.Logger
}

func NewHandler(st *store.Store, builder *search.Builder, reg *search.Registry, re *reindex.Endpoint, log zerolog.Logger) *Handler {
	return &Handler{store: st, builder: builder, reg: reg, reindex: re, log: log}
}

func (h *Handler) RegisterRoutes(g *echo.Group, auth echo.MiddlewareFunc) {
	g.GET("/_history", h.SystemHistory)

	g.GET("/:type", h.Search)
	g.POST("/:type/_search", h.Search)
	g.GET("/:type/:id", h.Read)
	g.GET("/:type/:id/_history", h.History)
	g.GET("/:type/:id/_history/:vid", h.VersionRead)

	write := g.Group("", auth)
	write.POST("/:type", h.Create)
	write.PUT("/:type/:id", h.Update)
	write.DELETE("/:type/:id", h.Delete)
	write.POST("/:type/:id/$erase", h.Erase)
	write.POST("/$reindex", h.Reindex)
}

func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	record, err := bindRecord(c)
	if err != nil {
		return err
	}

	logicalID, _ := record["id"].(string)
	id, version, err := h.store.Create(c.Request().Context(), resourceType, logicalID, record)
	if err != nil {
		return h.httpError(err)
	}

	c.Response().Header().Set("ETag", etag(version))
	c.Response().Header().Set("Location", fmt.Sprintf("/fhir/%s/%s/_history/%d", resourceType, id, version))
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"resourceType": resourceType,
		"id":           id,
		"meta":         map[string]string{"versionId": strconv.Itoa(version)},
	})
}

func (h *Handler) Read(c echo.Context) error {
	rv, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.httpError(err)
	}

	if match := c.Request().Header.Get("If-None-Match"); match != "" && match == etag(rv.VersionID) {
		return c.NoContent(http.StatusNotModified)
	}

	setVersionHeaders(c, rv)
	return c.JSONBlob(http.StatusOK, rv.Payload)
}

func (h *Handler) VersionRead(c echo.Context) error {
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid version id")
	}
	rv, err := h.store.VersionRead(c.Request().Context(), c.Param("type"), c.Param("id"), vid)
	if err != nil {
		return h.httpError(err)
	}
	if rv.IsDeleted {
		return echo.NewHTTPError(http.StatusGone, "version is a delete marker")
	}
	setVersionHeaders(c, rv)
	return c.JSONBlob(http.StatusOK, rv.Payload)
}

func (h *Handler) Update(c echo.Context) error {
	expected, err := ifMatchVersion(c)
	if err != nil {
		return err
	}
	record, err := bindRecord(c)
	if err != nil {
		return err
	}

	version, err := h.store.Update(c.Request().Context(), c.Param("type"), c.Param("id"), expected, record)
	if err != nil {
		return h.httpError(err)
	}

	c.Response().Header().Set("ETag", etag(version))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": c.Param("type"),
		"id":           c.Param("id"),
		"meta":         map[string]string{"versionId": strconv.Itoa(version)},
	})
}

func (h *Handler) Delete(c echo.Context) error {
	expected, err := ifMatchVersion(c)
	if err != nil {
		return err
	}
	if _, err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id"), expected); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Erase(c echo.Context) error {
	if err := h.store.Erase(c.Request().Context(), c.Param("type"), c.Param("id")); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Search(c echo.Context) error {
	ctx := c.Request().Context()
	resourceType := c.Param("type")

	params, err := searchParams(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed search body")
	}
	q, err := search.ParseQuery(resourceType, params, h.reg)
	if err != nil {
		return h.httpError(err)
	}
	if q.Summary == "count" {
		q.Total = "accurate"
	}

	res, err := h.store.Search(ctx, h.builder, q)
	if err != nil {
		return h.httpError(err)
	}

	if q.Summary == "count" {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"resourceType": "Bundle",
			"type":         "searchset",
			"total":        res.Total,
		})
	}

	entries := make([]map[string]interface{}, 0, len(res.Matches)+len(res.Included))
	for _, m := range res.Matches {
		entry, err := h.bundleEntry(c, m, "match", q.Elements)
		if err != nil {
			return h.httpError(err)
		}
		entries = append(entries, entry)
	}
	for _, m := range res.Included {
		entry, err := h.bundleEntry(c, m, "include", q.Elements)
		if err != nil {
			return h.httpError(err)
		}
		entries = append(entries, entry)
	}

	paging := pagination.Params{Count: q.Count, Page: q.Page}
	bundle := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"link":         paging.Links(c.Request().URL.Path, params, len(res.Matches), res.Total),
		"entry":        entries,
	}
	if res.Total >= 0 {
		bundle["total"] = res.Total
	}
	return c.JSON(http.StatusOK, bundle)
}

// searchParams collects the search inputs for the request. POST searches
// carry parameters form-encoded in the body, which is merged with the
// query string.
func searchParams(c echo.Context) (url.Values, error) {
	if c.Request().Method == http.MethodPost {
		return c.FormParams()
	}
	return c.QueryParams(), nil
}

func (h *Handler) bundleEntry(c echo.Context, m store.Match, mode string, elements []string) (map[string]interface{}, error) {
	rv, err := h.store.VersionRead(c.Request().Context(), m.ResourceType, m.LogicalID, m.Version)
	if err != nil {
		return nil, err
	}
	resource := json.RawMessage(rv.Payload)
	if len(elements) > 0 {
		filtered, err := filterElements(rv.Payload, elements)
		if err != nil {
			return nil, err
		}
		resource = filtered
	}
	return map[string]interface{}{
		"fullUrl":  fmt.Sprintf("/fhir/%s/%s", m.ResourceType, m.LogicalID),
		"resource": resource,
		"search":   map[string]string{"mode": mode},
	}, nil
}

// filterElements projects a stored payload onto the requested _elements.
// resourceType, id and meta always survive the projection.
func filterElements(payload []byte, elements []string) (json.RawMessage, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode payload for element filter: %w", err)
	}
	keep := map[string]bool{"resourceType": true, "id": true, "meta": true}
	for _, el := range elements {
		keep[el] = true
	}
	for k := range record {
		if !keep[k] {
			delete(record, k)
		}
	}
	out, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode filtered payload: %w", err)
	}
	return out, nil
}

func (h *Handler) History(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return err
	}
	paging := pagination.FromContext(c)

	versions, err := h.store.History(c.Request().Context(), c.Param("type"), c.Param("id"), since, paging.Count, paging.Page)
	if err != nil {
		return h.httpError(err)
	}

	entries := make([]map[string]interface{}, 0, len(versions))
	for _, rv := range versions {
		entry := map[string]interface{}{
			"fullUrl": fmt.Sprintf("/fhir/%s/%s/_history/%d", rv.ResourceType, rv.LogicalID, rv.VersionID),
		}
		if rv.IsDeleted {
			entry["request"] = map[string]string{"method": "DELETE"}
		} else {
			entry["resource"] = json.RawMessage(rv.Payload)
		}
		entries = append(entries, entry)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"link":         paging.Links(c.Request().URL.Path, c.QueryParams(), len(versions), -1),
		"entry":        entries,
	})
}

func (h *Handler) SystemHistory(c echo.Context) error {
	since, err := sinceParam(c)
	if err != nil {
		return err
	}
	paging := pagination.FromContext(c)

	matches, err := h.store.SystemHistory(c.Request().Context(), since, paging.Count, paging.Page)
	if err != nil {
		return h.httpError(err)
	}

	entries := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		entries = append(entries, map[string]interface{}{
			"fullUrl": fmt.Sprintf("/fhir/%s/%s/_history/%d", m.ResourceType, m.LogicalID, m.Version),
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "history",
		"link":         paging.Links(c.Request().URL.Path, c.QueryParams(), len(matches), -1),
		"entry":        entries,
	})
}

func (h *Handler) Reindex(c echo.Context) error {
	var req reindex.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid reindex request")
	}
	out, err := h.reindex.Handle(c.Request().Context(), req)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// httpError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) httpError(err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, db.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrDuplicateID):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, search.ErrInvalidSearchParameter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, search.ErrUnsupportedConstruct):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	case errors.Is(err, db.ErrConnection):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "backend unavailable")
	default:
		h.log.Error().Err(err).Msg("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

func bindRecord(c echo.Context) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&record); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid resource body")
	}
	if len(record) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "empty resource body")
	}
	return record, nil
}

// ifMatchVersion parses the If-Match ETag into the expected version. The
// header is mandatory on update and delete so the optimistic concurrency
// gate always has a client-asserted version to check.
func ifMatchVersion(c echo.Context) (int, error) {
	header := c.Request().Header.Get("If-Match")
	if header == "" {
		return 0, echo.NewHTTPError(http.StatusPreconditionRequired, "If-Match header is required")
	}
	v, err := parseETag(header)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header")
	}
	return v, nil
}

func etag(version int) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

func parseETag(s string) (int, error) {
	var v int
	if _, err := fmt.Sscanf(s, `W/"%d"`, &v); err != nil {
		return 0, err
	}
	if v < 1 {
		return 0, fmt.Errorf("version must be positive")
	}
	return v, nil
}

func setVersionHeaders(c echo.Context, rv *store.ResourceVersion) {
	c.Response().Header().Set("ETag", etag(rv.VersionID))
	c.Response().Header().Set("Last-Modified", rv.LastUpdated.UTC().Format(http.TimeFormat))
}

func sinceParam(c echo.Context) (*time.Time, error) {
	raw := c.QueryParam("_since")
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid _since timestamp")
	}
	return &t, nil
}
