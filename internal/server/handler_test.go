package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/db"
	"github.com/ehr/fhirstore/internal/search"
)

func testContext(t *testing.T, target string, header http.Header) echo.Context {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestETagRoundTrip(t *testing.T) {
	for _, version := range []int{1, 7, 1234} {
		v, err := parseETag(etag(version))
		if err != nil {
			t.Fatalf("parseETag(etag(%d)) error: %v", version, err)
		}
		if v != version {
			t.Errorf("round trip of %d gave %d", version, v)
		}
	}
}

func TestParseETag_Invalid(t *testing.T) {
	for _, s := range []string{"", "3", `"3"`, `W/"abc"`, `W/"0"`, `W/"-2"`} {
		if _, err := parseETag(s); err == nil {
			t.Errorf("parseETag(%q) accepted invalid input", s)
		}
	}
}

func TestIfMatchVersion(t *testing.T) {
	c := testContext(t, "/Patient/p1", http.Header{"If-Match": []string{`W/"3"`}})
	v, err := ifMatchVersion(c)
	if err != nil {
		t.Fatalf("ifMatchVersion() error: %v", err)
	}
	if v != 3 {
		t.Errorf("version = %d, want 3", v)
	}
}

func TestIfMatchVersion_Missing(t *testing.T) {
	c := testContext(t, "/Patient/p1", nil)
	_, err := ifMatchVersion(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusPreconditionRequired {
		t.Errorf("expected 428, got %v", err)
	}
}

func TestIfMatchVersion_Malformed(t *testing.T) {
	c := testContext(t, "/Patient/p1", http.Header{"If-Match": []string{"garbage"}})
	_, err := ifMatchVersion(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestSearchParams_PostFormBody(t *testing.T) {
	body := strings.NewReader("status=final&_count=5")
	req := httptest.NewRequest(http.MethodPost, "/Observation/_search?_sort=date", body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	c := echo.New().NewContext(req, httptest.NewRecorder())

	params, err := searchParams(c)
	if err != nil {
		t.Fatalf("searchParams() error: %v", err)
	}
	if got := params.Get("status"); got != "final" {
		t.Errorf("status = %q, want final", got)
	}
	if got := params.Get("_count"); got != "5" {
		t.Errorf("_count = %q, want 5", got)
	}
	// Query string parameters ride along with the form body.
	if got := params.Get("_sort"); got != "date" {
		t.Errorf("_sort = %q, want date", got)
	}
}

func TestSearchParams_Get(t *testing.T) {
	c := testContext(t, "/Observation?status=final", nil)
	params, err := searchParams(c)
	if err != nil {
		t.Fatalf("searchParams() error: %v", err)
	}
	if got := params.Get("status"); got != "final" {
		t.Errorf("status = %q, want final", got)
	}
}

func TestFilterElements(t *testing.T) {
	payload := []byte(`{"resourceType":"Patient","id":"p1","meta":{"versionId":"2"},"name":[{"family":"Smith"}],"gender":"female","address":[{"city":"Berlin"}]}`)

	out, err := filterElements(payload, []string{"name"})
	if err != nil {
		t.Fatalf("filterElements() error: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal filtered payload: %v", err)
	}
	for _, key := range []string{"resourceType", "id", "meta", "name"} {
		if _, ok := got[key]; !ok {
			t.Errorf("filtered payload lost %q", key)
		}
	}
	for _, key := range []string{"gender", "address"} {
		if _, ok := got[key]; ok {
			t.Errorf("filtered payload kept %q", key)
		}
	}
}

func TestFilterElements_BadPayload(t *testing.T) {
	if _, err := filterElements([]byte("not json"), []string{"name"}); err == nil {
		t.Error("expected error for undecodable payload")
	}
}

func TestSinceParam(t *testing.T) {
	c := testContext(t, "/Patient/_history?_since=2023-05-01T00:00:00Z", nil)
	got, err := sinceParam(c)
	if err != nil {
		t.Fatalf("sinceParam() error: %v", err)
	}
	if got == nil || got.Year() != 2023 {
		t.Errorf("sinceParam() = %v", got)
	}

	c = testContext(t, "/Patient/_history", nil)
	if got, err := sinceParam(c); err != nil || got != nil {
		t.Errorf("absent _since gave (%v, %v)", got, err)
	}

	c = testContext(t, "/Patient/_history?_since=yesterday", nil)
	if _, err := sinceParam(c); err == nil {
		t.Error("expected error for malformed _since")
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	h := &Handler{log: zerolog.Nop()}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("read: %w", db.ErrNotFound), http.StatusNotFound},
		{"version conflict", db.ErrVersionConflict, http.StatusConflict},
		{"duplicate id", db.ErrDuplicateID, http.StatusConflict},
		{"bad search parameter", fmt.Errorf("%w: no such parameter", search.ErrInvalidSearchParameter), http.StatusBadRequest},
		{"unsupported construct", search.ErrUnsupportedConstruct, http.StatusNotImplemented},
		{"backend down", db.ErrConnection, http.StatusServiceUnavailable},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var he *echo.HTTPError
			if err := h.httpError(tt.err); !errors.As(err, &he) || he.Code != tt.want {
				t.Errorf("httpError(%v) = %v, want status %d", tt.err, err, tt.want)
			}
		})
	}
}

func TestRequestID_Generated(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated request id")
	}
}

func TestRequestID_Honored(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("request id = %q, want the client's", got)
	}
}

func TestBearerAuth(t *testing.T) {
	e := echo.New()
	g := e.Group("")
	g.Use(BearerAuth("test-secret"))
	g.GET("/protected", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token gave %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token gave %d, want 401", rec.Code)
	}
}

func TestBearerAuth_Disabled(t *testing.T) {
	e := echo.New()
	g := e.Group("")
	g.Use(BearerAuth(""))
	g.GET("/protected", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("disabled auth gave %d, want 200", rec.Code)
	}
}
