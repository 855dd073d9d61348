package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoledger/internal/core"
	"geoledger/internal/domain"
	"geoledger/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	svc, err := core.New(memory.NewStore(), core.Options{})
	require.NoError(t, err)
	return NewRouter(NewHandler(svc, nil))
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(AuthorHeader, "tester")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func collection(features ...string) string {
	return `{"type":"FeatureCollection","features":[` + strings.Join(features, ",") + `]}`
}

func feature(id string, props string) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"geometry":{"type":"Point","coordinates":[1,2]},"properties":%s}`, id, props)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NotFoundf("op", "x"), http.StatusNotFound},
		{domain.Conflictf("op", "x"), http.StatusConflict},
		{domain.Invalidf("op", "x"), http.StatusBadRequest},
		{domain.Inactivef("op", "x"), http.StatusPreconditionRequired},
		{domain.Deactivated("op", "s1"), http.StatusMethodNotAllowed},
		{domain.Preconditionf("op", "x"), http.StatusPreconditionFailed},
		{fmt.Errorf("wrapped: %w", domain.NotFoundf("op", "x")), http.StatusNotFound},
		{fmt.Errorf("disk failure"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestFeatureRoutes(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/spaces", `{"id":"roads"}`).Code)
	require.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/spaces", `{"id":"roads"}`).Code)

	w := do(t, r, http.MethodPut, "/spaces/roads/features", collection(feature("a", `{"lanes":2}`), feature("b", `{"lanes":4}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[domain.WriteResult](t, w)
	assert.Equal(t, int64(1), res.Version)
	assert.Len(t, res.Inserted, 2)

	w = do(t, r, http.MethodGet, "/spaces/roads/features?filter=properties.lanes+>+3", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get(VersionHeader))
	fc := decode[struct {
		Type     string           `json:"type"`
		Features []domain.Feature `json:"features"`
	}](t, w)
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 1)
	assert.Equal(t, "b", fc.Features[0].ID)

	w = do(t, r, http.MethodDelete, "/spaces/roads/features?id=a", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"a"}, decode[domain.WriteResult](t, w).Deleted)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/spaces/roads/features/a", "").Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/spaces/roads/features/a?ref=1", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/spaces/roads/features?ref=a::b", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/spaces/roads/features?bbox=1,2,3", "").Code)

	w = do(t, r, http.MethodGet, "/spaces/roads/refs/HEAD", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get(VersionHeader))
}

func TestErrorBody(t *testing.T) {
	r := newRouter(t)
	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/spaces", `{"id":"s1"}`).Code)
	do(t, r, http.MethodPut, "/spaces/s1/features", collection(feature("a", `{"n":1}`)))
	do(t, r, http.MethodPut, "/spaces/s1/features", collection(feature("a", `{"n":2}`)))

	w := do(t, r, http.MethodPut, "/spaces/s1/features?transactional=true&baseRef=1", collection(feature("a", `{"n":3}`)))
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	body := decode[errorResponse](t, w)
	assert.Equal(t, "ErrorResponse", body.Type)
	assert.Equal(t, "CONFLICT", body.Error)
	require.NotEmpty(t, body.Failed)
	assert.Equal(t, "a", body.Failed[0].ID)

	w = do(t, r, http.MethodGet, "/spaces/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorResponse](t, w).Error)
}

func TestDeactivatedSpace(t *testing.T) {
	r := newRouter(t)
	do(t, r, http.MethodPost, "/spaces", `{"id":"base"}`)
	do(t, r, http.MethodPost, "/spaces", `{"id":"ext","extends":"base"}`)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodPatch, "/spaces/ext", `{"active":false}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodGet, "/spaces/ext/features", "").Code)

	do(t, r, http.MethodPost, "/spaces", `{"id":"root"}`)
	do(t, r, http.MethodPost, "/spaces", `{"id":"mid","extends":"root"}`)
	require.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/spaces/root", "").Code)
	assert.Equal(t, http.StatusPreconditionRequired, do(t, r, http.MethodGet, "/spaces/mid/features", "").Code)
}

func TestBranchAndTagRoutes(t *testing.T) {
	r := newRouter(t)
	do(t, r, http.MethodPost, "/spaces", `{"id":"s1"}`)
	do(t, r, http.MethodPut, "/spaces/s1/features", collection(feature("a", `{"name":"first"}`)))

	require.Equal(t, http.StatusCreated, do(t, r, http.MethodPost, "/spaces/s1/branches", `{"id":"b1"}`).Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodPost, "/spaces/s1/branches", `{"id":"b1"}`).Code)

	w := do(t, r, http.MethodPatch, "/spaces/s1/features?branch=b1", collection(feature("a", `{"name":"second"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(2), decode[domain.WriteResult](t, w).Version)

	w = do(t, r, http.MethodPost, "/spaces/s1/tags", `{"id":"v1","ref":"1"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(1), decode[domain.Tag](t, w).Version)

	w = do(t, r, http.MethodPost, "/spaces/s1/branches/b1/merge", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[domain.WriteResult](t, w).Committed)

	w = do(t, r, http.MethodGet, "/spaces/s1/features/a?ref=v1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "first", decode[domain.Feature](t, w).Properties["name"])
	w = do(t, r, http.MethodGet, "/spaces/s1/features/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "second", decode[domain.Feature](t, w).Properties["name"])

	w = do(t, r, http.MethodGet, "/spaces/s1/changesets?startVersion=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[domain.ChangesetPage](t, w)
	assert.Len(t, page.Versions, 2)

	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/spaces/s1/tags/v1", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodDelete, "/spaces/s1/tags/v1", "").Code)
	assert.Equal(t, http.StatusNoContent, do(t, r, http.MethodDelete, "/spaces/s1/branches/b1", "").Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)
	do(t, r, http.MethodGet, "/spaces", "")
	w := do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "request_duration_milliseconds")
}
