package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cpoullain/climate-trends-service/internal/cache"
	"github.com/cpoullain/climate-trends-service/internal/lifecycle"
	"github.com/cpoullain/climate-trends-service/internal/models"
	"github.com/cpoullain/climate-trends-service/internal/service"
	"github.com/cpoullain/climate-trends-service/internal/spatial"
	"github.com/cpoullain/climate-trends-service/internal/traffic"
	"github.com/cpoullain/climate-trends-service/internal/trends"
	"github.com/cpoullain/climate-trends-service/internal/web"
)

type stubSource struct {
	snap *models.Snapshot
	err  error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) Load(ctx context.Context) (*models.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.snap, nil
}

func fixtureSnapshot() *models.Snapshot {
	date := func(year int, month time.Month) time.Time {
		return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	}
	return &models.Snapshot{
		Observations: []models.ClimateObservation{
			{StationID: "07005", Date: date(2019, time.January), Variable: models.VariableTX, Value: 7, Valid: true},
			{StationID: "07005", Date: date(2020, time.January), Variable: models.VariableTX, Value: 8, Valid: true},
			{StationID: "07005", Date: date(2020, time.February), Variable: models.VariableTX, Value: 10, Valid: true},
			{StationID: "07005", Date: date(2021, time.January), Variable: models.VariableTX, Value: 11, Valid: true},
			{StationID: "07005", Date: date(2021, time.February), Variable: models.VariableTX, Valid: false},
			{StationID: "07015", Date: date(2020, time.January), Variable: models.VariableTX, Value: 6, Valid: true},
		},
		Stations: []models.Station{
			{ID: "07005", Name: "ABBEVILLE", Department: "80", Latitude: 50.136, Longitude: 1.834, Altitude: 69},
			{ID: "07015", Name: "LILLE-LESQUIN", Department: "59", Latitude: 50.57, Longitude: 3.0975, Altitude: 47},
		},
		LoadedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Source:   "stub",
	}
}

const departmentsGeoJSON = `{
	"type": "FeatureCollection",
	"features": [
		{"type": "Feature", "properties": {"code": "59", "nom": "Nord"}, "geometry": {"type": "Polygon", "coordinates": []}},
		{"type": "Feature", "properties": {"code": "80", "nom": "Somme"}, "geometry": {"type": "Polygon", "coordinates": []}}
	]
}`

// newTestEnv builds a loaded service and its handler with routes registered
// the way main wires them.
func newTestEnv(t *testing.T, source *stubSource, healthConfig *HealthConfig) (*Handler, *service.TrendService, *mux.Router) {
	t.Helper()
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	t.Cleanup(func() {
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
	})

	geo, err := spatial.ParseDepartments([]byte(departmentsGeoJSON))
	if err != nil {
		t.Fatalf("ParseDepartments() error = %v", err)
	}
	svc := service.NewTrendService(source, cache.NewInMemoryCache(), geo, trends.DefaultBaseline, time.Minute, 0, zap.NewNop())
	if source.err == nil {
		if err := svc.Load(context.Background()); err != nil {
			t.Fatalf("Load() error = %v", err)
		}
	} else {
		_ = svc.Load(context.Background())
	}

	handler := NewHandler(svc, healthConfig, zap.NewNop())
	router := mux.NewRouter()
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.HandleFunc("/", handler.GetDashboard).Methods("GET")
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/trends", handler.GetTrends).Methods("GET")
	api.HandleFunc("/map", handler.GetMap).Methods("GET")
	api.HandleFunc("/stations", handler.GetStations).Methods("GET")
	api.HandleFunc("/stations/{id}", handler.GetStation).Methods("GET")
	api.HandleFunc("/stations/{id}/series", handler.GetSeries).Methods("GET")
	api.HandleFunc("/stations/{id}/decomposition", handler.GetDecomposition).Methods("GET")
	api.HandleFunc("/stations/{id}/summary", handler.GetSummary).Methods("GET")
	api.HandleFunc("/departments", handler.GetDepartments).Methods("GET")
	api.HandleFunc("/departments/{code}", handler.GetDepartmentShape).Methods("GET")
	api.HandleFunc("/reload", handler.PostReload).Methods("POST")
	return handler, svc, router
}

func doRequest(router *mux.Router, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	ctx := context.WithValue(req.Context(), "correlation_id", "test-correlation-id")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (code, message, requestID string) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"requestId"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code, envelope.Error.Message, envelope.Error.RequestID
}

func TestGetTrends_Success(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/trends?variable=TX&group_by=station&period=yearly&statistic=mean")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	var result models.TrendResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// 07005 has 2019, 2020 and 2021 buckets, 07015 has 2020
	if len(result.Trends) != 4 {
		t.Errorf("len(Trends) = %d, want 4", len(result.Trends))
	}
	if result.ExcludedCount != 1 {
		t.Errorf("ExcludedCount = %d, want 1", result.ExcludedCount)
	}
}

func TestGetTrends_MissingVariable(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/trends")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	code, _, requestID := decodeError(t, w)
	if code != "VALIDATION_ERROR" {
		t.Errorf("error code = %q, want VALIDATION_ERROR", code)
	}
	if requestID != "test-correlation-id" {
		t.Errorf("requestId = %q, want test-correlation-id", requestID)
	}
}

func TestGetTrends_BadYearRange(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	for _, target := range []string{
		"/api/trends?variable=TX&from=20",
		"/api/trends?variable=TX&from=2021&to=2019",
		"/api/trends?variable=TX&period=weekly",
		"/api/trends?variable=TX&statistic=median",
		"/api/trends?variable=HUMIDITY",
	} {
		if w := doRequest(router, "GET", target); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestGetTrends_NoSnapshot(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{err: errors.New("files missing")}, nil)

	w := doRequest(router, "GET", "/api/trends?variable=TX")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	code, message, _ := decodeError(t, w)
	if code != "DATA_UNAVAILABLE" {
		t.Errorf("error code = %q, want DATA_UNAVAILABLE", code)
	}
	if !strings.Contains(message, "files missing") {
		t.Errorf("message = %q, want the load error", message)
	}
}

func TestGetMap_Success(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/map?variable=TX&period=yearly&bucket=2020")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var result models.MapResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Period != "2020" || len(result.Points) != 2 {
		t.Errorf("map = period %q, %d points; want 2020, 2", result.Period, len(result.Points))
	}
	if result.Points[0].Latitude == 0 {
		t.Errorf("point missing coordinates: %+v", result.Points[0])
	}
}

func TestGetStations(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/stations")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Stations []models.Station `json:"stations"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	w = doRequest(router, "GET", "/api/stations?department=59")
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if resp.Count != 1 || resp.Stations[0].ID != "07015" {
		t.Errorf("filtered = %+v, want just 07015", resp.Stations)
	}
}

func TestGetStation_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/stations/00000")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "UNKNOWN_STATION" {
		t.Errorf("error code = %q, want UNKNOWN_STATION", code)
	}
}

func TestGetSeries_Success(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/stations/07005/series?variable=TX&from=2020")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var series models.StationSeries
	if err := json.NewDecoder(w.Body).Decode(&series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(series.Points) != 3 || series.ExcludedCount != 1 {
		t.Errorf("series = %d points, %d excluded; want 3 and 1", len(series.Points), series.ExcludedCount)
	}
}

func TestGetDecomposition_InsufficientData(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/stations/07005/decomposition?variable=TX")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if code, _, _ := decodeError(t, w); code != "INSUFFICIENT_DATA" {
		t.Errorf("error code = %q, want INSUFFICIENT_DATA", code)
	}
}

func TestGetSummary_Success(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/stations/07005/summary?variable=TX")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var summary models.TrendSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if summary.FirstYear != 2019 || summary.LastYear != 2021 {
		t.Errorf("span = %d-%d, want 2019-2021", summary.FirstYear, summary.LastYear)
	}
}

func TestGetDepartments(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/departments")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Departments []spatial.DepartmentInfo `json:"departments"`
		Count       int                      `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestDepartmentEndpoints_CountTowardTraffic(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	if w := doRequest(router, "GET", "/api/departments"); w.Code != http.StatusOK {
		t.Fatalf("departments status = %d, want 200", w.Code)
	}
	if w := doRequest(router, "GET", "/api/departments/59"); w.Code != http.StatusOK {
		t.Fatalf("shape status = %d, want 200", w.Code)
	}

	if got := traffic.RequestCount(time.Minute); got != 2 {
		t.Errorf("RequestCount = %d, want 2", got)
	}
	if errs, _ := traffic.ErrorRate(time.Minute); errs != 0 {
		t.Errorf("errors in window = %d, want 0", errs)
	}
}

func TestGetDepartmentShape(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/api/departments/59")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/geo+json" {
		t.Errorf("Content-Type = %q, want application/geo+json", got)
	}
	var feature struct {
		Type       string `json:"type"`
		Properties struct {
			Code string `json:"code"`
		} `json:"properties"`
	}
	if err := json.NewDecoder(w.Body).Decode(&feature); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if feature.Type != "Feature" || feature.Properties.Code != "59" {
		t.Errorf("feature = %+v, want the department 59 feature", feature)
	}

	if w := doRequest(router, "GET", "/api/departments/99"); w.Code != http.StatusNotFound {
		t.Errorf("unknown code status = %d, want 404", w.Code)
	}
	if w := doRequest(router, "GET", "/api/departments/XXXX"); w.Code != http.StatusBadRequest {
		t.Errorf("invalid code status = %d, want 400", w.Code)
	}
}

func TestGetDashboard(t *testing.T) {
	if err := web.LoadTemplates(); err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "ABBEVILLE") {
		t.Error("dashboard missing station options")
	}
	if strings.Contains(body, "Dataset unavailable") {
		t.Error("loaded dashboard should not show the placeholder banner")
	}
}

func TestGetDashboard_PlaceholderState(t *testing.T) {
	if err := web.LoadTemplates(); err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	_, _, router := newTestEnv(t, &stubSource{err: errors.New("observations file missing")}, nil)

	w := doRequest(router, "GET", "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even without a snapshot", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Dataset unavailable") {
		t.Error("dashboard missing placeholder banner")
	}
	if !strings.Contains(body, "observations file missing") {
		t.Error("dashboard banner missing load error message")
	}
}

func TestPostReload(t *testing.T) {
	source := &stubSource{snap: fixtureSnapshot()}
	_, _, router := newTestEnv(t, source, nil)

	w := doRequest(router, "POST", "/api/reload")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var info service.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !info.Loaded || info.Observations != 6 {
		t.Errorf("info = %+v, want loaded with 6 observations", info)
	}

	// failed reload drops to placeholder
	source.err = errors.New("portal down")
	if w := doRequest(router, "POST", "/api/reload"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed reload status = %d, want 503", w.Code)
	}
	if w := doRequest(router, "GET", "/api/trends?variable=TX"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("trends after failed reload status = %d, want 503", w.Code)
	}
}

func TestGetHealth_Healthy(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	w := doRequest(router, "GET", "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "healthy" || resp.Checks["dataset"] != "healthy" {
		t.Errorf("health = %+v, want healthy", resp)
	}
}

func TestGetHealth_PlaceholderState(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{err: errors.New("no data")}, nil)

	w := doRequest(router, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Checks["dataset"] != "unhealthy" {
		t.Errorf("health = %+v, want degraded with unhealthy dataset", resp)
	}
}

func TestGetHealth_ShuttingDown(t *testing.T) {
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, nil)

	lifecycle.SetShuttingDown(true)
	w := doRequest(router, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "shutting-down" {
		t.Errorf("status = %q, want shutting-down", resp.Status)
	}
}

func TestGetHealth_ErrorRateBreach(t *testing.T) {
	healthConfig := &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, healthConfig)

	for i := 0; i < 9; i++ {
		traffic.RecordError()
	}
	traffic.RecordSuccess()

	w := doRequest(router, "GET", "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

func TestGetHealth_CacheCheck(t *testing.T) {
	pingErr := errors.New("memcached unreachable")
	healthConfig := &HealthConfig{CachePing: func() error { return pingErr }}
	_, _, router := newTestEnv(t, &stubSource{snap: fixtureSnapshot()}, healthConfig)

	w := doRequest(router, "GET", "/health")
	var resp struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["cache"] != "unhealthy" {
		t.Errorf("cache check = %q, want unhealthy", resp.Checks["cache"])
	}
}
