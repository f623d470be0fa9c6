package result

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *mockResultRepo, *echo.Echo) {
	svc, repo := newTestService()
	h := NewHandler(svc, "https://lab.example")
	h.now = func() time.Time { return time.UnixMilli(1_717_171_234_567) }
	e := echo.New()
	return h, repo, e
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func postResult(h *Handler, e *echo.Echo, body string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodPost, "/add-result", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, h.AddResult(c)
}

func getResult(h *Handler, e *echo.Echo, query string) (*httptest.ResponseRecorder, echo.Context, error) {
	req := httptest.NewRequest(http.MethodGet, "/get-result?"+query, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, c, h.GetResult(c)
}

const sampleBody = `{"orderId":"AEM00000001","patientName":"Ivanov I.I.","birthDate":"1990-04-12","phone":"+7 (701) 555-12-34","medications":[{"name":"Articaine","result":"Negative","igE":"<0.35","level":"none","class":"0"}]}`

func TestHandler_AddResult(t *testing.T) {
	h, repo, e := newTestHandler()

	rec, err := postResult(h, e, sampleBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"success":true}` {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	stored, err := repo.GetByOrderID(context.Background(), "AEM00000001")
	if err != nil {
		t.Fatalf("expected stored record: %v", err)
	}
	if stored.Phone == nil || *stored.Phone != "+77015551234" {
		t.Errorf("expected normalized phone, got %v", stored.Phone)
	}
}

func TestHandler_AddResult_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{"empty body", "", "Request body is empty"},
		{"whitespace body", "  \n\t", "Request body is empty"},
		{"invalid json", `{"orderId":`, "Invalid JSON format"},
		{"missing patient", `{"orderId":"AEM1","medications":[{"name":"x"}]}`, msgMissingRequired},
		{"empty medications", `{"orderId":"AEM1","patientName":"A","medications":[]}`, msgMedicationsNeeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, repo, e := newTestHandler()
			rec, err := postResult(h, e, tt.body)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec); got.Error != tt.msg {
				t.Errorf("expected error %q, got %q", tt.msg, got.Error)
			}
			if repo.writes != 0 {
				t.Errorf("expected no writes, got %d", repo.writes)
			}
		})
	}
}

func TestHandler_AddResult_InvalidJSONHasDetails(t *testing.T) {
	h, _, e := newTestHandler()
	rec, _ := postResult(h, e, `not json`)
	if got := decodeError(t, rec); got.Details == "" {
		t.Error("expected parser details for invalid JSON")
	}
}

func TestHandler_AddResult_StorageFailure(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.err = errors.New("connection refused")

	_, err := postResult(h, e, sampleBody)
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", he.Code)
	}
	if he.Internal == nil {
		t.Error("expected internal cause to be attached")
	}
}

func TestHandler_AddResult_PropagatesBodyLimit(t *testing.T) {
	h, _, e := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/add-result", nil)
	req.Body = errReader{err: echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Request body too large")}
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.AddResult(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 HTTPError, got %v", err)
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
func (r errReader) Close() error             { return nil }

func TestHandler_GetResult_OrderOnly(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)

	rec, c, err := getResult(h, e, "orderId=AEM00000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["order_id"] != "AEM00000001" {
		t.Errorf("expected order_id AEM00000001, got %v", body["order_id"])
	}
	if c.Get(CtxLookupMode) != string(ModeOrderOnly) {
		t.Errorf("expected lookup mode to be recorded, got %v", c.Get(CtxLookupMode))
	}
}

func TestHandler_GetResult_TwoFactor(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)

	rec, _, _ := getResult(h, e, "orderId=aem00000001&birthDate=1990-04-12")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec, _, _ = getResult(h, e, "orderId=AEM00000001&birthDate=1991-01-01")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for wrong birth date, got %d", rec.Code)
	}
}

func TestHandler_GetResult_Phone(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)

	rec, c, _ := getResult(h, e, "phone=%2B7%20701%20555%2012%2034")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if c.Get(CtxOrderID) != "AEM00000001" {
		t.Errorf("expected matched order id in context, got %v", c.Get(CtxOrderID))
	}
}

func TestHandler_GetResult_NotFound(t *testing.T) {
	h, _, e := newTestHandler()

	rec, _, err := getResult(h, e, "orderId=NOTEXIST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Error != "Not found" {
		t.Errorf("expected 'Not found', got %q", got.Error)
	}
}

func TestHandler_GetResult_MissingParams(t *testing.T) {
	h, _, e := newTestHandler()

	for _, q := range []string{"", "birthDate=1990-04-12", "orderId=%20%20"} {
		rec, _, _ := getResult(h, e, q)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("query %q: expected 400, got %d", q, rec.Code)
			continue
		}
		if got := decodeError(t, rec); got.Error != "Missing search parameters" {
			t.Errorf("query %q: unexpected error %q", q, got.Error)
		}
	}
}

func TestHandler_GetResult_StorageFailure(t *testing.T) {
	h, repo, e := newTestHandler()
	repo.err = errors.New("timeout")

	_, _, err := getResult(h, e, "orderId=AEM00000001")
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
}

func TestHandler_RoutesRejectOtherMethods(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e, nil, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPut, "/add-result"},
		{http.MethodGet, "/add-result"},
		{http.MethodPost, "/get-result"},
		{http.MethodDelete, "/get-result"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestHandler_RoutesUnderAPIPrefix(t *testing.T) {
	h, _, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api"), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/add-result", strings.NewReader(sampleBody))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/get-result?orderId=AEM00000001&birthDate=1990-04-12", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_NextOrderID(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := h.NextOrderID(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["orderId"] != "AEM71234567" {
		t.Errorf("expected AEM71234567, got %s", body["orderId"])
	}
	if body["resultUrl"] != "https://lab.example/?orderId=AEM71234567" {
		t.Errorf("unexpected resultUrl %s", body["resultUrl"])
	}
}

func TestHandler_ListMedications(t *testing.T) {
	h, _, e := newTestHandler()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := h.ListMedications(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Medications []Medication `json:"medications"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Medications) != len(Catalog) {
		t.Errorf("expected %d medications, got %d", len(Catalog), len(body.Medications))
	}
}

func TestHandler_ListResults(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)
	postResult(h, e, strings.Replace(sampleBody, "AEM00000001", "AEM00000002", 1))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?limit=1", nil), rec)
	if err := h.ListResults(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Data  []Record `json:"data"`
		Total int      `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 2 || len(body.Data) != 1 {
		t.Fatalf("expected 1 of 2 results, got %d of %d", len(body.Data), body.Total)
	}
	if body.Data[0].OrderID != "AEM00000002" {
		t.Errorf("expected newest first, got %s", body.Data[0].OrderID)
	}
}

func TestHandler_GetResultForStaff(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)
	h.svc.SetAllowOrderOnly(false)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("orderId")
	c.SetParamValues("AEM00000001")
	if err := h.GetResultForStaff(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("orderId")
	c.SetParamValues("NOTEXIST")
	err := h.GetResultForStaff(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404 HTTPError, got %v", err)
	}
}

func TestHandler_GetResultLink(t *testing.T) {
	h, _, e := newTestHandler()
	postResult(h, e, sampleBody)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("orderId")
	c.SetParamValues("aem00000001")
	if err := h.GetResultLink(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["resultUrl"] != "https://lab.example/?orderId=AEM00000001" {
		t.Errorf("expected stored casing in link, got %s", body["resultUrl"])
	}
}
