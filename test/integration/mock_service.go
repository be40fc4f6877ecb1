package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/surveysync/model"
)

// Operation names recorded by the mock survey service.
const (
	OpHealth     = "health"
	OpDefinition = "definition"
	OpResponses  = "responses"
	OpSave       = "save"
	OpComplete   = "complete"
	OpBatch      = "batch"
	OpStatus     = "status"
	OpUpload     = "upload"
	OpExport     = "export"
)

// MockSurveyService is a stateful in-memory survey service. Saves are
// version checked: a payload whose version is not above the stored one gets
// a 409. Scripted responses configured with OnOperation take precedence
// over the stateful behavior, one per request.
type MockSurveyService struct {
	t      *testing.T
	server *httptest.Server

	mu          sync.Mutex
	definitions map[string]model.SurveyDefinition
	records     map[string]model.ResponseRecord
	completions []model.Completion
	seenKeys    map[string]bool
	down        bool
	scripted    map[string][]*mockResponse
	received    map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock.
type RecordedRequest struct {
	Method         string
	Path           string
	Query          map[string]string
	Headers        http.Header
	Body           map[string]any
	RawBody        []byte
	IdempotencyKey string
	ReceivedAt     time.Time
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
	headers   map[string]string
}

// OperationMock is a builder for scripted responses of one operation.
type OperationMock struct {
	svc *MockSurveyService
	op  string
}

// newMockSurveyService creates the service and starts its HTTP server.
func newMockSurveyService(t *testing.T) *MockSurveyService {
	t.Helper()

	s := &MockSurveyService{
		t:           t,
		definitions: make(map[string]model.SurveyDefinition),
		records:     make(map[string]model.ResponseRecord),
		seenKeys:    make(map[string]bool),
		scripted:    make(map[string][]*mockResponse),
		received:    make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handle(OpHealth, s.health))
	mux.HandleFunc("GET /survey/{type}/questions", s.handle(OpDefinition, s.getDefinition))
	mux.HandleFunc("GET /survey/responses/{client}/{type}", s.handle(OpResponses, s.getResponses))
	mux.HandleFunc("POST /survey/responses", s.handle(OpSave, s.saveResponses))
	mux.HandleFunc("POST /survey/responses/batch", s.handle(OpBatch, s.batchSave))
	mux.HandleFunc("POST /survey/complete", s.handle(OpComplete, s.complete))
	mux.HandleFunc("GET /survey/status/{client}/{type}", s.handle(OpStatus, s.status))
	mux.HandleFunc("POST /survey/upload", s.handle(OpUpload, s.upload))
	mux.HandleFunc("GET /survey/export/{client}/{type}", s.handle(OpExport, s.export))

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the base URL of the service.
func (s *MockSurveyService) URL() string {
	return s.server.URL
}

// AddDefinition serves def from the definition endpoint.
func (s *MockSurveyService) AddDefinition(def model.SurveyDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.SurveyType] = def
}

// SeedRecord stores a record as if another client had saved it.
func (s *MockSurveyService) SeedRecord(clientID, surveyType string, responses model.ResponseSet, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[model.QueueKey(clientID, surveyType)] = model.ResponseRecord{
		Responses: responses.Clone(),
		Version:   version,
	}
}

// Record returns the stored record of (clientID, surveyType).
func (s *MockSurveyService) Record(clientID, surveyType string) (model.ResponseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[model.QueueKey(clientID, surveyType)]
	rec.Responses = rec.Responses.Clone()
	return rec, ok
}

// Completions returns every recorded completion.
func (s *MockSurveyService) Completions() []model.Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Completion(nil), s.completions...)
}

// SetDown makes every request fail at the connection level.
func (s *MockSurveyService) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// OnOperation returns a builder for scripted responses of op.
func (s *MockSurveyService) OnOperation(op string) *OperationMock {
	return &OperationMock{svc: s, op: op}
}

// RespondWith queues a response with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.svc.addResponse(om.op, &mockResponse{status: status, body: body})
	return om
}

// RespondWithHeaders queues a response with extra headers.
func (om *OperationMock) RespondWithHeaders(status int, body any, headers map[string]string) *OperationMock {
	om.svc.addResponse(om.op, &mockResponse{status: status, body: body, headers: headers})
	return om
}

// RespondWithDelay queues a delayed response.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.svc.addResponse(om.op, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError queues a dropped connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.svc.addResponse(om.op, &mockResponse{connError: true})
	return om
}

func (s *MockSurveyService) addResponse(op string, resp *mockResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted[op] = append(s.scripted[op], resp)
}

func (s *MockSurveyService) nextScripted(op string) *mockResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.scripted[op]
	if len(queue) == 0 {
		return nil
	}
	s.scripted[op] = queue[1:]
	return queue[0]
}

// handle records the request, applies the down switch and scripted
// responses, then falls through to the stateful handler.
func (s *MockSurveyService) handle(op string, next func(w http.ResponseWriter, r *http.Request, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:         r.Method,
			Path:           r.URL.Path,
			Query:          make(map[string]string),
			Headers:        r.Header.Clone(),
			IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
			ReceivedAt:     time.Now(),
		}
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				rec.Query[key] = values[0]
			}
		}
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}

		s.mu.Lock()
		s.received[op] = append(s.received[op], rec)
		down := s.down
		s.mu.Unlock()

		if down {
			dropConnection(w)
			return
		}

		if resp := s.nextScripted(op); resp != nil {
			if resp.connError {
				dropConnection(w)
				return
			}
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			for k, v := range resp.headers {
				w.Header().Set(k, v)
			}
			writeJSON(w, resp.status, resp.body)
			return
		}

		next(w, r, body)
	}
}

func dropConnection(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, _ := hj.Hijack(); conn != nil {
			conn.Close()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func writeProblem(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "message": msg})
}

func (s *MockSurveyService) health(w http.ResponseWriter, _ *http.Request, _ []byte) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MockSurveyService) getDefinition(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.mu.Lock()
	def, ok := s.definitions[r.PathValue("type")]
	s.mu.Unlock()
	if !ok {
		writeProblem(w, http.StatusNotFound, "NOT_FOUND", "unknown survey type")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *MockSurveyService) getResponses(w http.ResponseWriter, r *http.Request, _ []byte) {
	rec, ok := s.Record(r.PathValue("client"), r.PathValue("type"))
	if !ok {
		writeProblem(w, http.StatusNotFound, "NOT_FOUND", "no responses")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *MockSurveyService) saveResponses(w http.ResponseWriter, r *http.Request, body []byte) {
	var p model.SavePayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	status, msg := s.apply(p, r.Header.Get("X-Idempotency-Key"))
	if status != http.StatusOK {
		writeProblem(w, status, "CONFLICT", msg)
		return
	}
	rec, _ := s.Record(p.ClientID, p.SurveyType)
	writeJSON(w, http.StatusOK, rec)
}

// apply stores p when its version is newer than the stored record. A
// repeated idempotency key is acknowledged without applying again.
func (s *MockSurveyService) apply(p model.SavePayload, idempotencyKey string) (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" && s.seenKeys[idempotencyKey] {
		return http.StatusOK, ""
	}
	key := model.QueueKey(p.ClientID, p.SurveyType)
	current := s.records[key]
	if p.Version <= current.Version {
		return http.StatusConflict, fmt.Sprintf("version %d is not newer than %d", p.Version, current.Version)
	}
	rec := p.ResponseRecord
	rec.Responses = rec.Responses.Clone()
	s.records[key] = rec
	if idempotencyKey != "" {
		s.seenKeys[idempotencyKey] = true
	}
	return http.StatusOK, ""
}

func (s *MockSurveyService) batchSave(w http.ResponseWriter, _ *http.Request, body []byte) {
	var batch model.BatchSave
	if err := json.Unmarshal(body, &batch); err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	saved := 0
	for _, p := range batch.Responses {
		if status, _ := s.apply(p, ""); status == http.StatusOK {
			saved++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"saved": saved})
}

func (s *MockSurveyService) complete(w http.ResponseWriter, _ *http.Request, body []byte) {
	var c model.Completion
	if err := json.Unmarshal(body, &c); err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.mu.Lock()
	s.completions = append(s.completions, c)
	key := model.QueueKey(c.ClientID, c.SurveyType)
	rec := s.records[key]
	rec.Completed = true
	at := c.CompletedAt
	rec.CompletedAt = &at
	s.records[key] = rec
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"completed": true})
}

func (s *MockSurveyService) status(w http.ResponseWriter, r *http.Request, _ []byte) {
	clientID, surveyType := r.PathValue("client"), r.PathValue("type")
	rec, _ := s.Record(clientID, surveyType)
	writeJSON(w, http.StatusOK, model.StatusRecord{
		ClientID:    clientID,
		SurveyType:  surveyType,
		Completed:   rec.Completed,
		CompletedAt: rec.CompletedAt,
		Progress:    rec.Progress,
		Version:     rec.Version,
	})
}

func (s *MockSurveyService) upload(w http.ResponseWriter, r *http.Request, body []byte) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	mr := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "BAD_REQUEST", "missing file part")
			return
		}
		if part.FormName() != "file" {
			continue
		}
		content, _ := io.ReadAll(part)
		writeJSON(w, http.StatusOK, model.FileRef{
			File: "uploads/" + part.FileName(),
			Size: int64(len(content)),
			Type: part.Header.Get("Content-Type"),
		})
		return
	}
}

func (s *MockSurveyService) export(w http.ResponseWriter, r *http.Request, _ []byte) {
	rec, ok := s.Record(r.PathValue("client"), r.PathValue("type"))
	if !ok {
		writeProblem(w, http.StatusNotFound, "NOT_FOUND", "no responses")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "question_id,response\n")
	for id, v := range rec.Responses {
		fmt.Fprintf(w, "%s,%v\n", id, v)
	}
}

// CallCount returns how many requests op received.
func (s *MockSurveyService) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received[op])
}

// AssertCalled verifies that op was called the expected number of times.
func (s *MockSurveyService) AssertCalled(t *testing.T, op string, expected int) {
	t.Helper()
	if actual := s.CallCount(op); actual != expected {
		t.Errorf("mock survey service: %q called %d times, want %d", op, actual, expected)
	}
}

// LastRequest returns the last request received for op, or nil.
func (s *MockSurveyService) LastRequest(op string) *RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	reqs := s.received[op]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns every request received for op.
func (s *MockSurveyService) AllRequests(op string) []*RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*RecordedRequest(nil), s.received[op]...)
}
