package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *Service) {
	t.Helper()
	service, _ := testService(t, testStore(t))
	return NewServer(service), service
}

func TestServerRejectsMalformedSubmissions(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/estimate",
		bytes.NewBufferString("{not json")))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/estimate", nil))
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/estimate",
		bytes.NewBufferString("{}")))
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("empty request: status = %d, want 400", recorder.Code)
	}
}

func TestServerUnknownRequest(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/requests/no-such-id", nil))
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", recorder.Code)
	}
}

func TestServerHealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(t)

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte("propcore")) {
		t.Fatal("metrics do not include the propcore namespace")
	}
}

func TestServerSubmitAndPoll(t *testing.T) {
	engine := writeStubEngine(t, t.TempDir(), 4)
	server, _ := newTestServer(t)

	request := EstimationRequest{
		DataSet:    testDataSet(t, densityProperty(t, "density-1", "CCO")),
		ForceField: []byte(testForceFieldXML),
		Options: RequestOptions{
			Layers:          []string{LayerSimulation},
			Steps:           2000,
			OutputFrequency: 500,
			Engine:          engine,
		},
	}
	body, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}

	recorder := httptest.NewRecorder()
	server.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/v1/estimate", bytes.NewReader(body)))
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d: %s", recorder.Code, recorder.Body.String())
	}
	var accepted submitResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if accepted.ID == "" {
		t.Fatal("submit response has no request id")
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		recorder = httptest.NewRecorder()
		server.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/requests/"+accepted.ID, nil))
		if recorder.Code != http.StatusOK {
			t.Fatalf("poll status = %d", recorder.Code)
		}
		var result RequestResult
		if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
			t.Fatalf("decode result: %v", err)
		}
		if result.Status.Terminal() {
			if len(result.EstimatedProperties) != 1 {
				t.Fatalf("estimated %d properties, exceptions %+v",
					len(result.EstimatedProperties), result.Exceptions)
			}
			if result.EstimatedProperties[0].Type != "Density" {
				t.Fatalf("estimated property type = %s", result.EstimatedProperties[0].Type)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("request did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
