package httpserver

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThingsPanel/modbus-cloud-adapter/cloud"
	"github.com/ThingsPanel/modbus-cloud-adapter/poller"
	"gotest.tools/v3/assert"
)

type fakeStatus struct {
	healths  []poller.Health
	latest   map[string]poller.Reading
	reprobed []string
	err      error
}

func (f *fakeStatus) Healths() []poller.Health { return f.healths }

func (f *fakeStatus) Health(id string) (poller.Health, bool) {
	for _, h := range f.healths {
		if h.DeviceID == id {
			return h, true
		}
	}
	return poller.Health{}, false
}

func (f *fakeStatus) Latest(id string) (map[string]poller.Reading, bool) {
	return f.latest, true
}

func (f *fakeStatus) Reprobe(id string) error {
	f.reprobed = append(f.reprobed, id)
	return f.err
}

func (f *fakeStatus) CloudStats() cloud.Stats {
	return cloud.Stats{Connected: true, Published: 12, Dropped: 1}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func serve(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var env envelope
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		healths: []poller.Health{
			{DeviceID: "boiler", State: poller.StateOK},
			{DeviceID: "chiller", State: poller.StateUnreachable, ConsecutiveFailures: 3, LastErrorKind: "timeout_error"},
		},
		latest: map[string]poller.Reading{
			"temperature": {Name: "temperature", Value: 21.5, Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		},
	}
}

func TestHealthHandler(t *testing.T) {
	s := New(":0", newFakeStatus())
	rec, env := serve(t, s, http.MethodGet, "/api/health")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, env.Code, 200)

	var status struct {
		Cloud   cloud.Stats `json:"cloud"`
		Devices []struct {
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
		} `json:"devices"`
	}
	assert.NilError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, status.Cloud.Published, uint64(12))
	assert.Equal(t, len(status.Devices), 2)
	assert.Equal(t, status.Devices[1].State, "unreachable")
}

func TestDeviceHandler(t *testing.T) {
	s := New(":0", newFakeStatus())
	rec, env := serve(t, s, http.MethodGet, "/api/devices/boiler")
	assert.Equal(t, rec.Code, http.StatusOK)

	var status struct {
		Values map[string]Value `json:"values"`
	}
	assert.NilError(t, json.Unmarshal(env.Data, &status))
	assert.DeepEqual(t, status.Values, map[string]Value{
		"temperature": {Value: 21.5, Timestamp: "2024-03-01T12:00:00.000Z"},
	})

	rec, env = serve(t, s, http.MethodGet, "/api/devices/pump")
	assert.Equal(t, rec.Code, http.StatusNotFound)
	assert.Equal(t, env.Message, "device pump not found")
}

func TestReprobeHandler(t *testing.T) {
	status := newFakeStatus()
	s := New(":0", status)

	rec, _ := serve(t, s, http.MethodPost, "/api/devices/chiller/reprobe")
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.DeepEqual(t, status.reprobed, []string{"chiller"})

	status.err = errors.New("boom")
	rec, env := serve(t, s, http.MethodPost, "/api/devices/chiller/reprobe")
	assert.Equal(t, rec.Code, http.StatusBadRequest)
	assert.Equal(t, env.Message, "boom")

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices/chiller/reprobe", nil))
	assert.Equal(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestDeviceHandlerNonFiniteValues(t *testing.T) {
	status := newFakeStatus()
	status.latest["flow"] = poller.Reading{Name: "flow", Value: float32(math.NaN()), Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(":0", status)

	rec, env := serve(t, s, http.MethodGet, "/api/devices/boiler")
	assert.Equal(t, rec.Code, http.StatusOK)

	var got struct {
		Values map[string]Value `json:"values"`
	}
	assert.NilError(t, json.Unmarshal(env.Data, &got))
	assert.DeepEqual(t, got.Values, map[string]Value{
		"temperature": {Value: 21.5, Timestamp: "2024-03-01T12:00:00.000Z"},
		"flow":        {Value: nil, Quality: "NaN", Timestamp: "2024-03-01T12:00:00.000Z"},
	})
}

func TestRspSuccessEncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	RspSuccess(rec, math.Inf(1))
	assert.Equal(t, rec.Code, http.StatusInternalServerError)

	var env envelope
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, env.Code, http.StatusInternalServerError)
	assert.Assert(t, env.Message != "")
}
