package api

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caprev/sensorlink/internal/config"
	"github.com/caprev/sensorlink/internal/gateway"
	"github.com/caprev/sensorlink/internal/sim"
)

// newTestAPI stands up a simulation server, a gateway dialing it, and the
// HTTP surface in front, all on ephemeral ports.
func newTestAPI(t *testing.T, pins []string) *httptest.Server {
	t.Helper()
	log := zap.NewNop()

	simSrv := sim.New("127.0.0.1:0", pins, 20*time.Millisecond, log)
	if err := simSrv.Start(); err != nil {
		t.Fatalf("sim start: %v", err)
	}
	t.Cleanup(simSrv.Stop)

	host, portStr, err := net.SplitHostPort(simSrv.Addr())
	if err != nil {
		t.Fatalf("split sim addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("sim port: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Address = host
	cfg.Server.Port = port
	cfg.Link.HandshakeTimeoutSec = 5

	svc := gateway.New(cfg, log)
	t.Cleanup(svc.Close)

	ts := httptest.NewServer(NewRouter(svc, log))
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestConnectAndListSensors(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	resp := postJSON(t, ts.URL+"/api/v1/sensors", `{"pin":"1234"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	var accepted map[string]interface{}
	decodeBody(t, resp, &accepted)
	if accepted["status"] != "authorizing" {
		t.Errorf("connect response = %v", accepted)
	}

	// The grant arrives asynchronously; poll the detail endpoint.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/api/v1/sensors/1234")
		if err != nil {
			t.Fatalf("GET sensor: %v", err)
		}
		var st gateway.SensorStatus
		decodeBody(t, resp, &st)
		if resp.StatusCode == http.StatusOK && st.Connected && st.State == "streaming" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sensor never reached streaming: %+v", st)
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, err := http.Get(ts.URL + "/api/v1/sensors")
	if err != nil {
		t.Fatalf("GET sensors: %v", err)
	}
	var list struct {
		Sensors []gateway.SensorStatus `json:"sensors"`
		Count   int                    `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 1 || len(list.Sensors) != 1 || list.Sensors[0].Pin != "1234" {
		t.Errorf("list = %+v", list)
	}
}

func TestConnectErrors(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty pin", `{"pin":""}`, http.StatusBadRequest},
		{"bad json", `{pin`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/api/v1/sensors", tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}

	resp := postJSON(t, ts.URL+"/api/v1/sensors", `{"pin":"1234"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/api/v1/sensors", `{"pin":"1234"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate connect status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
}

func TestGetUnknownSensor(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	resp, err := http.Get(ts.URL + "/api/v1/sensors/0000")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestDisconnectSensor(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	resp := postJSON(t, ts.URL+"/api/v1/sensors", `{"pin":"1234"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/sensors/1234", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, err = http.DefaultClient.Do(req.Clone(req.Context()))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second disconnect status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("status body = %v", body)
	}
	if _, ok := body["any_connected"]; !ok {
		t.Error("status body missing any_connected")
	}
}

func TestEventStreamDeliversAuthorization(t *testing.T) {
	ts := newTestAPI(t, []string{"1234"})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer ws.Close()

	resp := postJSON(t, ts.URL+"/api/v1/sensors", `{"pin":"1234"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("connect status = %d", resp.StatusCode)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawAuthorized := false
	for !sawAuthorized {
		var evt struct {
			Pin  string `json:"pin"`
			Kind string `json:"kind"`
		}
		if err := ws.ReadJSON(&evt); err != nil {
			t.Fatalf("ws read: %v", err)
		}
		if evt.Kind == "authorized" && evt.Pin == "1234" {
			sawAuthorized = true
		}
	}
}
