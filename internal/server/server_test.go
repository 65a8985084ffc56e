package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/deskrelay/internal/auth"
	"github.com/koltyakov/deskrelay/internal/config"
	"github.com/koltyakov/deskrelay/internal/domain"
	"github.com/koltyakov/deskrelay/internal/store/sqlite"
	"github.com/koltyakov/deskrelay/internal/transfer"
)

type testEnv struct {
	srv *Server
	ts  *httptest.Server
	cfg config.ServerConfig
}

func startEchoMachine(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestEnv(t *testing.T, mutate func(*config.ServerConfig)) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "deskrelay.db")
	cfg.FilesDir = filepath.Join(dir, "files")
	cfg.MachinePort = startEchoMachine(t)
	cfg.MaxUploadBytes = 1 << 20
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := sqlite.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv, err := New(cfg, store, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.broker.Shutdown(ctx)
	})
	return testEnv{srv: srv, ts: ts, cfg: cfg}
}

func (e testEnv) do(t *testing.T, method, path string, body any, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (e testEnv) createConnection(t *testing.T, name string) domain.ConnectionResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/connections", domain.CreateConnectionRequest{Name: name, Location: "HQ"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return decode[domain.ConnectionResponse](t, body)
}

func (e testEnv) registerMachine(t *testing.T, c domain.ConnectionResponse) {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/register-machine", domain.RegisterMachineRequest{
		InstallationKey: c.InstallationKey,
		MachineName:     "M1",
		IPAddress:       "127.0.0.1",
		Status:          "active",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func (e testEnv) openSession(t *testing.T, connectionID string) domain.SessionOpenResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/connections/"+connectionID+"/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	return decode[domain.SessionOpenResponse](t, body)
}

func (e testEnv) listSessions(t *testing.T) []domain.SessionResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[[]domain.SessionResponse](t, body)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[domain.HealthResponse](t, body)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Timestamp.IsZero())
}

func TestRegistrationAndSessionScenario(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	c := e.createConnection(t, "X")
	assert.Equal(t, "pending", c.Status)
	assert.Nil(t, c.IPAddress)
	assert.NotEmpty(t, c.InstallationKey)

	resp, body := e.do(t, http.MethodGet, "/api/connections/"+c.ID+"/installer", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inst := decode[domain.InstallerResponse](t, body)
	assert.Equal(t, c.InstallationKey, inst.InstallationKey)
	assert.Equal(t, e.ts.URL+"/api/register-machine", inst.RegistrationURL)

	resp, body = e.do(t, http.MethodPost, "/api/register-machine", domain.RegisterMachineRequest{
		InstallationKey: c.InstallationKey,
		MachineName:     "M1",
		IPAddress:       "127.0.0.1",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	reg := decode[domain.RegisterMachineResponse](t, body)
	assert.Equal(t, "Machine registered successfully", reg.Message)
	assert.Equal(t, c.ID, reg.ConnectionID)

	resp, body = e.do(t, http.MethodGet, "/api/connections/"+c.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.ConnectionResponse](t, body)
	assert.Equal(t, "active", got.Status)
	require.NotNil(t, got.IPAddress)
	assert.Equal(t, "127.0.0.1", *got.IPAddress)

	first := e.openSession(t, c.ID)
	assert.Equal(t, e.cfg.MachinePort, first.Port)
	assert.NotEmpty(t, first.Password)
	assert.True(t, strings.HasPrefix(first.RelayEndpoint, "ws://"), first.RelayEndpoint)

	resp, body = e.do(t, http.MethodPost, "/api/connections/"+c.ID+"/sessions", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", decode[domain.ErrorResponse](t, body).ErrorCode)

	resp, body = e.do(t, http.MethodGet, "/api/sessions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), first.Password)
	sessions := decode[[]domain.SessionResponse](t, body)
	require.Len(t, sessions, 1)
	assert.Equal(t, first.SessionID, sessions[0].SessionID)

	ws, _, err := websocket.DefaultDialer.Dial(first.RelayEndpoint+"?password="+url.QueryEscape(first.Password), nil)
	require.NoError(t, err)
	payload := []byte("RFB 003.008\n")
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, payload))
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var echoed []byte
	for len(echoed) < len(payload) {
		_, msg, err := ws.ReadMessage()
		require.NoError(t, err)
		echoed = append(echoed, msg...)
	}
	assert.Equal(t, payload, echoed)

	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = ws.Close()

	assert.Eventually(t, func() bool { return len(e.listSessions(t)) == 0 }, 5*time.Second, 20*time.Millisecond)

	second := e.openSession(t, c.ID)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func TestCreateConnectionStoresCountryAndCity(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodPost, "/api/connections", map[string]string{
		"name":     "Test Connection",
		"location": "Test Lab",
		"country":  "Russia",
		"city":     "Moscow",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	created := decode[domain.ConnectionResponse](t, body)
	assert.Equal(t, "Russia", created.Country)
	assert.Equal(t, "Moscow", created.City)

	resp, body = e.do(t, http.MethodGet, "/api/connections/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[domain.ConnectionResponse](t, body)
	assert.Equal(t, "Test Lab", got.Location)
	assert.Equal(t, "Russia", got.Country)
	assert.Equal(t, "Moscow", got.City)
}

func TestRelayRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)
	grant := e.openSession(t, c.ID)

	_, resp, err := websocket.DefaultDialer.Dial(grant.RelayEndpoint+"?password=wrong", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	sessions := e.listSessions(t)
	require.Len(t, sessions, 1)
	assert.Equal(t, "opening", sessions[0].State)
}

func TestCloseSessionEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)
	grant := e.openSession(t, c.ID)

	resp, _ := e.do(t, http.MethodDelete, "/api/sessions/"+grant.SessionID, nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/api/sessions/"+grant.SessionID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/api/activity?connection_id="+c.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]domain.ActivityResponse](t, body)
	actions := make([]string, 0, len(entries))
	for _, a := range entries {
		actions = append(actions, a.Action)
		assert.NotContains(t, a.Details, grant.Password)
		assert.NotContains(t, a.Details, c.InstallationKey)
	}
	assert.Equal(t, []string{"created", "registered", "session_opened", "session_closed"}, actions)
}

func TestOpenSessionRequiresActive(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")

	resp, body := e.do(t, http.MethodPost, "/api/connections/"+c.ID+"/sessions", nil, nil)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "precondition_failed", decode[domain.ErrorResponse](t, body).ErrorCode)

	resp, _ = e.do(t, http.MethodPost, "/api/connections/missing/sessions", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func uploadFile(t *testing.T, e testEnv, connectionID, name string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/files/"+connectionID+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestFileTransferEndpoints(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)

	data := []byte("quarterly report\n")
	resp, body := uploadFile(t, e, c.ID, "report.txt", data)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	up := decode[domain.UploadResponse](t, body)
	assert.Equal(t, "report.txt", up.Filename)
	assert.EqualValues(t, len(data), up.Size)
	assert.Equal(t, transfer.Checksum(data), up.Checksum)

	resp, body = e.do(t, http.MethodGet, "/api/files/"+c.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	files := decode[domain.FilesResponse](t, body)
	assert.Equal(t, c.ID, files.ConnectionID)
	require.Len(t, files.Files, 1)
	assert.Equal(t, "report.txt", files.Files[0].Path)

	resp, body = e.do(t, http.MethodGet, "/api/files/"+c.ID+"/download?path=report.txt", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "report.txt")
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, up.Checksum, resp.Header.Get("X-Content-Blake3"))

	resp, body = e.do(t, http.MethodGet, "/api/files/"+c.ID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[[]domain.TransferResponse](t, body)
	require.Len(t, history, 2)
	assert.Equal(t, "upload", history[0].Type)
	assert.Equal(t, "download", history[1].Type)
	assert.Equal(t, history[0].Checksum, history[1].Checksum)
}

func TestFileEndpointsErrors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	pending := e.createConnection(t, "pending")

	resp, _ := uploadFile(t, e, pending.ID, "a.txt", []byte("a"))
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)

	active := e.createConnection(t, "active")
	e.registerMachine(t, active)

	resp, _ = e.do(t, http.MethodGet, "/api/files/"+active.ID+"/download?path=../../etc/passwd", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/files/"+active.ID+"/download?path=missing.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/api/files/"+active.ID+"/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.TransferResponse](t, body))

	resp, _ = e.do(t, http.MethodGet, "/api/files/missing/history", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	big := bytes.Repeat([]byte("x"), int(e.cfg.MaxUploadBytes)+1)
	resp, _ = uploadFile(t, e, active.ID, "big.bin", big)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConnectionErrorsAndStatus(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/api/connections/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[domain.ErrorResponse](t, body).ErrorCode)

	c := e.createConnection(t, "X")
	resp, _ = e.do(t, http.MethodPut, "/api/connections/"+c.ID+"/status", domain.SetStatusRequest{Status: "online"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPut, "/api/connections/"+c.ID+"/status", domain.SetStatusRequest{Status: "inactive"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inactive", decode[domain.ConnectionResponse](t, body).Status)

	resp, _ = e.do(t, http.MethodPost, "/api/register-machine", domain.RegisterMachineRequest{
		InstallationKey: "ik_unknown", MachineName: "M", IPAddress: "10.0.0.5",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	pending := e.createConnection(t, "Y")
	resp, body = e.do(t, http.MethodPost, "/api/register-machine", domain.RegisterMachineRequest{
		InstallationKey: pending.InstallationKey, MachineName: "M", IPAddress: "10.0.0.5:notaport",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_argument", decode[domain.ErrorResponse](t, body).ErrorCode)
	resp, body = e.do(t, http.MethodGet, "/api/connections/"+pending.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", decode[domain.ConnectionResponse](t, body).Status)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/connections", strings.NewReader("{not json"))
	require.NoError(t, err)
	raw, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestDeactivationClosesLiveSession(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)
	e.openSession(t, c.ID)

	resp, _ := e.do(t, http.MethodPut, "/api/connections/"+c.ID+"/status", domain.SetStatusRequest{Status: "inactive"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, e.listSessions(t))
}

func TestDeleteConnectionCascades(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)
	resp, _ := uploadFile(t, e, c.ID, "a.txt", []byte("a"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	e.openSession(t, c.ID)

	resp, _ = e.do(t, http.MethodDelete, "/api/connections/"+c.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/connections/"+c.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, e.listSessions(t))

	resp, body := e.do(t, http.MethodGet, "/api/activity?connection_id="+c.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]domain.ActivityResponse](t, body))

	_, err := os.Stat(filepath.Join(e.cfg.FilesDir, c.ID))
	assert.True(t, os.IsNotExist(err), "expected file area removed, got %v", err)

	resp, _ = e.do(t, http.MethodDelete, "/api/connections/"+c.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatsAndSystemInfo(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)
	c := e.createConnection(t, "X")
	e.registerMachine(t, c)
	e.createConnection(t, "Y")
	e.openSession(t, c.ID)

	resp, body := e.do(t, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[domain.StatsResponse](t, body)
	assert.Equal(t, 2, st.TotalConnections)
	assert.Equal(t, 1, st.ActiveConnections)
	assert.Equal(t, 1, st.PendingConnections)
	assert.Equal(t, 0, st.InactiveConnections)
	assert.Equal(t, 1, st.RecentActivity24h)

	e.srv.SetVersion("1.2.3")
	resp, body = e.do(t, http.MethodGet, "/api/system/info", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[domain.SystemInfoResponse](t, body)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, 1, info.ActiveSessions)
	assert.Contains(t, info.Features, "session_broker")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "deskrelay_sessions_active")
}

func TestOperatorTokenGate(t *testing.T) {
	t.Parallel()
	hash, err := auth.HashPassword("s3cret-operator")
	require.NoError(t, err)
	e := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.OperatorTokenHash = hash })

	resp, _ := e.do(t, http.MethodGet, "/api/connections", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/connections", nil, http.Header{"Authorization": {"Bearer nope"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	good := http.Header{"Authorization": {"Bearer s3cret-operator"}}
	resp, _ = e.do(t, http.MethodGet, "/api/connections", nil, good)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/connections", nil, good)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/register-machine", domain.RegisterMachineRequest{
		InstallationKey: "ik_unknown", MachineName: "M", IPAddress: "10.0.0.5",
	}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterMachineRateLimited(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RegisterRate = 0.01
		cfg.RegisterBurst = 3
	})
	req := domain.RegisterMachineRequest{InstallationKey: "ik_guess", MachineName: "M", IPAddress: "10.0.0.5"}

	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, http.MethodPost, "/api/register-machine", req, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodPost, "/api/register-machine", req, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decode[domain.ErrorResponse](t, body).ErrorCode)
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
}

func TestRegisterMachineRateLimitDisabled(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.RegisterRate = 0 })
	req := domain.RegisterMachineRequest{InstallationKey: "ik_guess", MachineName: "M", IPAddress: "10.0.0.5"}

	for i := 0; i < 2*config.Default().RegisterBurst; i++ {
		resp, _ := e.do(t, http.MethodPost, "/api/register-machine", req, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestStatusForKind(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"not_found":           http.StatusNotFound,
		"precondition_failed": http.StatusPreconditionFailed,
		"conflict":            http.StatusConflict,
		"invalid_argument":    http.StatusBadRequest,
		"io_failure":          http.StatusBadGateway,
		"timeout":             http.StatusGatewayTimeout,
		"internal":            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}

func TestBaseURLPrefersPublicURL(t *testing.T) {
	t.Parallel()

	s := &Server{cfg: config.ServerConfig{PublicURL: "https://relay.example.com/"}}
	r := httptest.NewRequest(http.MethodGet, "http://10.0.0.1:8080/api/health", nil)
	assert.Equal(t, "https://relay.example.com", s.baseURL(r))

	s.cfg.PublicURL = ""
	assert.Equal(t, "http://10.0.0.1:8080", s.baseURL(r))
}
