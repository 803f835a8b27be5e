package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/swing-engine/internal/decision"
	"github.com/Rajchodisetti/swing-engine/internal/engine"
	"github.com/Rajchodisetti/swing-engine/internal/lifecycle"
	"github.com/Rajchodisetti/swing-engine/internal/portfolio"
	"github.com/Rajchodisetti/swing-engine/internal/publish"
)

type call struct {
	op     string
	userID uint
	id     uint
}

type fakeControls struct {
	mu     sync.Mutex
	calls  []call
	err    error
	status lifecycle.Status
	state  map[string]portfolio.ScriptState
	params decision.Params
}

func (f *fakeControls) record(op string, userID, id uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, userID: userID, id: id})
	return f.err
}

func (f *fakeControls) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return call{}
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeControls) CreateSet(ctx context.Context, userID uint, name string, params decision.Params, scripts []engine.ScriptSpec) (portfolio.StrategySet, error) {
	if err := f.record("create", userID, 0); err != nil {
		return portfolio.StrategySet{}, err
	}
	f.params = params
	set := portfolio.StrategySet{ID: 3, UserID: userID, Name: name}
	for i, s := range scripts {
		set.Scripts = append(set.Scripts, portfolio.Script{ID: uint(i + 1), SetID: 3, Symbol: s.Symbol, Status: lifecycle.Waiting})
	}
	return set, nil
}

func (f *fakeControls) Deploy(ctx context.Context, userID, setID uint) error {
	return f.record("deploy", userID, setID)
}

func (f *fakeControls) Undeploy(ctx context.Context, userID, setID uint) error {
	return f.record("undeploy", userID, setID)
}

func (f *fakeControls) ToggleSet(ctx context.Context, userID, setID uint) (string, error) {
	return string(f.status), f.record("toggle_set", userID, setID)
}

func (f *fakeControls) ToggleScript(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error) {
	return f.status, f.record("toggle_script", userID, scriptID)
}

func (f *fakeControls) Retry(ctx context.Context, userID, scriptID uint) (lifecycle.Status, error) {
	return f.status, f.record("retry", userID, scriptID)
}

func (f *fakeControls) State(ctx context.Context, userID uint) (map[string]portfolio.ScriptState, error) {
	return f.state, f.record("state", userID, 0)
}

func newTestServer(t *testing.T, fc *fakeControls) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(fc, publish.NewHub(16), nil))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRequiresUser(t *testing.T) {
	srv := newTestServer(t, &fakeControls{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/state"},
		{http.MethodPost, "/api/sets"},
		{http.MethodPost, "/api/sets/1/deploy"},
		{http.MethodPost, "/api/scripts/1/retry"},
		{http.MethodGet, "/events"},
	} {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, do(t, srv, tc.method, tc.path, "", "{}").StatusCode)
			assert.Equal(t, http.StatusUnauthorized, do(t, srv, tc.method, tc.path, "abc", "{}").StatusCode)
		})
	}
}

func TestCreateSet(t *testing.T) {
	fc := &fakeControls{}
	srv := newTestServer(t, fc)

	body := `{
		"name": "core",
		"params": {
			"entry_basis": "close",
			"entry_percentage": "0",
			"investment_type": "quantity",
			"investment_value": "50",
			"profit_target_type": "percentage",
			"profit_target_value": "5",
			"stop_loss_type": "percentage",
			"stop_loss_value": "3"
		},
		"scripts": [{"name": "Infosys", "symbol": "INFY", "token": "1594"}, {"symbol": "TCS"}]
	}`
	resp := do(t, srv, http.MethodPost, "/api/sets", "7", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var set portfolio.StrategySet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	assert.Equal(t, uint(7), set.UserID)
	assert.Len(t, set.Scripts, 2)
	assert.True(t, fc.params.InvestmentValue.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, call{op: "create", userID: 7}, fc.last())
}

func TestCreateSetRejectsBadInput(t *testing.T) {
	fc := &fakeControls{}
	srv := newTestServer(t, fc)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sets", "7", "{").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sets", "7", `{"bogus": 1}`).StatusCode)

	fc.err = fmt.Errorf("%w: entry_basis %q", engine.ErrInvalidSet, "vwap")
	resp := do(t, srv, http.MethodPost, "/api/sets", "7", `{"name": "x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Contains(t, e.Error, "entry_basis")
}

func TestSetAndScriptActions(t *testing.T) {
	fc := &fakeControls{status: lifecycle.Paused}
	srv := newTestServer(t, fc)

	tests := []struct {
		path string
		code int
		want call
	}{
		{"/api/sets/4/deploy", http.StatusNoContent, call{"deploy", 7, 4}},
		{"/api/sets/4/undeploy", http.StatusNoContent, call{"undeploy", 7, 4}},
		{"/api/sets/4/toggle", http.StatusOK, call{"toggle_set", 7, 4}},
		{"/api/scripts/9/toggle", http.StatusOK, call{"toggle_script", 7, 9}},
		{"/api/scripts/9/retry", http.StatusOK, call{"retry", 7, 9}},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			resp := do(t, srv, http.MethodPost, tc.path, "7", "")
			require.Equal(t, tc.code, resp.StatusCode)
			assert.Equal(t, tc.want, fc.last())
			if tc.code == http.StatusOK {
				var out statusResponse
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
				assert.Equal(t, string(lifecycle.Paused), out.Status)
			}
		})
	}

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sets/x/deploy", "7", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv, http.MethodGet, "/api/sets/4/deploy", "7", "").StatusCode)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("script 9: %w", engine.ErrNotOwner), http.StatusForbidden},
		{fmt.Errorf("script 9: %w", portfolio.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("running -> waiting: %w", lifecycle.ErrInvalidTransition), http.StatusConflict},
		{fmt.Errorf("script 9: %w", engine.ErrArchived), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("disk I/O error"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.err.Error(), func(t *testing.T) {
			srv := newTestServer(t, &fakeControls{err: tc.err})
			assert.Equal(t, tc.code, do(t, srv, http.MethodPost, "/api/scripts/9/retry", "7", "").StatusCode)
		})
	}
}

func TestState(t *testing.T) {
	fc := &fakeControls{state: map[string]portfolio.ScriptState{
		"Infosys": {ScriptID: 1, Symbol: "INFY", Status: string(lifecycle.Running), PurchasedQty: 50, PositionOpen: true},
	}}
	srv := newTestServer(t, fc)

	resp := do(t, srv, http.MethodGet, "/api/state", "7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state map[string]portfolio.ScriptState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	require.Contains(t, state, "Infosys")
	assert.Equal(t, int64(50), state["Infosys"].PurchasedQty)
	assert.Equal(t, call{op: "state", userID: 7}, fc.last())
}

func TestOperationalRoutes(t *testing.T) {
	srv := newTestServer(t, &fakeControls{})
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", "", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/slack/commands", "", "").StatusCode, "slack disabled")
}
