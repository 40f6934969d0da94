package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fieldtrace/internal/errs"
	"github.com/and161185/fieldtrace/internal/limiter"
	"github.com/and161185/fieldtrace/internal/model"
	"github.com/and161185/fieldtrace/internal/recordclient"
	"github.com/and161185/fieldtrace/internal/repository/memory"
	"github.com/and161185/fieldtrace/internal/service"
)

const adminKey = "operator-key"

type harness struct {
	store *memory.Store
	auth  *service.AuthServiceImpl
	url   string
}

func newHarness(t *testing.T, tune func(*Options, *memory.Store)) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	log := zaptest.NewLogger(t)
	store := memory.New()
	auth := service.NewAuthService(store, []byte("test-sign-key"), time.Hour, limiter.NewMemory(limiter.Policy{
		Window: time.Minute, MaxFails: 3, BlockFor: time.Minute,
	}))
	opts := Options{
		Auth:       auth,
		Whitelist:  service.NewWhitelistService(store),
		Sessions:   service.NewSessionService(store, service.TimingPolicy{Min: time.Second, Max: time.Hour}, log),
		Actions:    service.NewActionService(store, log),
		Logger:     log,
		AdminKey:   adminKey,
		LoginRPS:   100,
		LoginBurst: 100,
	}
	if tune != nil {
		tune(&opts, store)
	}
	hs := httptest.NewServer(NewRouter(ctx, opts))
	t.Cleanup(hs.Close)

	_, err := auth.Register(ctx, "handheld-07", "plant-a", "pw")
	require.NoError(t, err)
	return &harness{store: store, auth: auth, url: hs.URL}
}

type staticToken string

func (s staticToken) AccessToken(context.Context) (string, error) { return string(s), nil }

// device logs in and returns a client carrying the issued token.
func (h *harness) device(t *testing.T) (*recordclient.Client, *recordclient.LoginResponse) {
	t.Helper()
	c, err := recordclient.New(h.url, recordclient.Options{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	resp, err := c.Login(context.Background(), "handheld-07", "pw")
	require.NoError(t, err)
	c.SetTokens(staticToken(resp.AccessToken))
	return c, resp
}

func (h *harness) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.url+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-Admin-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestLogin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c, err := recordclient.New(h.url, recordclient.Options{})
	require.NoError(t, err)

	_, err = c.Login(ctx, "handheld-07", "wrong")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = c.Login(ctx, "ghost", "pw")
	require.ErrorIs(t, err, errs.ErrUnauthorized)

	resp, err := c.Login(ctx, "handheld-07", "pw")
	require.NoError(t, err)
	require.Equal(t, "plant-a", resp.Scope)
	require.Len(t, resp.MasterSecret, 32)
	require.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)

	claims, err := h.auth.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, "handheld-07", claims.Device)
}

func TestLogin_LockoutAfterFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c, err := recordclient.New(h.url, recordclient.Options{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.Login(ctx, "handheld-07", "wrong")
		require.ErrorIs(t, err, errs.ErrUnauthorized)
	}
	_, err = c.Login(ctx, "handheld-07", "wrong")
	require.ErrorIs(t, err, errs.ErrRateLimited)
	_, err = c.Login(ctx, "handheld-07", "pw")
	require.ErrorIs(t, err, errs.ErrRateLimited, "blocked even with the right password")
}

func TestLogin_PerAddressRateLimit(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *memory.Store) { o.LoginRPS, o.LoginBurst = 0.001, 2 })
	for i := 0; i < 2; i++ {
		resp := h.do(t, http.MethodPost, "/auth/login", "", recordclient.LoginRequest{Device: "x", Password: "y"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := h.do(t, http.MethodPost, "/auth/login", "", recordclient.LoginRequest{Device: "x", Password: "y"})
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLogin_MalformedBody(t *testing.T) {
	h := newHarness(t, nil)
	resp, err := http.Post(h.url+"/auth/login", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var eb recordclient.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&eb))
	require.Equal(t, "invalid", eb.Code)
}

func TestWhitelist_ScopeBound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c, _ := h.device(t)
	tok := uuid.Must(uuid.NewV4())

	resp := h.do(t, http.MethodPut, "/admin/whitelist/plant-a/"+tok.String(), adminKey, EntryRequest{
		Location: &model.Location{ID: "bay-3", Name: "Bay 3"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	snap, err := c.FetchWhitelist(ctx, "plant-a")
	require.NoError(t, err)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, tok, snap.Entries[0].Token)
	require.Equal(t, model.StatusActive, snap.Entries[0].Status)
	require.Equal(t, "Bay 3", snap.Entries[0].Location.Name)

	_, err = c.FetchWhitelist(ctx, "plant-b")
	require.ErrorIs(t, err, errs.ErrUnauthorized, "403 for a foreign scope")

	resp = h.do(t, http.MethodPut, "/admin/whitelist/plant-a/"+tok.String()+"/status", adminKey, map[string]string{"status": "inactive"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	snap, err = c.FetchWhitelist(ctx, "plant-a")
	require.NoError(t, err)
	require.Equal(t, model.StatusInactive, snap.Entries[0].Status)
}

func TestDeviceRoutes_RequireToken(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(t, http.MethodGet, "/whitelist/plant-a", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c, err := recordclient.New(h.url, recordclient.Options{Tokens: staticToken("not-a-jwt")})
	require.NoError(t, err)
	_, err = c.FetchWhitelist(context.Background(), "plant-a")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestSessions_TimingAndIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c, _ := h.device(t)

	start := time.Now().UTC().Add(-5 * time.Minute)
	st := model.SessionStart{SessionID: uuid.Must(uuid.NewV4()), Subject: uuid.Must(uuid.NewV4()), WorkRef: "weld-9", StartedAt: start}
	require.NoError(t, c.StartSession(ctx, st))
	require.NoError(t, c.StartSession(ctx, st), "redelivered start")

	end := model.SessionEnd{SessionID: st.SessionID, Subject: st.Subject, StartedAt: start, EndedAt: start.Add(100 * time.Millisecond)}
	require.ErrorIs(t, c.EndSession(ctx, end), errs.ErrTimingPolicy)

	end.EndedAt = start.Add(3 * time.Minute)
	end.ResultPayload = json.RawMessage(`{"passes":3}`)
	require.NoError(t, c.EndSession(ctx, end))
	require.ErrorIs(t, c.EndSession(ctx, end), errs.ErrConflict)

	got := h.store.Sessions("plant-a")
	require.Len(t, got, 1)
	require.NotNil(t, got[0].EndedAt)
	require.JSONEq(t, `{"passes":3}`, string(got[0].Result))
}

func TestSessions_PathBodyMismatch(t *testing.T) {
	h := newHarness(t, nil)
	_, login := h.device(t)

	body, _ := json.Marshal(model.SessionStart{SessionID: uuid.Must(uuid.NewV4()), Subject: uuid.Must(uuid.NewV4()), StartedAt: time.Now()})
	req, _ := http.NewRequest(http.MethodPost, h.url+"/scan-sessions/"+uuid.Must(uuid.NewV4()).String()+"/start", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActions_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	c, login := h.device(t)
	key := uuid.Must(uuid.NewV4())

	require.NoError(t, c.SubmitAction(ctx, key, "inspection", []byte(`{"weld":"W-1"}`)))
	require.NoError(t, c.SubmitAction(ctx, key, "inspection", []byte(`{"weld":"W-1"}`)))
	require.Equal(t, 1, h.store.Receipts())

	req, _ := http.NewRequest(http.MethodPost, h.url+"/actions", strings.NewReader(`{"kind":"x","payload":{}}`))
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing idempotency key")
}

func TestAdmin(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp := h.do(t, http.MethodPost, "/admin/devices", "wrong", RegisterRequest{Name: "handheld-08", Scope: "plant-a", Password: "pw8"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/admin/devices", adminKey, RegisterRequest{Name: "handheld-08", Scope: "plant-a", Password: "pw8"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = h.do(t, http.MethodPost, "/admin/devices", adminKey, RegisterRequest{Name: "handheld-08", Scope: "plant-a", Password: "pw8"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	_, before := h.device(t)
	resp = h.do(t, http.MethodPost, "/admin/scopes/plant-a/rotate-secret", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 2, out["devices"])

	_, after := h.device(t)
	require.NotEqual(t, before.MasterSecret, after.MasterSecret)

	d8, err := h.store.GetByName(ctx, "handheld-08")
	require.NoError(t, err)
	require.Equal(t, after.MasterSecret, d8.MasterSecret, "one secret per scope")

	resp = h.do(t, http.MethodPut, "/admin/whitelist/plant-a/not-a-uuid", adminKey, EntryRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *memory.Store) { o.AdminKey = "" })
	resp := h.do(t, http.MethodPost, "/admin/devices", "", RegisterRequest{Name: "x", Scope: "y", Password: "z"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
