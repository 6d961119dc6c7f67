package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/fleet"
	"github.com/Priya8975/fleet-gateway/internal/outbox"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/Priya8975/fleet-gateway/internal/store"
	"github.com/Priya8975/fleet-gateway/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFleet struct {
	mu     sync.Mutex
	err    error
	calls  []string
	phone  string
	tenant string
}

func (f *fakeFleet) record(call, tenant string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	f.tenant = tenant
	return f.err
}

func (f *fakeFleet) InstanceID() string    { return "instance-a" }
func (f *fakeFleet) LiveDevices() []string { return []string{"d1"} }

func (f *fakeFleet) Start(ctx context.Context, deviceID, tenantID string) (*fleet.ConnectionInfo, error) {
	if err := f.record("start", tenantID); err != nil {
		return nil, err
	}
	return &fleet.ConnectionInfo{DeviceID: deviceID, TenantID: tenantID, Status: domain.DeviceConnecting, Live: true, Holder: "instance-a"}, nil
}

func (f *fakeFleet) Stop(ctx context.Context, deviceID, tenantID string) error {
	return f.record("stop", tenantID)
}

func (f *fakeFleet) Logout(ctx context.Context, deviceID, tenantID string) error {
	return f.record("logout", tenantID)
}

func (f *fakeFleet) RequestQR(ctx context.Context, deviceID, tenantID string) (string, error) {
	if err := f.record("qr", tenantID); err != nil {
		return "", err
	}
	return "qr-data", nil
}

func (f *fakeFleet) RequestPairingCode(ctx context.Context, deviceID, tenantID, phone string) (string, error) {
	if err := f.record("pairing", tenantID); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.phone = phone
	f.mu.Unlock()
	return "ABCD-1234", nil
}

func (f *fakeFleet) ConnectionInfo(ctx context.Context, deviceID, tenantID string) (*fleet.ConnectionInfo, error) {
	if err := f.record("info", tenantID); err != nil {
		return nil, err
	}
	return &fleet.ConnectionInfo{DeviceID: deviceID, TenantID: tenantID, Status: domain.DeviceDisconnected}, nil
}

func (f *fakeFleet) ChatsSnapshot(ctx context.Context, deviceID, tenantID string) ([]socket.Chat, error) {
	if err := f.record("chats", tenantID); err != nil {
		return nil, err
	}
	return []socket.Chat{{Address: "15550001111@s.whatsapp.net", Name: "Ana"}}, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sends int
}

func (s *fakeSender) Send(ctx context.Context, deviceID, address string, content socket.Content) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return "ext-1", nil
}

func (s *fakeSender) HeldElsewhere(ctx context.Context, deviceID string) bool { return false }

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

type testServer struct {
	handler http.Handler
	fleet   *fakeFleet
	store   *memory.Store
	outbox  *outbox.Queue
	sender  *fakeSender
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := memory.New()
	st.PutTenant("t1", true)
	st.PutTenant("t2", true)
	st.PutDevice(domain.Device{ID: "d1", TenantID: "t1"}, nil)
	st.PutDevice(domain.Device{ID: "d2", TenantID: "t2"}, nil)

	sender := &fakeSender{}
	q := outbox.New(st, st, sender, outbox.DefaultOptions(), testLogger())
	t.Cleanup(q.Wait)

	ff := &fakeFleet{}
	return &testServer{
		handler: NewRouter(Deps{Fleet: ff, Outbox: q, Store: st, Logger: testLogger()}),
		fleet:   ff,
		store:   st,
		outbox:  q,
		sender:  sender,
	}
}

func (s *testServer) do(t *testing.T, method, path, tenant, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouter_RequiresTenant(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/devices/d1/start", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, s.fleet.calls)
}

func TestDevices_StartPassesTenant(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/api/v1/devices/d1/start", "t1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	info := decode[fleet.ConnectionInfo](t, rec)
	assert.Equal(t, "d1", info.DeviceID)
	assert.Equal(t, domain.DeviceConnecting, info.Status)
	assert.Equal(t, "t1", s.fleet.tenant)
}

func TestDevices_ErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fleet.ErrDeviceNotFound, http.StatusNotFound},
		{fleet.ErrNotOwned, http.StatusForbidden},
		{fleet.ErrAlreadyStarting, http.StatusConflict},
		{fmt.Errorf("acquire: %w", fleet.ErrBusyElsewhere), http.StatusConflict},
		{fleet.ErrNotRunning, http.StatusConflict},
		{fleet.ErrNotConnected, http.StatusConflict},
		{fleet.ErrInvalidState, http.StatusConflict},
		{fleet.ErrPairingTimeout, http.StatusGatewayTimeout},
		{errors.New("postgres down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			s := newTestServer(t)
			s.fleet.err = tc.err
			rec := s.do(t, http.MethodGet, "/api/v1/devices/d1/qr", "t1", "")
			assert.Equal(t, tc.want, rec.Code)

			body := decode[errorResponse](t, rec)
			if tc.want == http.StatusInternalServerError {
				assert.Equal(t, "failed to get QR code", body.Error)
			} else {
				assert.Equal(t, tc.err.Error(), body.Error)
			}
		})
	}
}

func TestDevices_PairingCode(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/devices/d1/pairing-code", "t1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/devices/d1/pairing-code", "t1", `{"phone_number":"+15550001111"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ABCD-1234", decode[map[string]string](t, rec)["code"])
	assert.Equal(t, "15550001111", s.fleet.phone)
}

func TestDevices_Chats(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/devices/d1/chats", "t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	chats := decode[[]socket.Chat](t, rec)
	require.Len(t, chats, 1)
	assert.Equal(t, "Ana", chats[0].Name)
}

func TestDevices_InboxChecksOwnership(t *testing.T) {
	s := newTestServer(t)
	_, err := s.store.InsertInboxMessage(context.Background(), domain.InboxMessage{
		TenantID: "t1", DeviceID: "d1", ChatAddress: "1@s.whatsapp.net", ExternalMessageID: "m1",
	})
	require.NoError(t, err)

	rec := s.do(t, http.MethodGet, "/api/v1/devices/d1/inbox", "t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.InboxMessage](t, rec), 1)

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/devices/d1/inbox", "t2", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/devices/nope/inbox", "t1", "").Code)
}

func TestDevices_ListScopedToTenant(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/devices", "t2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	devices := decode[[]domain.Device](t, rec)
	require.Len(t, devices, 1)
	assert.Equal(t, "d2", devices[0].ID)
}

func TestMessages_EnqueueIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	body := `{"device_id":"d1","destination":"15550001111","kind":"text","payload":{"text":"hi"}}`

	first := s.do(t, http.MethodPost, "/api/v1/messages", "t1", body, IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	r1 := decode[domain.SendReceipt](t, first)
	assert.False(t, r1.Duplicate)

	second := s.do(t, http.MethodPost, "/api/v1/messages", "t1", body, IdempotencyHeader, "key-1")
	require.Equal(t, http.StatusOK, second.Code)
	r2 := decode[domain.SendReceipt](t, second)
	assert.True(t, r2.Duplicate)
	assert.Equal(t, r1.ID, r2.ID)

	s.outbox.Wait()
	assert.Equal(t, 1, s.sender.count())

	status := s.do(t, http.MethodGet, "/api/v1/messages/"+r1.ID, "t1", "")
	require.Equal(t, http.StatusOK, status.Code)
	assert.Equal(t, domain.OutboxSent, decode[domain.OutboxMessage](t, status).Status)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/messages/"+r1.ID, "t2", "").Code)
}

func TestMessages_EnqueueErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/messages", "t1", `{"device_id":"d1","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/messages", "t1", `{"device_id":"d2","destination":"1","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/messages", "t1", `{"device_id":"d9","destination":"1","payload":{"text":"hi"}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/messages", "t1", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func seedDeadLetters(t *testing.T, st *memory.Store) {
	t.Helper()
	ctx := context.Background()
	status := 503
	for _, tenant := range []string{"t1", "t2"} {
		require.NoError(t, st.InsertDeadLetter(ctx, store.DeadLetterRecord{
			NotificationID: "n-" + tenant,
			SubscriptionID: "s-" + tenant,
			TenantID:       tenant,
			EventKind:      domain.EventMessageReceived,
			Payload:        json.RawMessage(`{}`),
			TotalAttempts:  3,
			LastHTTPStatus: &status,
			Reason:         "retries exhausted: last status 503",
		}))
	}
}

func TestDeadLetters_ListGetResolve(t *testing.T) {
	s := newTestServer(t)
	seedDeadLetters(t, s.store)

	rec := s.do(t, http.MethodGet, "/api/v1/dead-letters", "t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	letters := decode[[]domain.DeadLetter](t, rec)
	require.Len(t, letters, 1)
	id := letters[0].ID
	assert.Equal(t, "n-t1", letters[0].NotificationID)

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/dead-letters/"+id, "t1", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/dead-letters/"+id, "t2", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/dead-letters/"+id+"/resolve", "t2", "").Code)

	rec = s.do(t, http.MethodPost, "/api/v1/dead-letters/"+id+"/resolve", "t1", `{"resolved_by":"ops"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/dead-letters/"+id+"/resolve", "t1", "").Code)

	rec = s.do(t, http.MethodGet, "/api/v1/dead-letters?resolved=true", "t1", "")
	resolved := decode[[]domain.DeadLetter](t, rec)
	require.Len(t, resolved, 1)
	require.NotNil(t, resolved[0].ResolvedBy)
	assert.Equal(t, "ops", *resolved[0].ResolvedBy)
}

func TestDeliveries_ScopedBySubscriptionTenant(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	mine := s.store.PutSubscription(domain.WebhookSubscription{TenantID: "t1", URL: "http://a", Enabled: true})
	theirs := s.store.PutSubscription(domain.WebhookSubscription{TenantID: "t2", URL: "http://b", Enabled: true})
	for _, sub := range []string{mine.ID, theirs.ID} {
		require.NoError(t, s.store.RecordDeliveryAttempt(ctx, store.DeliveryAttemptRecord{
			NotificationID: "n1", SubscriptionID: sub, AttemptNumber: 1, Status: domain.AttemptSuccess,
		}))
	}

	rec := s.do(t, http.MethodGet, "/api/v1/deliveries?notification_id=n1", "t1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	attempts := decode[[]domain.DeliveryAttempt](t, rec)
	require.Len(t, attempts, 1)
	assert.Equal(t, mine.ID, attempts[0].SubscriptionID)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "instance-a", health.InstanceID)

	rec = s.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), m["live_devices"])
	assert.Equal(t, "instance-a", m["instance_id"])
	assert.Contains(t, m, "devices_by_status")
}
