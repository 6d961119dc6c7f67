package fleet

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/fleet-gateway/internal/domain"
	"github.com/Priya8975/fleet-gateway/internal/lock"
	"github.com/Priya8975/fleet-gateway/internal/socket"
	"github.com/Priya8975/fleet-gateway/internal/socket/sockettest"
	"github.com/Priya8975/fleet-gateway/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (n *recordingNotifier) QueueDelivery(ctx context.Context, notif domain.Notification) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notif)
	return 1, nil
}

func (n *recordingNotifier) kinds() []domain.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []domain.EventKind
	for _, s := range n.sent {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

type recordingListener struct {
	mu      sync.Mutex
	changes []domain.DeviceStatusChange
}

func (l *recordingListener) DeviceStatusChanged(change domain.DeviceStatusChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

func (l *recordingListener) statuses() []domain.DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.DeviceStatus
	for _, c := range l.changes {
		out = append(out, c.Status)
	}
	return out
}

// takeoverLocker stops touching the store once lost is set, so a test can
// hand the row to another instance without racing the refresh loop.
type takeoverLocker struct {
	*lock.Lock
	lost atomic.Bool
}

func (l *takeoverLocker) Refresh(ctx context.Context, deviceID string) bool {
	if l.lost.Load() {
		return false
	}
	return l.Lock.Refresh(ctx, deviceID)
}

type harness struct {
	coord    *Coordinator
	store    *memory.Store
	factory  *sockettest.Factory
	locks    *lock.Lock
	notifier *recordingNotifier
	listener *recordingListener
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.LockAcquireTimeout = 20 * time.Millisecond
	opts.ReconnectBaseDelay = time.Millisecond
	opts.ReconnectMaxDelay = 5 * time.Millisecond
	opts.PairingTimeout = 100 * time.Millisecond
	opts.CloseTimeout = 100 * time.Millisecond
	return opts
}

func newHarness(t *testing.T, st *memory.Store, instanceID string) *harness {
	t.Helper()
	h := &harness{
		store:    st,
		factory:  sockettest.NewFactory(),
		locks:    lock.New(st, instanceID, testLogger(), lock.WithPollInterval(time.Millisecond)),
		notifier: &recordingNotifier{},
		listener: &recordingListener{},
	}
	h.coord = NewCoordinator(Deps{
		Devices:  st,
		Events:   st,
		Locks:    h.locks,
		Factory:  h.factory,
		Notifier: h.notifier,
		Listener: h.listener,
	}, testOptions(), testLogger())
	t.Cleanup(func() { h.coord.Shutdown(context.Background()) })
	return h
}

func seedDevice(st *memory.Store, id string, maxAttempts int) {
	st.PutTenant("tenant-1", true)
	st.PutDevice(domain.Device{
		ID:                   id,
		TenantID:             "tenant-1",
		MaxReconnectAttempts: maxAttempts,
	}, []byte(`{"keys":"old"}`))
}

func (h *harness) startAndOpen(t *testing.T, deviceID string) *sockettest.Socket {
	t.Helper()
	_, err := h.coord.Start(context.Background(), deviceID, "tenant-1")
	require.NoError(t, err)
	sock, ok := h.factory.Next(waitFor)
	require.True(t, ok, "no socket created")
	sock.Emit(socket.Opened{UserID: "user-1", Phone: "15550001111"})
	h.waitStatus(t, deviceID, domain.DeviceConnected)
	return sock
}

func (h *harness) waitStatus(t *testing.T, deviceID string, want domain.DeviceStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := h.store.GetDevice(context.Background(), deviceID)
		return err == nil && d != nil && d.Status == want
	}, waitFor, tick, "device never reached %s", want)
}

func (h *harness) waitReleased(t *testing.T, deviceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, held, err := h.locks.Owner(context.Background(), deviceID)
		return err == nil && !held
	}, waitFor, tick, "lock never released")
}

func TestStart_ConnectsAndPersistsIdentity(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")

	h.startAndOpen(t, "d1")

	d, err := st.GetDevice(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, d.RemoteUserID)
	assert.Equal(t, "user-1", *d.RemoteUserID)
	assert.Equal(t, 0, d.ReconnectAttempts)
	assert.NotNil(t, d.LastConnectedAt)

	holder, held, err := h.locks.Owner(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "instance-a", holder)

	assert.True(t, h.coord.IsActive("d1"))
	assert.Contains(t, h.listener.statuses(), domain.DeviceConnected)
	assert.Contains(t, h.notifier.kinds(), domain.EventConnectionUpdate)

	first, ok := h.factory.Next(0)
	assert.False(t, ok, "unexpected extra socket %v", first)
}

func TestStart_ReturnsCurrentStateWhenAlreadyLive(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	h.startAndOpen(t, "d1")

	info, err := h.coord.Start(context.Background(), "d1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceConnected, info.Status)
	assert.Equal(t, 1, h.factory.Connects())
}

func TestStart_Errors(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	ctx := context.Background()

	_, err := h.coord.Start(ctx, "missing", "tenant-1")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = h.coord.Start(ctx, "d1", "tenant-2")
	assert.ErrorIs(t, err, ErrNotOwned)

	other := lock.New(st, "instance-b", testLogger())
	ok, err := other.Acquire(ctx, "d1", 0)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.coord.Start(ctx, "d1", "tenant-1")
	assert.ErrorIs(t, err, ErrBusyElsewhere)
	assert.False(t, h.coord.IsActive("d1"))
	assert.True(t, h.coord.HeldElsewhere(ctx, "d1"))
}

func TestStart_ConnectFailureReleasesLock(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	h.factory.FailConnect(assert.AnError)

	_, err := h.coord.Start(context.Background(), "d1", "tenant-1")
	require.ErrorIs(t, err, assert.AnError)

	_, held, err := h.locks.Owner(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, held)

	d, _ := st.GetDevice(context.Background(), "d1")
	require.NotNil(t, d.LastError)
	assert.Contains(t, *d.LastError, assert.AnError.Error())
}

func TestStart_NoAdapterLeavesDeviceDisconnected(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	h.coord.factory = socket.NoAdapter{}

	_, err := h.coord.Start(context.Background(), "d1", "tenant-1")
	require.ErrorIs(t, err, socket.ErrNoAdapter)
	assert.False(t, h.coord.IsActive("d1"))

	d, _ := st.GetDevice(context.Background(), "d1")
	require.NotNil(t, d.LastError)
	assert.Equal(t, socket.ErrNoAdapter.Error(), *d.LastError)
}

func TestStart_SocketOutlivesCallerContext(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")

	ctx, cancel := context.WithCancel(context.Background())
	_, err := h.coord.Start(ctx, "d1", "tenant-1")
	require.NoError(t, err)
	cancel()

	sock, ok := h.factory.Next(waitFor)
	require.True(t, ok)
	assert.NoError(t, sock.Ctx.Err(), "request cancellation must not end the connection")
	assert.Equal(t, testOptions().DialTimeout, sock.Opts.DialTimeout)

	require.NoError(t, h.coord.Stop(context.Background(), "d1", "tenant-1"))
	assert.Error(t, sock.Ctx.Err(), "stopping the device ends the connection")
}

func TestLockTakenOver_ClosesLocalSession(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	locks := &takeoverLocker{Lock: h.locks}
	h.coord.locks = locks
	h.coord.opts.LockRefreshInterval = 10 * time.Millisecond
	ctx := context.Background()

	sock := h.startAndOpen(t, "d1")

	// Another instance took the row over after ours expired.
	locks.lost.Store(true)
	require.NoError(t, st.DeleteLock(ctx, "d1", "instance-a"))
	now := time.Now()
	inserted, err := st.InsertLock(ctx, domain.ResourceLock{
		DeviceID:   "d1",
		HolderID:   "instance-b",
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	require.Eventually(t, func() bool {
		return !h.coord.IsActive("d1") && sock.IsClosed()
	}, waitFor, tick, "session kept running without the lock")

	holder, held, err := h.locks.Owner(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "instance-b", holder)

	// The device row belongs to the new holder now.
	d, _ := st.GetDevice(ctx, "d1")
	assert.Equal(t, domain.DeviceConnected, d.Status)
}

func TestCredentialsUpdated_PersistedImmediately(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	assert.Equal(t, []byte(`{"keys":"old"}`), sock.Opts.Credentials)

	sock.Emit(socket.CredentialsUpdated{Credentials: []byte(`{"keys":"new"}`)})
	require.Eventually(t, func() bool {
		creds, _ := st.LoadCredentials(context.Background(), "d1")
		return string(creds) == `{"keys":"new"}`
	}, waitFor, tick)
}

func TestLoggedOut_ClearsCredentialsAndReleases(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	sock.Drop(socket.DisconnectLoggedOut, "device removed")
	h.waitStatus(t, "d1", domain.DeviceDisconnected)

	require.Eventually(t, func() bool { return !h.coord.IsActive("d1") }, waitFor, tick)

	creds, err := st.LoadCredentials(context.Background(), "d1")
	require.NoError(t, err)
	assert.Nil(t, creds)
	h.waitReleased(t, "d1")

	candidates, err := st.ListReconnectCandidates(context.Background())
	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Equal(t, 1, h.factory.Connects())
}

func TestSessionInvalid_NeedsPairing(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	sock.Drop(socket.DisconnectSessionInvalid, "bad mac")
	h.waitStatus(t, "d1", domain.DeviceNeedsPairing)
	require.Eventually(t, func() bool { return !h.coord.IsActive("d1") }, waitFor, tick)
	h.waitReleased(t, "d1")
}

func TestTransientClose_ReconnectsAndResetsAttempts(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	sock.Drop(socket.DisconnectTransient, "stream errored")

	next, ok := h.factory.Next(waitFor)
	require.True(t, ok, "no reconnect happened")
	next.Emit(socket.Opened{UserID: "user-1"})

	require.Eventually(t, func() bool {
		d, _ := st.GetDevice(context.Background(), "d1")
		return d.Status == domain.DeviceConnected && d.ReconnectAttempts == 0
	}, waitFor, tick)
	assert.Equal(t, 2, h.factory.Connects())
	assert.True(t, h.coord.IsActive("d1"))
}

func TestTransientClose_FailsAfterCeiling(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 2)
	h := newHarness(t, st, "instance-a")

	_, err := h.coord.Start(context.Background(), "d1", "tenant-1")
	require.NoError(t, err)

	// Three consecutive failures with a ceiling of two.
	for i := 0; i < 3; i++ {
		sock, ok := h.factory.Next(waitFor)
		require.True(t, ok, "socket %d never created", i+1)
		sock.Drop(socket.DisconnectTransient, "connection lost")
	}

	h.waitStatus(t, "d1", domain.DeviceFailed)
	require.Eventually(t, func() bool { return !h.coord.IsActive("d1") }, waitFor, tick)

	d, _ := st.GetDevice(context.Background(), "d1")
	assert.Equal(t, 3, d.ReconnectAttempts)
	require.NotNil(t, d.LastError)
	assert.Contains(t, *d.LastError, "exhausted")

	_, ok := h.factory.Next(50 * time.Millisecond)
	assert.False(t, ok, "restarted after reaching the ceiling")
	assert.Equal(t, 3, h.factory.Connects())
	h.waitReleased(t, "d1")
}

func TestReconnectFailuresCountTowardCeiling(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 1)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	h.factory.FailConnect(assert.AnError)
	sock.Drop(socket.DisconnectTransient, "connection lost")

	h.waitStatus(t, "d1", domain.DeviceFailed)
	assert.Equal(t, 1, h.factory.Connects())
}

func TestStop_ReleasesLockAndHaltsReconnects(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	require.NoError(t, h.coord.Stop(context.Background(), "d1", "tenant-1"))

	assert.True(t, sock.IsClosed())
	assert.False(t, h.coord.IsActive("d1"))
	h.waitStatus(t, "d1", domain.DeviceDisconnected)

	_, held, err := h.locks.Owner(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, held)

	_, ok := h.factory.Next(50 * time.Millisecond)
	assert.False(t, ok, "stopped device reconnected")
}

func TestLogout_ErasesCredentials(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	require.NoError(t, h.coord.Logout(context.Background(), "d1", "tenant-1"))

	assert.True(t, sock.LoggedOut())
	creds, _ := st.LoadCredentials(context.Background(), "d1")
	assert.Nil(t, creds)
	assert.False(t, h.coord.IsActive("d1"))
}

func TestRequestQR(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	ctx := context.Background()

	_, err := h.coord.RequestQR(ctx, "d1", "tenant-1")
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = h.coord.Start(ctx, "d1", "tenant-1")
	require.NoError(t, err)
	sock, ok := h.factory.Next(waitFor)
	require.True(t, ok)

	_, err = h.coord.RequestQR(ctx, "d1", "tenant-1")
	assert.ErrorIs(t, err, ErrPairingTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sock.Emit(socket.QRCode{Data: "2@abc"})
	}()
	qr, err := h.coord.RequestQR(ctx, "d1", "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "2@abc", qr)
	h.waitStatus(t, "d1", domain.DevicePairing)

	sock.Emit(socket.Opened{UserID: "user-1"})
	h.waitStatus(t, "d1", domain.DeviceConnected)

	_, err = h.coord.RequestQR(ctx, "d1", "tenant-1")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRequestPairingCode(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	ctx := context.Background()

	_, err := h.coord.Start(ctx, "d1", "tenant-1")
	require.NoError(t, err)
	sock, ok := h.factory.Next(waitFor)
	require.True(t, ok)

	_, err = h.coord.RequestPairingCode(ctx, "d1", "tenant-1", "15550001111")
	assert.ErrorIs(t, err, ErrPairingTimeout)

	sock.SetPairingCode("ABCD-1234")
	code, err := h.coord.RequestPairingCode(ctx, "d1", "tenant-1", "15550001111")
	require.NoError(t, err)
	assert.Equal(t, "ABCD-1234", code)
	h.waitStatus(t, "d1", domain.DevicePairing)
}

func TestSend_RequiresConnectedSocket(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	ctx := context.Background()
	content := socket.Content{Kind: "text", Payload: json.RawMessage(`{"text":"hi"}`)}

	_, err := h.coord.Send(ctx, "d1", "1555@s.whatsapp.net", content)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = h.coord.Start(ctx, "d1", "tenant-1")
	require.NoError(t, err)
	sock, ok := h.factory.Next(waitFor)
	require.True(t, ok)

	_, err = h.coord.Send(ctx, "d1", "1555@s.whatsapp.net", content)
	assert.ErrorIs(t, err, ErrNotConnected)

	sock.Emit(socket.Opened{UserID: "user-1"})
	h.waitStatus(t, "d1", domain.DeviceConnected)

	id, err := h.coord.Send(ctx, "d1", "1555@s.whatsapp.net", content)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, sock.Sends(), 1)
	assert.Equal(t, "1555@s.whatsapp.net", sock.Sends()[0].Address)
}

func TestMessagesReceived_ProjectsLiveMessagesOnly(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")

	text := map[string]json.RawMessage{"conversation": json.RawMessage(`"hello"`)}
	sock.Emit(socket.MessagesReceived{Live: true, Messages: []socket.InboundMessage{
		{ID: "m1", ChatAddress: "15551112222@s.whatsapp.net", Content: text},
		{ID: "m2", ChatAddress: "15551112222@s.whatsapp.net", FromMe: true, Content: text},
	}})
	sock.Emit(socket.MessagesReceived{Live: false, Messages: []socket.InboundMessage{
		{ID: "old-1", ChatAddress: "15551112222@s.whatsapp.net", Content: text},
	}})

	require.Eventually(t, func() bool {
		var history int
		for _, ev := range st.Events() {
			if ev.Kind == domain.EventMessageHistory {
				history++
			}
		}
		return history == 1
	}, waitFor, tick)

	assert.Equal(t, 1, st.InboxCount())

	var received int
	for _, ev := range st.Events() {
		if ev.Kind == domain.EventMessageReceived {
			received++
		}
	}
	assert.Equal(t, 2, received)
	assert.Contains(t, h.notifier.kinds(), domain.EventMessageReceived)

	rows, err := st.ListInboxMessages(context.Background(), "d1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "m1", rows[0].ExternalMessageID)
	assert.Equal(t, domain.KindText, rows[0].ContentKind)
}

func TestChatsSnapshot(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")
	sock := h.startAndOpen(t, "d1")
	now := time.Now()

	sock.Emit(socket.ChatSnapshot{Chats: []socket.Chat{
		{Address: "a@s.whatsapp.net", LastActivity: now.Add(-time.Hour)},
		{Address: "b@s.whatsapp.net", LastActivity: now.Add(-2 * time.Hour)},
	}})
	sock.Emit(socket.ChatsUpserted{Chats: []socket.Chat{
		{Address: "b@s.whatsapp.net", LastActivity: now},
	}})

	require.Eventually(t, func() bool {
		chats, err := h.coord.ChatsSnapshot(context.Background(), "d1", "tenant-1")
		return err == nil && len(chats) == 2 && chats[0].Address == "b@s.whatsapp.net"
	}, waitFor, tick)
	assert.Contains(t, h.notifier.kinds(), domain.EventChatsUpserted)
}

func TestConnectionInfo_PersistedWhenNotLive(t *testing.T) {
	st := memory.New()
	seedDevice(st, "d1", 5)
	h := newHarness(t, st, "instance-a")

	info, err := h.coord.ConnectionInfo(context.Background(), "d1", "tenant-1")
	require.NoError(t, err)
	assert.False(t, info.Live)
	assert.Equal(t, domain.DeviceDisconnected, info.Status)

	h.startAndOpen(t, "d1")
	info, err = h.coord.ConnectionInfo(context.Background(), "d1", "tenant-1")
	require.NoError(t, err)
	assert.True(t, info.Live)
	assert.Equal(t, "instance-a", info.Holder)
	assert.Equal(t, "user-1", info.RemoteUserID)
}
