package pairing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/pairctl/internal/credential"
	"github.com/danmuck/pairctl/internal/identity"
	"github.com/danmuck/pairctl/internal/session"
	"github.com/danmuck/pairctl/internal/testutil/faketransport"
	"github.com/danmuck/pairctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = identity.Identity("15550001111")

type harness struct {
	dialer *faketransport.Dialer
	store  *credential.MemoryStore
	mgr    *session.Manager
	locks  *identity.Locker
	coord  *Coordinator
}

func newHarness(t *testing.T, d *faketransport.Dialer) *harness {
	t.Helper()
	store := credential.NewMemoryStore()
	mgr := session.NewManager(session.Config{
		MaxRetries: 2,
		Backoff:    session.BackoffConfig{InitialDelay: 20 * time.Millisecond, Multiplier: 1},
	}, d, store, testlog.Logger(t))
	t.Cleanup(mgr.Close)
	locks := identity.NewLocker()
	coord := NewCoordinator(Config{
		ReadyTimeout: 100 * time.Millisecond,
		DefaultWait:  200 * time.Millisecond,
		ProbeWindow:  100 * time.Millisecond,
	}, mgr, locks, testlog.Logger(t))
	return &harness{dialer: d, store: store, mgr: mgr, locks: locks, coord: coord}
}

type collector struct {
	mu  sync.Mutex
	got []Result
}

func (c *collector) emit(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, r)
}

func (c *collector) results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.got...)
}

func strp(s string) *string {
	return &s
}

func TestPairWaitingThenConnected(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{
		PairCode: "AB12CD",
		Script: func(tr *faketransport.Transport) {
			time.Sleep(50 * time.Millisecond)
			tr.Open(true)
		},
	}
	h := newHarness(t, d)
	c := &collector{}

	start := time.Now()
	require.NoError(t, h.coord.PairRaw(context.Background(), "+1 555 000 1111", 200*time.Millisecond, c.emit))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.Equal(t, []Result{
		{Phase: PhasePairing, Identity: testID, PairingCode: strp("AB12CD"), Status: StatusWaiting},
		{Phase: PhaseFinal, Identity: testID, PairingCode: strp("AB12CD"), Status: StatusConnected},
	}, c.results())
	assert.Equal(t, 1, d.Last().Requests())
	assert.False(t, h.locks.Held(testID))
}

func TestPairPendingKeepsSession(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairCode: "AB12CD"}
	h := newHarness(t, d)
	c := &collector{}

	start := time.Now()
	require.NoError(t, h.coord.Pair(context.Background(), testID, 200*time.Millisecond, c.emit))
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)

	got := c.results()
	require.Len(t, got, 2)
	assert.Equal(t, StatusWaiting, got[0].Status)
	assert.Equal(t, StatusPending, got[1].Status)

	info, ok := h.mgr.Status(testID)
	require.True(t, ok)
	assert.False(t, info.Status.Terminal())
}

func TestPairAlreadyRegistered(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairCode: "AB12CD"}
	h := newHarness(t, d)
	require.NoError(t, h.store.Save(testID, []byte("creds")))
	c := &collector{}

	require.NoError(t, h.coord.Pair(context.Background(), testID, 50*time.Millisecond, c.emit))
	got := c.results()
	require.Len(t, got, 2)
	assert.Equal(t, StatusAlreadyRegistered, got[0].Status)
	assert.Nil(t, got[0].PairingCode)
	assert.Equal(t, StatusPending, got[1].Status)
	assert.Equal(t, 0, d.Last().Requests())
}

func TestPairAlreadyOpenShortCircuits(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{Script: func(tr *faketransport.Transport) { tr.Open(true) }}
	h := newHarness(t, d)
	s, err := h.mgr.Ensure(context.Background(), testID)
	require.NoError(t, err)
	_, err = s.WaitStatus(context.Background(), func(st session.Status) bool { return st == session.StatusOpen })
	require.NoError(t, err)

	c := &collector{}
	start := time.Now()
	require.NoError(t, h.coord.Pair(context.Background(), testID, 5*time.Second, c.emit))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []Result{
		{Phase: PhasePairing, Identity: testID, Status: StatusAlreadyOpen},
		{Phase: PhaseFinal, Identity: testID, Status: StatusAlreadyOpen},
	}, c.results())
}

func TestPairRequestFallback(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairErr: errors.New("rate limited"), Fallback: "FALL01"}
	h := newHarness(t, d)
	c := &collector{}

	require.NoError(t, h.coord.Pair(context.Background(), testID, 20*time.Millisecond, c.emit))
	got := c.results()
	require.Len(t, got, 2)
	assert.Equal(t, strp("FALL01"), got[0].PairingCode)
	assert.Equal(t, StatusWaiting, got[0].Status)
}

func TestPairRequestError(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("rate limited")
	d := &faketransport.Dialer{PairErr: cause}
	h := newHarness(t, d)
	c := &collector{}

	err := h.coord.Pair(context.Background(), testID, 20*time.Millisecond, c.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPairingRequest)
	assert.ErrorIs(t, err, cause)
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, testID, reqErr.Identity)
	assert.Empty(t, c.results())
	assert.Equal(t, 1, d.Last().Requests())
}

func TestPairTransportNotReady(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{DialErr: errors.New("bridge missing")}
	h := newHarness(t, d)
	c := &collector{}

	err := h.coord.Pair(context.Background(), testID, 20*time.Millisecond, c.emit)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportNotReady)
	assert.Empty(t, c.results())
	_, ok := h.mgr.Get(testID)
	assert.True(t, ok)
}

func TestPairFinalSurvivesRestartRebuild(t *testing.T) {
	testlog.Start(t)
	var dials atomic.Int32
	d := &faketransport.Dialer{PairCode: "AB12CD"}
	d.Script = func(tr *faketransport.Transport) {
		if dials.Add(1) == 1 {
			for tr.Requests() == 0 {
				time.Sleep(2 * time.Millisecond)
			}
			time.Sleep(20 * time.Millisecond)
			tr.Drop(session.CodeRestartRequired)
			return
		}
		time.Sleep(20 * time.Millisecond)
		tr.Open(true)
	}
	h := newHarness(t, d)
	c := &collector{}

	require.NoError(t, h.coord.Pair(context.Background(), testID, time.Second, c.emit))
	assert.Equal(t, []Result{
		{Phase: PhasePairing, Identity: testID, PairingCode: strp("AB12CD"), Status: StatusWaiting},
		{Phase: PhaseFinal, Identity: testID, PairingCode: strp("AB12CD"), Status: StatusConnected},
	}, c.results())
	assert.Equal(t, 2, d.Dials())
	assert.True(t, d.At(0).Closed())
}

func TestPairHangingDialReportsNotReady(t *testing.T) {
	testlog.Start(t)
	hang := session.DialerFunc(func(ctx context.Context, req session.DialRequest) (session.Transport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	mgr := session.NewManager(session.Config{MaxRetries: 2, DialTimeout: 1500 * time.Millisecond}, hang, credential.NewMemoryStore(), testlog.Logger(t))
	t.Cleanup(mgr.Close)
	locks := identity.NewLocker()
	coord := NewCoordinator(Config{ReadyTimeout: 100 * time.Millisecond}, mgr, locks, testlog.Logger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c := &collector{}
	start := time.Now()
	err := coord.Pair(ctx, testID, time.Second, c.emit)
	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, err, ErrTransportNotReady)
	assert.Empty(t, c.results())
	assert.False(t, locks.Held(testID))

	info, ok := mgr.Status(testID)
	require.True(t, ok)
	assert.False(t, info.Status.Terminal())
}

func TestPairValidationTouchesNothing(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{}
	h := newHarness(t, d)

	err := h.coord.PairRaw(context.Background(), "not-a-number", time.Second, nil)
	assert.ErrorIs(t, err, identity.ErrInvalid)
	assert.Empty(t, h.mgr.List())
	assert.Equal(t, 0, d.Dials())
}

func TestPairSerializedPerIdentity(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairCode: "AB12CD"}
	h := newHarness(t, d)
	c := &collector{}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.coord.Pair(context.Background(), testID, 50*time.Millisecond, c.emit))
		}()
	}
	wg.Wait()

	got := c.results()
	require.Len(t, got, 4)
	assert.Equal(t, PhasePairing, got[0].Phase)
	assert.Equal(t, PhaseFinal, got[1].Phase)
	assert.Equal(t, PhasePairing, got[2].Phase)
	assert.Equal(t, PhaseFinal, got[3].Phase)
	assert.Len(t, h.mgr.List(), 1)
}

func TestPairReplacesLoggedOutSession(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairCode: "NEW001"}
	h := newHarness(t, d)
	require.NoError(t, h.store.Save(testID, []byte("stale")))

	s, err := h.mgr.Ensure(context.Background(), testID)
	require.NoError(t, err)
	d.Last().Drop(session.CodeLoggedOut)
	require.True(t, s.Status().Terminal())

	c := &collector{}
	require.NoError(t, h.coord.Pair(context.Background(), testID, 20*time.Millisecond, c.emit))
	got := c.results()
	require.Len(t, got, 2)
	assert.Equal(t, StatusWaiting, got[0].Status)
	assert.Equal(t, strp("NEW001"), got[0].PairingCode)
	_, ok, _ := h.store.Load(testID)
	assert.False(t, ok)
}

func TestPairCleanStartsFromScratch(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{PairCode: "FRESH1"}
	h := newHarness(t, d)
	require.NoError(t, h.store.Save(testID, []byte("old")))
	old, err := h.mgr.Ensure(context.Background(), testID)
	require.NoError(t, err)
	require.True(t, old.Registered())

	c := &collector{}
	require.NoError(t, h.coord.PairWith(context.Background(), testID, PairOptions{Wait: 20 * time.Millisecond, Clean: true}, c.emit))
	got := c.results()
	require.Len(t, got, 2)
	assert.Equal(t, StatusWaiting, got[0].Status)
	assert.Equal(t, strp("FRESH1"), got[0].PairingCode)

	assert.True(t, old.Status().Terminal())
	assert.Equal(t, 2, d.Dials())
	assert.Empty(t, d.Last().Credentials())
	_, ok, _ := h.store.Load(testID)
	assert.False(t, ok)
}

func TestLogout(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{}
	h := newHarness(t, d)
	require.NoError(t, h.store.Save(testID, []byte("creds")))
	_, err := h.mgr.Ensure(context.Background(), testID)
	require.NoError(t, err)

	dropped, err := h.coord.Logout(context.Background(), testID)
	require.NoError(t, err)
	assert.True(t, dropped)
	assert.False(t, h.locks.Held(testID))

	res, err := h.coord.Probe(context.Background(), testID, false)
	require.NoError(t, err)
	assert.False(t, res.Registered)
	assert.Equal(t, ConnDisconnected, res.Connection)
}

func TestProbe(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{Script: func(tr *faketransport.Transport) { tr.Open(true) }}
	h := newHarness(t, d)

	res, err := h.coord.Probe(context.Background(), testID, false)
	require.NoError(t, err)
	assert.Equal(t, ConnDisconnected, res.Connection)
	assert.False(t, res.Registered)
	assert.Nil(t, res.Session)
	assert.Equal(t, 0, d.Dials())

	res, err = h.coord.Probe(context.Background(), testID, true)
	require.NoError(t, err)
	assert.Equal(t, ConnOpen, res.Connection)
	assert.True(t, res.Registered)
	require.NotNil(t, res.Session)

	res, err = h.coord.Probe(context.Background(), testID, false)
	require.NoError(t, err)
	assert.Equal(t, ConnOpen, res.Connection)
}

func TestProbeActiveNeverOpens(t *testing.T) {
	testlog.Start(t)
	d := &faketransport.Dialer{}
	h := newHarness(t, d)
	require.NoError(t, h.store.Save(testID, []byte("creds")))

	res, err := h.coord.Probe(context.Background(), testID, true)
	require.NoError(t, err)
	assert.Equal(t, ConnDisconnected, res.Connection)
	assert.True(t, res.Registered)
}
