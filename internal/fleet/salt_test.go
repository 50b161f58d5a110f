package fleet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rescuebot/internal/config"
)

type fakeSalt struct {
	logins   atomic.Int32
	grains   atomic.Int32
	rejectOn atomic.Int32
	lastCall atomic.Value

	// When set, login and grains requests signal on the started channel
	// and block until the gate is closed.
	loginGate     chan struct{}
	grainsGate    chan struct{}
	grainsStarted chan struct{}
}

func (f *fakeSalt) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.loginGate != nil {
			<-f.loginGate
		}
		n := f.logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"return": []map[string]any{{"token": "tok-" + string(rune('0'+n))}},
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Auth-Token") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.rejectOn.Load() > 0 {
			f.rejectOn.Add(-1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.lastCall.Store(body)
		switch body["fun"] {
		case "grains.items":
			if f.grainsStarted != nil {
				f.grainsStarted <- struct{}{}
			}
			if f.grainsGate != nil {
				<-f.grainsGate
			}
			f.grains.Add(1)
			_, _ = w.Write([]byte(`{"return":[{
				"minion-a":{"fqdn":"db01.example.com","os":"Ubuntu"},
				"minion-b":{"fqdn":"web01.example.com"},
				"minion-c":false
			}]}`))
		case "saltutil.running":
			_, _ = w.Write([]byte(`{"return":[{"minion-a":[{"jid":"20260101"}],"minion-b":[]}]}`))
		case "service.restart":
			if body["tgt"] == "ghost" {
				_, _ = w.Write([]byte(`{"return":[{}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"return":[{"minion-a":true}]}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	return mux
}

func newTestSalt(t *testing.T, password string) (*SaltClient, *fakeSalt) {
	t.Helper()
	fake := &fakeSalt{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	c := NewSaltClient(config.FleetConfig{
		URL:         srv.URL + "/",
		Username:    "saltapi",
		Password:    password,
		EAuth:       "pam",
		Timeout:     2 * time.Second,
		JobsTimeout: time.Second,
		TokenTTL:    time.Hour,
	}, nil)
	return c, fake
}

func TestExecuteLogsInOnceAndSendsLocalCall(t *testing.T) {
	c, fake := newTestSalt(t, "secret")
	ctx := context.Background()

	res, err := c.Execute(ctx, "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"return":[{"minion-a":true}]}`, string(res))

	_, err = c.Execute(ctx, "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), fake.logins.Load())

	call := fake.lastCall.Load().(map[string]any)
	assert.Equal(t, "local", call["client"])
	assert.Equal(t, "minion-a", call["tgt"])
	assert.Equal(t, []any{"mysql"}, call["arg"])
}

func TestExecuteRefreshesRejectedToken(t *testing.T) {
	c, fake := newTestSalt(t, "secret")
	ctx := context.Background()
	_, err := c.Execute(ctx, "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)

	fake.rejectOn.Store(1)
	_, err = c.Execute(ctx, "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.logins.Load())
}

func TestExecuteWithoutMinionResponse(t *testing.T) {
	c, _ := newTestSalt(t, "secret")
	_, err := c.Execute(context.Background(), "ghost", "service.restart", []string{"mysql"})
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestLoginFailure(t *testing.T) {
	c, _ := newTestSalt(t, "wrong")
	_, err := c.Execute(context.Background(), "minion-a", "service.restart", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 401")
}

func TestResolveTargetByFQDN(t *testing.T) {
	c, _ := newTestSalt(t, "secret")
	ctx := context.Background()

	id, err := c.ResolveTarget(ctx, "DB01.example.com")
	require.NoError(t, err)
	assert.Equal(t, "minion-a", id)

	id, err = c.ResolveTarget(ctx, "minion-b")
	require.NoError(t, err)
	assert.Equal(t, "minion-b", id)

	_, err = c.ResolveTarget(ctx, "nope.example.com")
	require.ErrorIs(t, err, ErrTargetNotFound)
}

func TestMinionsSkipsUnansweredGrains(t *testing.T) {
	c, _ := newTestSalt(t, "secret")
	minions, err := c.Minions(context.Background())
	require.NoError(t, err)
	require.Len(t, minions, 3)
	assert.Equal(t, "minion-a", minions[0].ID)
	assert.Equal(t, "Ubuntu", minions[0].OS)
	assert.Empty(t, minions[2].FQDN)
}

func TestActiveJobs(t *testing.T) {
	c, _ := newTestSalt(t, "secret")
	jobs, err := c.ActiveJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.JSONEq(t, `[{"jid":"20260101"}]`, string(jobs["minion-a"]))
}

func TestResolveTargetSurvivesFirstCallerCancel(t *testing.T) {
	c, fake := newTestSalt(t, "secret")
	fake.grainsStarted = make(chan struct{}, 2)
	fake.grainsGate = make(chan struct{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.ResolveTarget(firstCtx, "db01.example.com")
		firstErr <- err
	}()
	<-fake.grainsStarted

	second := make(chan string, 1)
	go func() {
		id, err := c.ResolveTarget(context.Background(), "db01.example.com")
		assert.NoError(t, err)
		second <- id
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(fake.grainsGate)
	select {
	case id := <-second:
		assert.Equal(t, "minion-a", id)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not get a result")
	}
}

func TestConcurrentCallsShareOneLogin(t *testing.T) {
	c, fake := newTestSalt(t, "secret")
	fake.loginGate = make(chan struct{})

	const callers = 5
	done := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := c.Execute(context.Background(), "minion-a", "service.restart", []string{"mysql"})
			done <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(fake.loginGate)
	for i := 0; i < callers; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, int32(1), fake.logins.Load())
}

func TestCachedTokenDoesNotWaitForLogin(t *testing.T) {
	c, fake := newTestSalt(t, "secret")
	_, err := c.Execute(context.Background(), "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)

	// Hold a login in flight; calls with the cached token must still go through.
	fake.loginGate = make(chan struct{})
	defer close(fake.loginGate)
	go func() { _, _ = c.login(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Execute(ctx, "minion-a", "service.restart", []string{"mysql"})
	require.NoError(t, err)
}
