package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/tally/internal/ddbfake"
	"github.com/jacentio/tally/metrics"
	"github.com/jacentio/tally/store"
)

func newFake() *ddbfake.Client {
	cfg := store.DefaultConfig()
	fake := ddbfake.New()
	fake.CreateTable(cfg.AccountsTable, "account_id", "account_type")
	fake.CreateTable(cfg.LocksTable, "pk", "")
	fake.CreateTable(cfg.RateLimitTable, "pk", "")
	return fake
}

// run executes one tally command against fake and returns its output.
func run(t *testing.T, fake *ddbfake.Client, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(func(context.Context, store.ClientConfig) (store.API, error) {
		return fake, nil
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

// runApp is run, but also returns the app so tests can read its metrics.
func runApp(t *testing.T, fake *ddbfake.Client, args ...string) (*app, error) {
	t.Helper()
	root, a := newRootCmd(func(context.Context, store.ClientConfig) (store.API, error) {
		return fake, nil
	})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(append(args, "--log-level", "error"))
	return a, root.Execute()
}

func TestVersion(t *testing.T) {
	out, err := run(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "tally v"+Version+"\n", out)
}

func TestAccountLifecycle(t *testing.T) {
	fake := newFake()
	id := uuid.NewString()

	out, err := run(t, fake, "account", "create", "--id", id, "--type", "savings", "--balance", "500")
	require.NoError(t, err)
	assert.Contains(t, out, "account_id="+id)
	assert.Contains(t, out, "balance=500")
	assert.Contains(t, out, "version=0")

	_, err = run(t, fake, "account", "create", "--id", id, "--type", "checking", "--balance", "10")
	require.NoError(t, err)

	out, err = run(t, fake, "account", "deposit", id, "savings", "--amount", "-200")
	require.NoError(t, err)
	assert.Contains(t, out, "balance=300")
	assert.Contains(t, out, "version=1")

	out, err = run(t, fake, "account", "get", id, "SAVINGS")
	require.NoError(t, err)
	assert.Contains(t, out, "balance=300 overdraft_limit=-500 version=1")

	out, err = run(t, fake, "account", "list", id)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "account_type=checking")
	assert.Contains(t, lines[1], "account_type=savings")
}

func TestAccountErrors(t *testing.T) {
	fake := newFake()
	id := uuid.NewString()

	_, err := run(t, fake, "account", "create", "--type", "brokerage")
	require.Error(t, err)

	_, err = run(t, fake, "account", "get", "not-a-uuid", "savings")
	require.Error(t, err)

	_, err = run(t, fake, "account", "get", id, "savings")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = run(t, fake, "account", "create", "--id", id, "--balance", "0")
	require.NoError(t, err)
	_, err = run(t, fake, "account", "create", "--id", id, "--balance", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, err = run(t, fake, "account", "deposit", id, "savings", "--amount", "-501")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overdraft")
}

func TestLockCommands(t *testing.T) {
	fake := newFake()

	out, err := run(t, fake, "lock", "acquire", "acct-1", "--holder", "A", "--lease", "1m")
	require.NoError(t, err)
	assert.Equal(t, "acquired=true holder=A\n", out)

	out, err = run(t, fake, "lock", "acquire", "acct-1", "--holder", "B")
	require.NoError(t, err)
	assert.Equal(t, "acquired=false\n", out)

	out, err = run(t, fake, "lock", "inspect", "acct-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "held=true holder=A expires="), out)

	out, err = run(t, fake, "lock", "release", "acct-1", "B")
	require.NoError(t, err)
	assert.Equal(t, "released=false\n", out)

	out, err = run(t, fake, "lock", "release", "acct-1", "A")
	require.NoError(t, err)
	assert.Equal(t, "released=true\n", out)

	out, err = run(t, fake, "lock", "inspect", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "held=false\n", out)
}

func TestLockAcquire_GeneratesHolder(t *testing.T) {
	out, err := run(t, newFake(), "lock", "acquire", "acct-2")
	require.NoError(t, err)
	holder := strings.TrimPrefix(strings.TrimSpace(out), "acquired=true holder=")
	_, err = uuid.Parse(holder)
	assert.NoError(t, err, "holder %q should be a UUID", holder)
}

func TestRateLimitCommands(t *testing.T) {
	fake := newFake()

	out, err := run(t, fake, "ratelimit", "persist", "api", "acct-1", "7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tokens=7 last_refill="), out)

	out, err = run(t, fake, "ratelimit", "get", "api", "acct-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tokens=7 last_refill="), out)

	_, err = run(t, fake, "ratelimit", "persist", "api", "acct-1", "x")
	require.Error(t, err)

	_, err = run(t, fake, "ratelimit", "get", "api", "nobody")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCustomTables(t *testing.T) {
	fake := ddbfake.New()
	fake.CreateTable("other_locks", "pk", "")

	out, err := run(t, fake, "lock", "acquire", "r", "--holder", "A", "--locks-table", "other_locks")
	require.NoError(t, err)
	assert.Equal(t, "acquired=true holder=A\n", out)
}

func TestDialError(t *testing.T) {
	root := NewRootCmd(func(context.Context, store.ClientConfig) (store.API, error) {
		return nil, errors.New("no credentials")
	})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"lock", "inspect", "r"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credentials")
}

func TestDialReceivesFlags(t *testing.T) {
	var got store.ClientConfig
	root := NewRootCmd(func(_ context.Context, cc store.ClientConfig) (store.API, error) {
		got = cc
		return newFake(), nil
	})
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"lock", "inspect", "r", "--region", "eu-west-1", "--endpoint", "http://localhost:8000"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "eu-west-1", got.Region)
	assert.Equal(t, "http://localhost:8000", got.Endpoint)
}

func TestWrapString(t *testing.T) {
	wrapped := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "", WrapString(""))
}

func TestCommandsRecordMetrics(t *testing.T) {
	fake := newFake()
	cfg := store.DefaultConfig()
	id := uuid.NewString()

	a, err := runApp(t, fake, "lock", "acquire", "acct-1", "--holder", "A")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.stats.LockAcquires.WithLabelValues(cfg.LocksTable, metrics.Acquired)))

	a, err = runApp(t, fake, "lock", "release", "acct-1", "B")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.stats.LockReleases.WithLabelValues(cfg.LocksTable, metrics.NotHolder)))

	a, err = runApp(t, fake, "ratelimit", "persist", "api", "acct-1", "3")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.stats.RateLimitWrites.WithLabelValues(cfg.RateLimitTable, metrics.OK)))

	_, err = runApp(t, fake, "account", "create", "--id", id, "--balance", "10")
	require.NoError(t, err)
	a, err = runApp(t, fake, "account", "deposit", id, "savings", "--amount", "5")
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.stats.VersionedWrites.WithLabelValues(cfg.AccountsTable, metrics.Applied)))
}

func TestPushgateway(t *testing.T) {
	type request struct {
		path string
		body string
	}
	got := make(chan request, 1)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- request{r.URL.Path, string(body)}
		w.WriteHeader(http.StatusOK)
	}))
	defer gateway.Close()

	_, err := runApp(t, newFake(), "lock", "acquire", "acct-1", "--holder", "A", "--pushgateway", gateway.URL)
	require.NoError(t, err)

	req := <-got
	assert.True(t, strings.HasPrefix(req.path, "/metrics/job/tally"), req.path)
	assert.Contains(t, req.body, "tally_lock_acquires_total")
}

func TestPushgateway_Failure(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer gateway.Close()

	_, err := runApp(t, newFake(), "ratelimit", "persist", "api", "acct-1", "1", "--pushgateway", gateway.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push metrics")
}

func TestMetricsAddr(t *testing.T) {
	a, err := runApp(t, newFake(), "lock", "inspect", "r", "--metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Nil(t, a.server, "server is stopped when the command finishes")

	_, err = runApp(t, newFake(), "lock", "inspect", "r", "--metrics-addr", "not-an-address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metrics listener")
}

func TestServeMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := &app{
		viper:    viper.New(),
		registry: reg,
		stats:    metrics.New(reg),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	a.stats.LockAcquire("tally_locks", metrics.Contended)
	require.NoError(t, a.serveMetrics("127.0.0.1:0"))

	get := func(path string) (int, string) {
		resp, err := http.Get("http://" + a.served + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `tally_lock_acquires_total{result="contended",table="tally_locks"} 1`)

	code, _ = get("/health")
	assert.Equal(t, http.StatusOK, code)

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	require.NoError(t, a.flush(cmd, nil))
	assert.Nil(t, a.server)

	_, err := http.Get("http://" + a.served + "/metrics")
	assert.Error(t, err, "server is stopped")
}
