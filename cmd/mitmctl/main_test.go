package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/fakebackend"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
)

// resetFlags puts every flag of the tree back to its default so runs do
// not leak into each other.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(resetFlag)
	cmd.PersistentFlags().VisitAll(resetFlag)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func resetFlag(f *pflag.Flag) {
	if sv, ok := f.Value.(pflag.SliceValue); ok {
		_ = sv.Replace(nil)
	} else {
		_ = f.Value.Set(f.DefValue)
	}
	f.Changed = false
}

// execute runs the CLI with args against an isolated config directory.
func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	cfgFile = ""
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.ExecuteContext(ctx)
	return out.String(), err
}

func run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, context.Background(), "", args...)
	require.NoError(t, err, out)
	return out
}

func startBackend(t *testing.T) *fakebackend.Server {
	t.Helper()
	srv, err := fakebackend.Start(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestConfigShowAppliesFlags(t *testing.T) {
	out := run(t, "--addr", "tcp:10.1.2.3:5", "config", "show")
	assert.Contains(t, out, "addr: tcp:10.1.2.3:5")
	assert.Contains(t, out, "level: error")
	assert.Contains(t, out, "inmem_prefix: m")
}

func TestConfigShowReadsEnvironment(t *testing.T) {
	t.Setenv("MITMCTL_BACKEND_BINARY", "/opt/puppy")
	out := run(t, "config", "show")
	assert.Contains(t, out, "binary: /opt/puppy")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.kdl")
	out := run(t, "--config", path, "config", "init")
	assert.Contains(t, out, path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	_, err = execute(t, context.Background(), "", "--config", path, "config", "init")
	assert.ErrorContains(t, err, "exists")

	run(t, "--config", path, "config", "init", "--force")
	out = run(t, "--config", path, "config", "show")
	assert.Contains(t, out, "binary: puppy")
}

func TestSplitDest(t *testing.T) {
	tests := []struct {
		in       string
		defPort  int
		host     string
		port     int
		hasError bool
	}{
		{"example.com", 80, "example.com", 80, false},
		{"example.com:8443", 443, "example.com", 8443, false},
		{"[::1]:9000", 80, "::1", 9000, false},
		{"example.com:http", 80, "", 0, true},
		{"example.com:70000", 80, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			host, port, err := splitDest(tt.in, tt.defPort)
			if tt.hasError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
		})
	}
}

func TestPingAndRaw(t *testing.T) {
	srv := startBackend(t)
	out := run(t, "--addr", srv.Addr(), "ping")
	assert.Contains(t, out, "is alive")

	out = run(t, "--addr", srv.Addr(), "raw", "Ping")
	assert.Contains(t, out, `"Ping": true`)

	_, err := execute(t, context.Background(), "", "--addr", srv.Addr(), "raw", "Ping", "[1]")
	assert.ErrorContains(t, err, "JSON object")
}

func TestSubmitQueryShowTag(t *testing.T) {
	srv := startBackend(t)
	file := filepath.Join(t.TempDir(), "req.http")
	raw := "GET /search?q=1 HTTP/1.1\r\nHost: example.com\r\n\r\n"
	require.NoError(t, os.WriteFile(file, []byte(raw), 0o644))

	out := run(t, "--addr", srv.Addr(), "submit", file, "--save", "--tag", "first")
	assert.Contains(t, out, "saved as ")
	assert.Contains(t, out, "200")

	out = run(t, "--addr", srv.Addr(), "query", "--yaml")
	assert.Contains(t, out, "url: http://example.com/search?q=1")
	assert.Contains(t, out, "- first")

	proxyID := srv.ProxyStorage()
	reqs := srv.Requests(proxyID)
	require.Len(t, reqs, 1)
	id := reqs[0].DbID

	run(t, "--addr", srv.Addr(), "tag", "add", id, "second")
	assert.True(t, srv.Requests(proxyID)[0].Tags.Has("second"))

	out = run(t, "--addr", srv.Addr(), "show", id)
	assert.Contains(t, out, "GET /search?q=1 HTTP/1.1")
	assert.Contains(t, out, "HTTP/1.1 200")

	out = run(t, "--addr", srv.Addr(), "check", "method is GET", id)
	assert.Equal(t, "true\n", out)

	out = run(t, "--addr", srv.Addr(), "query", "method is POST")
	assert.NotContains(t, out, "example.com")
}

func TestSubmitNoSendInMemory(t *testing.T) {
	srv := startBackend(t)
	out, err := execute(t, context.Background(), "POST /form HTTP/1.1\r\nHost: api.test:8080\r\n\r\na=1",
		"--addr", srv.Addr(), "submit", "--inmem", "--no-send")
	require.NoError(t, err, out)
	assert.Regexp(t, `^m\d+\n$`, out)

	out = run(t, "--addr", srv.Addr(), "query", "--storage", "m", "--yaml")
	assert.Contains(t, out, "url: http://api.test:8080/form")
}

func TestStorageCommands(t *testing.T) {
	srv := startBackend(t)
	run(t, "--addr", srv.Addr(), "storage", "add", "z")
	out := run(t, "--addr", srv.Addr(), "storage", "list")
	assert.Contains(t, out, `"z"`)
	assert.Contains(t, out, "proxy")
	assert.Contains(t, out, "in-memory")

	_, err := execute(t, context.Background(), "", "--addr", srv.Addr(), "storage", "add", "u")
	assert.Error(t, err)

	run(t, "--addr", srv.Addr(), "storage", "close", "z")
	out = run(t, "--addr", srv.Addr(), "storage", "list")
	assert.NotContains(t, out, `"z"`)
}

func TestScopeSavedAndPlugin(t *testing.T) {
	srv := startBackend(t)
	out := run(t, "--addr", srv.Addr(), "scope")
	assert.Contains(t, out, "no custom scope")

	run(t, "--addr", srv.Addr(), "scope", "host ctr example")
	out = run(t, "--addr", srv.Addr(), "scope")
	assert.Contains(t, out, "host ctr example")
	run(t, "--addr", srv.Addr(), "scope", "--clear")
	assert.Empty(t, srv.Scope())

	run(t, "--addr", srv.Addr(), "saved", "save", "gets", "method is GET")
	out = run(t, "--addr", srv.Addr(), "saved", "list")
	assert.Contains(t, out, "gets")
	out = run(t, "--addr", srv.Addr(), "saved", "load", "gets")
	assert.Contains(t, out, "method is GET")
	run(t, "--addr", srv.Addr(), "saved", "delete", "gets")
	out = run(t, "--addr", srv.Addr(), "saved", "list")
	assert.NotContains(t, out, "gets")

	run(t, "--addr", srv.Addr(), "plugin", "set", "color", "blue")
	out = run(t, "--addr", srv.Addr(), "plugin", "get", "color")
	assert.Equal(t, "blue\n", out)
}

func TestListenerCertsUpstream(t *testing.T) {
	srv := startBackend(t)
	out := run(t, "--addr", srv.Addr(), "listener", "add", "127.0.0.1:8080")
	id := strings.TrimSpace(out)
	out = run(t, "--addr", srv.Addr(), "listener", "list")
	assert.Contains(t, out, "127.0.0.1:8080")
	run(t, "--addr", srv.Addr(), "listener", "rm", id)
	out = run(t, "--addr", srv.Addr(), "listener", "list")
	assert.NotContains(t, out, "127.0.0.1:8080")

	dir := t.TempDir()
	run(t, "--addr", srv.Addr(), "certs", "generate", "--local", dir)
	key, err := os.ReadFile(filepath.Join(dir, "server.key"))
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	run(t, "--addr", srv.Addr(), "certs", "set", filepath.Join(dir, "server.pem"), filepath.Join(dir, "server.key"))
	gotKey, _ := srv.Certificates()
	assert.Equal(t, string(key), gotKey)

	run(t, "--addr", srv.Addr(), "upstream", "proxy.local:3128", "--user", "bob")
	assert.Contains(t, string(srv.Upstream()), "proxy.local")
}

func TestInterceptForwardsFromStdin(t *testing.T) {
	srv := startBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	journalPath := filepath.Join(t.TempDir(), "journal.db")
	t.Setenv("MITMCTL_JOURNAL_PATH", journalPath)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := execute(t, ctx, "f\n", "--addr", srv.Addr(), "--journal", "intercept", "--requests")
		done <- result{out, err}
	}()

	req := model.NewRequest("GET", "/paused")
	req.Headers.Set("Host", "example.com")
	req.DestHost = "example.com"
	n := codec.Notification{Type: protocol.TypeHTTPRequest, Request: codec.EncodeRequest(req, codec.Full)}

	var verdict codec.Verdict
	require.Eventually(t, func() bool {
		pctx, pcancel := context.WithTimeout(ctx, 2*time.Second)
		defer pcancel()
		v, err := srv.Pause(pctx, n)
		if err != nil {
			return false
		}
		verdict = v
		return true
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, verdict.Dropped)
	require.NotNil(t, verdict.Request)
	assert.Equal(t, "/paused", verdict.Request.Path)

	cancel()
	select {
	case r := <-done:
		require.NoError(t, r.err, r.out)
		assert.Contains(t, r.out, "request  GET http://example.com/paused")
	case <-time.After(5 * time.Second):
		t.Fatal("intercept did not stop")
	}

	out := run(t, "journal", "show", "--kind", "request")
	assert.Contains(t, out, "kind: request")
	assert.Contains(t, out, "dropped: false")
}
