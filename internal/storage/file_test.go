package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "wagate/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreAppends(t *testing.T) {
	t.Parallel()
	prefix := filepath.Join(t.TempDir(), "store")
	st, err := Open(Config{Driver: "file", Path: prefix}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.AppendDispatch(context.Background(), DispatchEntry{
		At: at, SessionID: "s1", JobID: "j1", Total: 3, Sent: 2, Failed: 1, TookMS: 42,
	}))
	require.NoError(t, st.AppendSessionEvent(context.Background(), SessionEvent{
		At: at, SessionID: "s1", Kind: "ready",
	}))

	lines := readLines(t, prefix+".dispatch.jsonl")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "s1", rec["session_id"])
	require.Equal(t, float64(3), rec["total"])
	require.Equal(t, float64(1), rec["failed"])

	lines = readLines(t, prefix+".sessions.jsonl")
	require.Len(t, lines, 1)
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "ready", rec["kind"])
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	require.NoError(t, sc.Err())
	return out
}
