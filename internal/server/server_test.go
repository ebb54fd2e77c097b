package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wagate/internal/dispatch"
	"wagate/internal/engine"
	"wagate/internal/notify"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/session"
	logx "wagate/pkg/logx"
)

type stubClient struct {
	events chan<- engine.Event

	mu    sync.Mutex
	fail  map[engine.Address]error
	texts []engine.Address
	media []engine.Address
}

func (c *stubClient) Initialize(context.Context) error { return nil }

func (c *stubClient) SendText(_ context.Context, to engine.Address, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[to]; err != nil {
		return err
	}
	c.texts = append(c.texts, to)
	return nil
}

func (c *stubClient) SendMedia(_ context.Context, to engine.Address, _ engine.Media, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[to]; err != nil {
		return err
	}
	c.media = append(c.media, to)
	return nil
}

func (c *stubClient) Close(context.Context) error { return nil }

type testEnv struct {
	srv      *Server
	http     *httptest.Server
	registry *session.Registry

	mu      sync.Mutex
	clients map[string]*stubClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{clients: map[string]*stubClient{}}

	factory := func(sessionID string, events chan<- engine.Event) (engine.Client, error) {
		c := &stubClient{events: events, fail: map[engine.Address]error{}}
		env.mu.Lock()
		env.clients[sessionID] = c
		env.mu.Unlock()
		return c, nil
	}

	bridge := notify.New()
	sup := supervisor.New(context.Background())
	t.Cleanup(func() { sup.Cancel() })
	env.registry = session.NewRegistry(factory, bridge, sup, logx.Nop(), session.Options{})

	env.srv = New(Config{}, env.registry, dispatch.New(dispatch.Config{}, logx.Nop()), bridge, logx.Nop())
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

func (env *testEnv) client(id string) *stubClient {
	env.mu.Lock()
	defer env.mu.Unlock()
	return env.clients[id]
}

// makeReady creates a session over HTTP and walks it to Ready.
func (env *testEnv) makeReady(t *testing.T, id string) *stubClient {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/api/sessions/"+id, nil)
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, resp.StatusCode)
	resp.Body.Close()

	cl := env.client(id)
	require.NotNil(t, cl)
	cl.events <- engine.Event{Kind: engine.EventAuthenticated}
	cl.events <- engine.Event{Kind: engine.EventReady}

	sess, ok := env.registry.Get(id)
	require.True(t, ok)
	require.Eventually(t, sess.Ready, 2*time.Second, 5*time.Millisecond)
	return cl
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.http.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateSessionReturnsSnapshot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decodeJSON[session.Snapshot](t, resp)
	require.Equal(t, "u1", snap.ID)

	// Creating again returns the existing session.
	resp = env.do(t, http.MethodPost, "/api/sessions/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestSendUnknownSessionIs404(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/nobody/send", sendRequest{
		Recipients: RecipientList{"111"},
		Message:    "hi",
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSendBeforeReadyIs409NoSends(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/sessions/u1", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, "/api/sessions/u1/send", sendRequest{
		Recipients: RecipientList{"111"},
		Message:    "hi",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	cl := env.client("u1")
	cl.mu.Lock()
	defer cl.mu.Unlock()
	require.Empty(t, cl.texts, "no delivery attempted against a non-ready session")
}

func TestSendReportsPerRecipientOutcomes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cl := env.makeReady(t, "u1")
	cl.mu.Lock()
	cl.fail["222@c.us"] = errors.New("number not on network")
	cl.mu.Unlock()

	resp := env.do(t, http.MethodPost, "/api/sessions/u1/send", map[string]any{
		"phone_numbers": "111, 222",
		"message":       "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "partial failure still returns 200")
	body := decodeJSON[dispatchResponse](t, resp)

	require.Len(t, body.Status, 2)
	require.Equal(t, "Message sent to 111@c.us", body.Status[0])
	require.Contains(t, body.Status[1], "Failed to send message to 222@c.us")
	require.True(t, body.Outcomes[0].Sent)
	require.False(t, body.Outcomes[1].Sent)
}

func TestSendAcceptsArrayRecipients(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.makeReady(t, "u1")

	resp := env.do(t, http.MethodPost, "/api/sessions/u1/send", map[string]any{
		"phone_numbers": []string{"111", "222"},
		"message":       "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[dispatchResponse](t, resp)
	require.Len(t, body.Outcomes, 2)
}

func TestSendEmptyRecipientsIs400(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.makeReady(t, "u1")

	resp := env.do(t, http.MethodPost, "/api/sessions/u1/send", map[string]any{
		"phone_numbers": "",
		"message":       "hello",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSendFileDispatchesMedia(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cl := env.makeReady(t, "u1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("phone_numbers", "111"))
	require.NoError(t, mw.WriteField("message", "the caption"))
	fw, err := mw.CreateFormFile("file", "pic.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/sessions/u1/send-file", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON[dispatchResponse](t, resp)
	require.Len(t, body.Outcomes, 1)
	require.True(t, body.Outcomes[0].Sent)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	require.Len(t, cl.media, 1)
	require.Empty(t, cl.texts)
}

func TestSendFileWithoutFileIsTextDispatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	cl := env.makeReady(t, "u1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("phone_numbers", "111,222"))
	require.NoError(t, mw.WriteField("message", "plain text"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, env.http.URL+"/api/sessions/u1/send-file", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	require.Len(t, cl.texts, 2)
	require.Empty(t, cl.media)
}

func TestDeleteSessionIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.makeReady(t, "u1")

	resp := env.do(t, http.MethodDelete, "/api/sessions/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, decodeJSON[map[string]bool](t, resp)["removed"])

	resp = env.do(t, http.MethodDelete, "/api/sessions/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, decodeJSON[map[string]bool](t, resp)["removed"])
}

func TestAuditHookReceivesResult(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.makeReady(t, "u1")

	var mu sync.Mutex
	var got []dispatch.Result
	env.srv.Audit = func(_ context.Context, sessionID string, res dispatch.Result, media bool) {
		mu.Lock()
		defer mu.Unlock()
		require.Equal(t, "u1", sessionID)
		require.False(t, media)
		got = append(got, res)
	}

	resp := env.do(t, http.MethodPost, "/api/sessions/u1/send", map[string]any{
		"phone_numbers": "111",
		"message":       "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, 1, got[0].SentCount())
}
