package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/projectd/internal/events"
	"github.com/fruitsalade/projectd/internal/logging"
	"github.com/fruitsalade/projectd/internal/registry"
	"github.com/fruitsalade/projectd/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type testEnv struct {
	srv       *httptest.Server
	uploadDir string
}

func newTestEnv(t *testing.T, maxUpload int64) *testEnv {
	t.Helper()
	backend, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "projects"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(backend, registry.Options{})
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	notifier := events.NewNotifier()
	reg.Subscribe(notifier)

	uploadDir := t.TempDir()
	srv := httptest.NewServer(NewServer(reg, notifier, uploadDir, maxUpload).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, uploadDir: uploadDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) expect(t *testing.T, method, path string, body any, want int) *http.Response {
	t.Helper()
	resp := e.do(t, method, path, body)
	if resp.StatusCode != want {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, want, data)
	}
	return resp
}

func (e *testEnv) upload(t *testing.T, project, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(FieldProject, project); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile(FieldFile, name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req, err := http.NewRequest(http.MethodPut, e.srv.URL+"/project/file", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	resp := env.expect(t, http.MethodGet, "/heartbeat", nil, http.StatusOK)
	if got := decodeBody[HeartbeatResponse](t, resp); got.Status != "ok" {
		t.Errorf("status = %q", got.Status)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo", Description: "d"}, http.StatusCreated)
	resp := env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo"}, http.StatusConflict)
	if got := decodeBody[ErrorResponse](t, resp); got.Code != http.StatusConflict || got.Error == "" {
		t.Errorf("error body = %+v", got)
	}
	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: ""}, http.StatusBadRequest)

	list := decodeBody[[]registry.Summary](t, env.expect(t, http.MethodGet, "/projects", nil, http.StatusOK))
	if len(list) != 1 || list[0].Name != "demo" || list[0].Description != "d" {
		t.Fatalf("projects = %+v", list)
	}

	env.expect(t, http.MethodPost, "/project/rename", RenameProjectRequest{ID: "demo", Rename: "demo"}, http.StatusConflict)
	env.expect(t, http.MethodPost, "/project/rename", RenameProjectRequest{ID: "demo", Rename: "renamed"}, http.StatusOK)
	env.expect(t, http.MethodGet, "/project?id=demo", nil, http.StatusNotFound)

	detail := decodeBody[map[string]any](t, env.expect(t, http.MethodGet, "/project?id=renamed", nil, http.StatusOK))
	if detail["name"] != "renamed" {
		t.Errorf("detail = %v", detail)
	}
	if files, ok := detail["files"].(map[string]any); !ok || len(files) != 0 {
		t.Errorf("files = %v", detail["files"])
	}

	env.expect(t, http.MethodPost, "/project/reload", ProjectRequest{ID: "renamed"}, http.StatusOK)
	env.expect(t, http.MethodGet, "/project/verify?id=renamed", nil, http.StatusOK)

	env.expect(t, http.MethodDelete, "/project", ProjectRequest{ID: "renamed"}, http.StatusNoContent)
	env.expect(t, http.MethodDelete, "/project", ProjectRequest{ID: "renamed"}, http.StatusNotFound)

	list = decodeBody[[]registry.Summary](t, env.expect(t, http.MethodGet, "/projects", nil, http.StatusOK))
	if len(list) != 0 {
		t.Errorf("projects = %+v, want none", list)
	}
}

func TestFileOperations(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo"}, http.StatusCreated)

	if resp := env.upload(t, "demo", "a.py", "print(1)"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if resp := env.upload(t, "demo", "a.py", "again"); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate upload status = %d, want 409", resp.StatusCode)
	}
	if resp := env.upload(t, "missing", "b.py", "x"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("upload to missing project status = %d, want 404", resp.StatusCode)
	}

	env.expect(t, http.MethodPost, "/project/file/rename", RenameFileRequest{ID: "demo", Path: "a.py", Repath: "sub/b.py"}, http.StatusOK)
	env.expect(t, http.MethodPost, "/project/file/rename", RenameFileRequest{ID: "demo", Path: "a.py", Repath: "c.py"}, http.StatusNotFound)

	detail := decodeBody[registry.Detail](t, env.expect(t, http.MethodGet, "/project?id=demo", nil, http.StatusOK))
	sub, ok := detail.Files["sub"]
	if !ok || !sub.IsDir() || sub.Children["b.py"] == nil || sub.Children["b.py"].Path != "sub/b.py" {
		t.Fatalf("files = %+v", detail.Files)
	}

	env.expect(t, http.MethodDelete, "/project/file", DeleteFileRequest{ID: "demo", Path: "sub/b.py"}, http.StatusNoContent)
	env.expect(t, http.MethodDelete, "/project/file", DeleteFileRequest{ID: "demo", Path: "sub/b.py"}, http.StatusNotFound)
	env.expect(t, http.MethodGet, "/project/verify?id=demo", nil, http.StatusOK)

	entries, err := os.ReadDir(env.uploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("staged uploads left behind: %d", len(entries))
	}
}

func TestUploadRejects(t *testing.T) {
	env := newTestEnv(t, 512)
	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo"}, http.StatusCreated)

	if resp := env.upload(t, "demo", "big.bin", strings.Repeat("x", 4096)); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized upload status = %d, want 413", resp.StatusCode)
	}
	if resp := env.upload(t, "", "a.txt", "x"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("upload without project status = %d, want 400", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, env.srv.URL+"/project/file", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("non-multipart upload status = %d, want 400", resp.StatusCode)
	}
}

func TestInvalidJSON(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/project", strings.NewReader("{"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// sseReader reads "data:" payloads from an event stream.
type sseReader struct {
	t      *testing.T
	lines  chan string
	cancel context.CancelFunc
	resp   *http.Response
}

func openStream(t *testing.T, url string) *sseReader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r := &sseReader{t: t, lines: make(chan string, 16), cancel: cancel, resp: resp}
	go func() {
		defer close(r.lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
				r.lines <- line
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return r
}

func (r *sseReader) next() (string, bool) {
	r.t.Helper()
	select {
	case line, ok := <-r.lines:
		return line, ok
	case <-time.After(2 * time.Second):
		r.t.Fatal("timed out waiting for event")
	}
	return "", false
}

func TestProjectsEventStream(t *testing.T) {
	env := newTestEnv(t, 1<<20)
	stream := openStream(t, env.srv.URL+"/event/projects")
	if ct := stream.resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	if first, _ := stream.next(); first != "[]" {
		t.Fatalf("initial listing = %s, want []", first)
	}

	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo"}, http.StatusCreated)
	line, _ := stream.next()
	var list []registry.Summary
	if err := json.Unmarshal([]byte(line), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Name != "demo" {
		t.Errorf("listing = %s", line)
	}
}

func TestProjectEventStreamFollowsRename(t *testing.T) {
	env := newTestEnv(t, 1<<20)

	if resp := env.do(t, http.MethodGet, "/event/project?id=demo", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stream of missing project status = %d, want 404", resp.StatusCode)
	}

	env.expect(t, http.MethodPost, "/project", CreateProjectRequest{Name: "demo"}, http.StatusCreated)
	stream := openStream(t, env.srv.URL+"/event/project?id=demo")
	if first, _ := stream.next(); !strings.Contains(first, `"name":"demo"`) {
		t.Fatalf("initial detail = %s", first)
	}

	env.expect(t, http.MethodPost, "/project/rename", RenameProjectRequest{ID: "demo", Rename: "renamed"}, http.StatusOK)
	if line, _ := stream.next(); !strings.Contains(line, `"name":"renamed"`) {
		t.Fatalf("after rename = %s", line)
	}

	if resp := env.upload(t, "renamed", "a.py", "x"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if line, _ := stream.next(); !strings.Contains(line, `"a.py"`) {
		t.Fatalf("after upload = %s", line)
	}

	// Deactivation ends the stream.
	env.expect(t, http.MethodDelete, "/project", ProjectRequest{ID: "renamed"}, http.StatusNoContent)
	if line, ok := stream.next(); ok {
		t.Errorf("stream should end after deactivation, got %s", line)
	}
}
