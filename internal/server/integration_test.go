package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bucketdesk/bucketdesk/internal/transfer"
)

// integrationServer starts a real HTTP listener over the full handler chain.
func integrationServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func post(t *testing.T, ts *httptest.Server, path string, body, out any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		t.Fatalf("POST %s status = %d, body = %s", path, resp.StatusCode, buf.String())
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("POST %s: decoding response: %v", path, err)
	}
}

func get(t *testing.T, ts *httptest.Server, path string, out any) {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("GET %s: decoding response: %v", path, err)
	}
}

func mustSucceed(t *testing.T, op string, r Reply) {
	t.Helper()
	if !r.Success {
		t.Fatalf("%s failed: %s (%s)", op, r.Error, r.ErrorKind)
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func TestIntegrationObjectLifecycle(t *testing.T) {
	_, ts := integrationServer(t)
	target := map[string]any{"profile": "local", "bucket": "docs"}
	with := func(extra map[string]any) map[string]any {
		m := map[string]any{}
		for k, v := range target {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	var reply Reply
	post(t, ts, "/v1/buckets/create", target, &reply)
	mustSucceed(t, "create bucket", reply)

	var key KeyBody
	post(t, ts, "/v1/objects/upload", with(map[string]any{"key": "notes/a.txt", "data": []byte("hello")}), &key)
	mustSucceed(t, "upload", key.Reply)
	post(t, ts, "/v1/objects/upload", with(map[string]any{"key": "notes/b.txt", "data": []byte("world")}), &key)
	mustSucceed(t, "upload", key.Reply)

	var folder KeyBody
	post(t, ts, "/v1/folders/create", with(map[string]any{"path": "empty"}), &folder)
	mustSucceed(t, "create folder", folder.Reply)
	if folder.Key != "empty/" {
		t.Errorf("folder key = %q, want empty/", folder.Key)
	}

	var root ListBody
	post(t, ts, "/v1/objects/list", target, &root)
	mustSucceed(t, "list root", root.Reply)
	var names []string
	for _, e := range root.Entries {
		names = append(names, e.Key)
	}
	if strings.Join(names, ",") != "empty/,notes/" {
		t.Errorf("root entries = %v, want [empty/ notes/]", names)
	}

	post(t, ts, "/v1/objects/rename", with(map[string]any{"sourceKey": "notes/a.txt", "newName": "renamed.txt"}), &key)
	mustSucceed(t, "rename", key.Reply)
	if key.Key != "notes/renamed.txt" {
		t.Errorf("renamed key = %q, want notes/renamed.txt", key.Key)
	}

	var got GetBody
	post(t, ts, "/v1/objects/download", with(map[string]any{"key": "notes/renamed.txt"}), &got)
	mustSucceed(t, "download", got.Reply)
	if string(got.Data) != "hello" {
		t.Errorf("downloaded %q, want hello", got.Data)
	}

	post(t, ts, "/v1/objects/download", with(map[string]any{"key": "notes/a.txt"}), &got)
	if got.Success || got.ErrorKind != "not_found" {
		t.Errorf("download of renamed-away key = %+v, want not_found", got.Reply)
	}

	var u URLBody
	post(t, ts, "/v1/objects/url", with(map[string]any{"key": "notes/b.txt", "expiresIn": 60}), &u)
	mustSucceed(t, "url", u.Reply)
	if !strings.HasPrefix(u.URL, "memory://") || !strings.Contains(u.URL, "notes/b.txt") {
		t.Errorf("url = %q", u.URL)
	}

	var batch BatchBody
	post(t, ts, "/v1/objects/delete-batch", with(map[string]any{"keys": []string{"notes/renamed.txt", "notes/b.txt"}}), &batch)
	mustSucceed(t, "delete batch", batch.Reply)

	post(t, ts, "/v1/objects/delete", with(map[string]any{"key": "empty/", "isFolder": true}), &batch)
	mustSucceed(t, "delete folder", batch.Reply)

	post(t, ts, "/v1/buckets/delete", target, &reply)
	mustSucceed(t, "delete bucket", reply)
}

func TestIntegrationDeleteNonEmptyBucket(t *testing.T) {
	_, ts := integrationServer(t)
	target := map[string]any{"profile": "local", "bucket": "full"}

	var reply Reply
	post(t, ts, "/v1/buckets/create", target, &reply)
	mustSucceed(t, "create bucket", reply)
	var key KeyBody
	post(t, ts, "/v1/objects/upload", map[string]any{"profile": "local", "bucket": "full", "key": "x", "data": []byte("x")}, &key)
	mustSucceed(t, "upload", key.Reply)

	post(t, ts, "/v1/buckets/delete", target, &reply)
	if reply.Success || reply.ErrorKind != "conflict" {
		t.Errorf("delete non-empty bucket = %+v, want conflict", reply)
	}
}

func TestIntegrationTransferUpload(t *testing.T) {
	_, ts := integrationServer(t)

	var reply Reply
	post(t, ts, "/v1/buckets/create", map[string]any{"profile": "local", "bucket": "media"}, &reply)
	mustSucceed(t, "create bucket", reply)

	var body TransferBody
	post(t, ts, "/v1/transfers/upload", map[string]any{
		"profile":  "local",
		"bucket":   "media",
		"prefix":   "posts",
		"files":    []map[string]any{{"name": "hero.png", "data": testPNG(t, 800, 600)}},
		"presets":  []string{"thumbnail"},
		"document": "![hero](hero.png)",
		"rewrite":  map[string]any{"mode": "url", "baseUrl": "https://cdn.example.com/"},
		"wait":     true,
	}, &body)
	mustSucceed(t, "transfer upload", body.Reply)
	if body.Summary == nil {
		t.Fatal("waited upload has no summary")
	}
	if body.Summary.Completed != 1 {
		t.Errorf("completed = %d, want 1", body.Summary.Completed)
	}
	want := "![hero](https://cdn.example.com/posts/hero_thumbnail_320x320.webp)"
	if body.Summary.Document != want {
		t.Errorf("document = %q, want %q", body.Summary.Document, want)
	}

	var status TransferStatusBody
	get(t, ts, "/v1/transfers/"+body.RequestID, &status)
	mustSucceed(t, "transfer status", status.Reply)
	if !status.Done || len(status.Tasks) != 1 || status.Tasks[0].Status != transfer.StatusCompleted {
		t.Errorf("status = %+v", status)
	}

	var list ListBody
	post(t, ts, "/v1/objects/list", map[string]any{"profile": "local", "bucket": "media", "prefix": "posts/"}, &list)
	mustSucceed(t, "list", list.Reply)
	if len(list.Entries) != 1 || list.Entries[0].Key != "posts/hero_thumbnail_320x320.webp" {
		t.Errorf("entries = %+v", list.Entries)
	}

	var hist HistoryBody
	get(t, ts, "/v1/history?bucket=media&status=completed", &hist)
	mustSucceed(t, "history", hist.Reply)
	if len(hist.Records) != 1 {
		t.Fatalf("history records = %d, want 1", len(hist.Records))
	}
	if hist.Records[0].Type != "compressed" {
		t.Errorf("history type = %q, want compressed", hist.Records[0].Type)
	}
}

func TestIntegrationTransferPartialFailure(t *testing.T) {
	_, ts := integrationServer(t)

	var reply Reply
	post(t, ts, "/v1/buckets/create", map[string]any{"profile": "local", "bucket": "media"}, &reply)
	mustSucceed(t, "create bucket", reply)

	var body TransferBody
	post(t, ts, "/v1/transfers/upload", map[string]any{
		"profile": "local",
		"bucket":  "media",
		"files": []map[string]any{
			{"name": "good.txt", "data": []byte("fine")},
			{"path": filepath.Join(t.TempDir(), "missing.txt")},
		},
		"wait": true,
	}, &body)
	if body.Success || body.ErrorKind != "partial" {
		t.Fatalf("reply = %+v, want partial failure", body.Reply)
	}
	if body.Summary == nil || body.Summary.Completed != 1 || body.Summary.Failed != 1 {
		t.Errorf("summary = %+v", body.Summary)
	}
}

func TestIntegrationTransferDownload(t *testing.T) {
	_, ts := integrationServer(t)

	var reply Reply
	post(t, ts, "/v1/buckets/create", map[string]any{"profile": "local", "bucket": "files"}, &reply)
	mustSucceed(t, "create bucket", reply)
	var key KeyBody
	post(t, ts, "/v1/objects/upload", map[string]any{"profile": "local", "bucket": "files", "key": "a/report.txt", "data": []byte("report")}, &key)
	mustSucceed(t, "upload", key.Reply)

	dir := t.TempDir()
	var body TransferBody
	post(t, ts, "/v1/transfers/download", map[string]any{
		"profile":   "local",
		"bucket":    "files",
		"keys":      []string{"a/report.txt"},
		"directory": dir,
		"wait":      true,
	}, &body)
	mustSucceed(t, "transfer download", body.Reply)

	data, err := os.ReadFile(filepath.Join(dir, "report.txt"))
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(data) != "report" {
		t.Errorf("downloaded %q, want report", data)
	}
}

func TestIntegrationTransferUnknownRequest(t *testing.T) {
	_, ts := integrationServer(t)

	var status TransferStatusBody
	get(t, ts, "/v1/transfers/nope", &status)
	if status.Success || status.ErrorKind != "not_found" {
		t.Errorf("status of unknown request = %+v, want not_found", status.Reply)
	}

	var cancel CancelBody
	post(t, ts, "/v1/transfers/nope/cancel", nil, &cancel)
	if cancel.Success || cancel.ErrorKind != "not_found" {
		t.Errorf("cancel of unknown request = %+v, want not_found", cancel.Reply)
	}

	var resub TransferBody
	post(t, ts, "/v1/transfers/tasks/nope/resubmit", nil, &resub)
	if resub.Success {
		t.Error("resubmit of unknown task succeeded")
	}
}

func TestIntegrationCompress(t *testing.T) {
	_, ts := integrationServer(t)
	src := testPNG(t, 800, 600)

	tests := []struct {
		name       string
		body       map[string]any
		wantOK     bool
		wantWidth  int
		wantHeight int
		wantFormat string
	}{
		{"preset", map[string]any{"data": src, "preset": "thumbnail"}, true, 320, 320, "webp"},
		{"custom", map[string]any{"data": src, "custom": map[string]any{"id": "small", "maxWidth": 200, "format": "png", "fit": "inside"}}, true, 200, 150, "png"},
		{"crop", map[string]any{"data": src, "preset": "standard", "crop": map[string]any{"x": 0, "y": 0, "width": 100, "height": 50}}, true, 100, 50, "webp"},
		{"placeholder", map[string]any{"data": src, "placeholder": true}, true, 32, 24, "jpeg"},
		{"unknown preset", map[string]any{"data": src, "preset": "poster"}, false, 0, 0, ""},
		{"not an image", map[string]any{"data": []byte("plain text"), "preset": "thumbnail"}, false, 0, 0, ""},
		{"no preset", map[string]any{"data": src}, false, 0, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out CompressBody
			post(t, ts, "/v1/compress", tt.body, &out)
			if out.Success != tt.wantOK {
				t.Fatalf("success = %v (%s), want %v", out.Success, out.Error, tt.wantOK)
			}
			if !tt.wantOK {
				return
			}
			if out.Width != tt.wantWidth || out.Height != tt.wantHeight || string(out.Format) != tt.wantFormat {
				t.Errorf("got %dx%d %s, want %dx%d %s", out.Width, out.Height, out.Format, tt.wantWidth, tt.wantHeight, tt.wantFormat)
			}
			if out.Size != len(out.Data) || out.Size == 0 {
				t.Errorf("size = %d, data = %d bytes", out.Size, len(out.Data))
			}
		})
	}
}

func TestIntegrationPresets(t *testing.T) {
	_, ts := integrationServer(t)

	var body PresetsBody
	get(t, ts, "/v1/presets", &body)
	mustSucceed(t, "presets", body.Reply)
	ids := map[string]bool{}
	for _, p := range body.Presets {
		ids[p.ID] = true
	}
	for _, id := range []string{"thumbnail", "standard", "hd", "original-webp"} {
		if !ids[id] {
			t.Errorf("presets missing %s", id)
		}
	}
}
