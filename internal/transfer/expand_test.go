package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bucketdesk/bucketdesk/internal/compress"
)

func TestExpandUploadKinds(t *testing.T) {
	reg, _ := compress.NewRegistry()
	img := pngImage(t, 2000, 1000)

	tests := []struct {
		name  string
		req   UploadRequest
		wants []string
	}{
		{
			name:  "presets only",
			req:   UploadRequest{Files: []SourceFile{{Name: "cat.png", Data: img}}, Presets: []string{"standard", "hd"}},
			wants: []string{"cat_standard_1280x640.webp", "cat_hd_1920x960.jpg"},
		},
		{
			name: "keep original and blur",
			req: UploadRequest{
				Files: []SourceFile{{Name: "cat.png", Data: img}}, Presets: []string{"thumbnail"},
				KeepOriginal: true, GenerateBlurPlaceholder: true,
			},
			wants: []string{"cat_original_2000x1000.png", "cat_thumbnail_320x320.webp", "cat_blur_32x16.jpg"},
		},
		{
			name:  "non-image ignores presets",
			req:   UploadRequest{Prefix: "docs", Files: []SourceFile{{Name: "notes.txt", Data: []byte("plain")}}, Presets: []string{"hd"}},
			wants: []string{"docs/notes.txt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Provider = testProvider
			tt.req.Bucket = "b"
			plan, err := expandUpload(tt.req, reg)
			if err != nil {
				t.Fatalf("expandUpload: %v", err)
			}
			if len(plan) != len(tt.wants) {
				t.Fatalf("got %d tasks, want %d", len(plan), len(tt.wants))
			}
			for i, p := range plan {
				if p.task.Destination != tt.wants[i] {
					t.Errorf("task %d destination = %q, want %q", i, p.task.Destination, tt.wants[i])
				}
				if p.task.Status != StatusPending || p.err != nil {
					t.Errorf("task %d = %s, %v", i, p.task.Status, p.err)
				}
			}
		})
	}
}

func TestProbeStreamsNonImages(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "big.csv")
	if err := os.WriteFile(doc, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	data, size, mt, err := probe(SourceFile{Path: doc})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if data != nil || size != 8 || isRaster(mt) {
		t.Errorf("probe = %d bytes, size %d, %s", len(data), size, mt)
	}

	pic := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(pic, pngImage(t, 3, 3), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _, mt, err = probe(SourceFile{Path: pic})
	if err != nil || data == nil || !mt.Is("image/png") {
		t.Errorf("probe(png) = %d bytes, %v, %v", len(data), mt, err)
	}

	if _, _, _, err := probe(SourceFile{Path: dir}); err == nil {
		t.Error("probe(directory) succeeded")
	}
}

func TestExpandDownloadNames(t *testing.T) {
	plan, err := expandDownload(DownloadRequest{
		Provider:  testProvider,
		Bucket:    "b",
		Keys:      []string{"x/a.txt", "y/a.txt", "z/a.txt", "/b"},
		Directory: "/tmp/out",
	})
	if err != nil {
		t.Fatalf("expandDownload: %v", err)
	}
	want := []string{"/tmp/out/a.txt", "/tmp/out/a_1.txt", "/tmp/out/a_2.txt", "/tmp/out/b"}
	for i, p := range plan {
		if p.task.Destination != filepath.FromSlash(want[i]) {
			t.Errorf("task %d destination = %q, want %q", i, p.task.Destination, want[i])
		}
	}
	if plan[3].task.Source != "b" {
		t.Errorf("source = %q, want normalized key b", plan[3].task.Source)
	}

	if _, err := expandDownload(DownloadRequest{Provider: testProvider, Bucket: "b", Keys: []string{"dir/"}, Directory: "/tmp"}); err == nil {
		t.Error("folder key accepted")
	}
	if _, err := expandDownload(DownloadRequest{Provider: testProvider, Bucket: "b", Keys: []string{"a"}}); err == nil {
		t.Error("missing directory accepted")
	}
}

func TestMatchesSource(t *testing.T) {
	task := Task{Source: "/home/me/pics/dog.jpg", SourceName: "dog.jpg"}
	tests := []struct {
		ref  string
		want bool
	}{
		{"/home/me/pics/dog.jpg", true},
		{"./pics/dog.jpg", true},
		{`C:\pics\dog.jpg`, true},
		{"dog.jpeg", false},
		{"pics/cat.jpg", false},
	}
	for _, tt := range tests {
		if got := matchesSource(tt.ref, task); got != tt.want {
			t.Errorf("matchesSource(%q) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestPreferredTask(t *testing.T) {
	tasks := []Task{
		{ID: "orig", Direction: DirectionUpload, Source: "a.png", SourceName: "a.png", Kind: KindOriginal, Status: StatusCompleted},
		{ID: "thumb", Direction: DirectionUpload, Source: "a.png", SourceName: "a.png", Kind: KindCompressed, PresetID: "thumbnail", Status: StatusCompleted},
		{ID: "hd", Direction: DirectionUpload, Source: "a.png", SourceName: "a.png", Kind: KindCompressed, PresetID: "hd", Status: StatusError},
		{ID: "blur", Direction: DirectionUpload, Source: "a.png", SourceName: "a.png", Kind: KindBlur, Status: StatusCompleted},
	}
	tests := []struct {
		name    string
		presets []string
		want    string
	}{
		{"first preset wins", []string{"thumbnail", "hd"}, "thumb"},
		{"failed preset skipped", []string{"hd", "thumbnail"}, "thumb"},
		{"no presets", nil, "orig"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := preferredTask("img/a.png", tasks, tt.presets)
			if !ok || got.ID != tt.want {
				t.Errorf("preferredTask = %q, %v; want %q", got.ID, ok, tt.want)
			}
		})
	}
	if _, ok := preferredTask("b.png", tasks, nil); ok {
		t.Error("unrelated reference matched")
	}
}
