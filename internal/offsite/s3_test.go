package offsite

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

type fakePutter struct {
	objects map[string]string
	err     error
}

func (f *fakePutter) Upload(_ context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = string(b)
	return &manager.UploadOutput{}, nil
}

func TestUploader_Key(t *testing.T) {
	tests := []struct {
		prefix string
		rel    string
		want   string
	}{
		{"", "nightly/web/web_20240101_000000.tar.gz", "nightly/web/web_20240101_000000.tar.gz"},
		{"/backups/", "nightly/web/x.tar", "backups/nightly/web/x.tar"},
	}
	for _, tt := range tests {
		u := newUploader("bucket", tt.prefix, &fakePutter{}, zerolog.Nop())
		if got := u.Key(tt.rel); got != tt.want {
			t.Errorf("Key(%q) with prefix %q = %q, want %q", tt.rel, tt.prefix, got, tt.want)
		}
	}
}

func TestUploader_UploadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "web_20240101_000000.tar.gz")
	if err := os.WriteFile(file, []byte("archive"), 0644); err != nil {
		t.Fatal(err)
	}

	fp := &fakePutter{objects: map[string]string{}}
	u := newUploader("bucket", "offsite", fp, zerolog.Nop())

	res, err := u.Upload(context.Background(), file, "nightly/web/web_20240101_000000.tar.gz")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Objects != 1 || res.Bytes != 7 {
		t.Errorf("Upload() = %+v", res)
	}
	if res.Location != "s3://bucket/offsite/nightly/web/web_20240101_000000.tar.gz" {
		t.Errorf("Location = %q", res.Location)
	}
	if fp.objects["offsite/nightly/web/web_20240101_000000.tar.gz"] != "archive" {
		t.Errorf("objects = %v", fp.objects)
	}
}

func TestUploader_UploadFolder(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "web_20240101_000000")
	if err := os.MkdirAll(filepath.Join(root, "data"), 0755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(filepath.Join(root, "compose.yml"), []byte("services: {}"), 0644)
	_ = os.WriteFile(filepath.Join(root, "data", "db.sqlite"), []byte("x"), 0644)

	fp := &fakePutter{objects: map[string]string{}}
	u := newUploader("bucket", "", fp, zerolog.Nop())

	res, err := u.Upload(context.Background(), root, "nightly/web/web_20240101_000000")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Objects != 2 {
		t.Errorf("Objects = %d, want 2", res.Objects)
	}

	var keys []string
	for k := range fp.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	want := []string{
		"nightly/web/web_20240101_000000/compose.yml",
		"nightly/web/web_20240101_000000/data/db.sqlite",
	}
	if len(keys) != 2 || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("keys = %v, want %v", keys, want)
	}
}

func TestUploader_UploadError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "a.tar")
	_ = os.WriteFile(file, []byte("a"), 0644)

	u := newUploader("bucket", "", &fakePutter{err: errors.New("denied")}, zerolog.Nop())
	if _, err := u.Upload(context.Background(), file, "a.tar"); err == nil {
		t.Fatal("Upload() expected error")
	}
}
