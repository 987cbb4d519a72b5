package objectstore_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/apifactory/adapters/envsource"
	"github.com/artpar/apifactory/adapters/objectstore"
	"github.com/artpar/apifactory/core/failure"
)

// fakeS3 serves path-style object requests for a single bucket.
type fakeS3 struct {
	bucket string
	mu     sync.Mutex
	data   map[string][]byte
	types  map[string]string
}

func newFakeS3(t *testing.T, bucket string) *httptest.Server {
	t.Helper()
	f := &fakeS3{bucket: bucket, data: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest, ok := strings.CutPrefix(r.URL.Path, "/"+f.bucket)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(rest, "/")
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	switch {
	case key == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		var keys []string
		for k := range f.data {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><KeyCount>%d</KeyCount><IsTruncated>false</IsTruncated>", f.bucket, len(keys))
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>%s</LastModified></Contents>",
				k, len(f.data[k]), modified.Format("2006-01-02T15:04:05.000Z"))
		}
		b.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, b.String())
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.data[key] = body
		f.types[key] = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		body, ok := f.data[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", f.types[key])
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(body)
		}
	case r.Method == http.MethodDelete:
		delete(f.data, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newBucket(t *testing.T) *objectstore.Bucket {
	t.Helper()
	srv := newFakeS3(t, "tasks")
	b, err := objectstore.New(context.Background(), objectstore.Options{
		Bucket:          "tasks",
		Region:          "eu-west-1",
		AccessKeyID:     "AKIDEXAMPLE",
		AccessKeySecret: "secret",
		Endpoint:        srv.URL,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return b
}

func TestOptionsFromEnv(t *testing.T) {
	env := envsource.FromMap(map[string]string{
		"MAIN_S3_BUCKET":            "tasks",
		"MAIN_S3_REGION":            "eu-west-1",
		"MAIN_S3_ACCESS_KEY_ID":     "id",
		"MAIN_S3_ACCESS_KEY_SECRET": "secret",
		"MAIN_S3_ENDPOINT":          "http://minio:9000",
		"AUDIT_LOG_S3_BUCKET":       "audit",
	})

	got := objectstore.OptionsFromEnv(env)
	if len(got) != 2 {
		t.Fatalf("OptionsFromEnv() = %v, want 2 buckets", got)
	}
	want := objectstore.Options{
		Bucket:          "tasks",
		Region:          "eu-west-1",
		AccessKeyID:     "id",
		AccessKeySecret: "secret",
		Endpoint:        "http://minio:9000",
	}
	if got["main"] != want {
		t.Errorf("main = %+v, want %+v", got["main"], want)
	}
	if got["auditLog"].Bucket != "audit" || got["auditLog"].Region != "" {
		t.Errorf("auditLog = %+v", got["auditLog"])
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	ctx := context.Background()
	tests := []objectstore.Options{
		{},
		{Bucket: "tasks", AccessKeyID: "id"},
		{Bucket: "tasks", AccessKeySecret: "secret"},
	}
	for _, o := range tests {
		if _, err := objectstore.New(ctx, o); !errors.Is(err, failure.ErrConfiguration) {
			t.Errorf("New(%+v) error = %v, want ErrConfiguration", o, err)
		}
	}
}

func TestBucket_RoundTrip(t *testing.T) {
	b := newBucket(t)
	ctx := context.Background()

	if err := b.Put(ctx, "reports/a.txt", strings.NewReader("alpha"), "text/plain"); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	// io.Reader without Seek
	if err := b.Put(ctx, "reports/b.txt", io.MultiReader(strings.NewReader("be"), strings.NewReader("ta")), ""); err != nil {
		t.Fatalf("Put(unseekable) error = %v", err)
	}

	body, info, err := b.Get(ctx, "reports/a.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "alpha" {
		t.Errorf("body = %q, want alpha", data)
	}
	if info.Size != 5 || info.ContentType != "text/plain" || info.Key != "reports/a.txt" {
		t.Errorf("info = %+v", info)
	}
	if info.LastModified.IsZero() {
		t.Error("LastModified is zero")
	}

	if ok, err := b.Exists(ctx, "reports/b.txt"); err != nil || !ok {
		t.Errorf("Exists(b) = %v, %v, want true", ok, err)
	}
	if ok, err := b.Exists(ctx, "missing"); err != nil || ok {
		t.Errorf("Exists(missing) = %v, %v, want false, nil", ok, err)
	}

	list, err := b.List(ctx, "reports/", 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Key != "reports/a.txt" || list[1].Size != 4 {
		t.Errorf("List() = %+v", list)
	}
	if list, _ := b.List(ctx, "reports/", 1); len(list) != 1 {
		t.Errorf("List(limit 1) = %d items, want 1", len(list))
	}

	if err := b.Delete(ctx, "reports/a.txt"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if ok, _ := b.Exists(ctx, "reports/a.txt"); ok {
		t.Error("Exists() after Delete = true")
	}
}

func TestBucket_URL(t *testing.T) {
	b := newBucket(t)

	u, err := b.URL(context.Background(), "reports/a.txt", 15*time.Minute)
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	for _, part := range []string{"/tasks/reports/a.txt", "X-Amz-Expires=900", "X-Amz-Signature="} {
		if !strings.Contains(u, part) {
			t.Errorf("URL() = %q, missing %q", u, part)
		}
	}
}

func TestBuckets_Named(t *testing.T) {
	buckets, err := objectstore.Open(context.Background(), map[string]objectstore.Options{
		"main": {Bucket: "tasks", AccessKeyID: "id", AccessKeySecret: "secret"},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := buckets.Bucket("main"); err != nil {
		t.Errorf("Bucket(main) error = %v", err)
	}
	if _, err := buckets.Bucket("other"); err == nil {
		t.Error("Bucket(other) error = nil")
	}
}
