package s3store_test

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/devecho/pkg/kb"
	"github.com/MrWong99/devecho/pkg/kb/s3store"
)

// fakeS3 is a path-style S3 stub holding one bucket in memory.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	lists   []string // raw query of each ListObjectsV2 call
}

type listResult struct {
	XMLName               xml.Name      `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name                  string        `xml:"Name"`
	Prefix                string        `xml:"Prefix"`
	KeyCount              int           `xml:"KeyCount"`
	MaxKeys               int           `xml:"MaxKeys"`
	IsTruncated           bool          `xml:"IsTruncated"`
	Contents              []listContent `xml:"Contents"`
	NextContinuationToken string        `xml:"NextContinuationToken,omitempty"`
}

type listContent struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

var stubModified = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
		f.list(w, r)
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			if r.Method == http.MethodGet {
				w.Header().Set("Content-Type", "application/xml")
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("ETag", `"`+kb.ETag(body)+`"`)
		w.Header().Set("Last-Modified", stubModified.Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", `"`+kb.ETag(body)+`"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// list pages through the sorted keys; the continuation token is the index
// of the next key.
func (f *fakeS3) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.lists = append(f.lists, r.URL.RawQuery)
	prefix := q.Get("prefix")
	maxKeys, _ := strconv.Atoi(q.Get("max-keys"))
	if maxKeys == 0 {
		maxKeys = 1000
	}
	start := 0
	if tok := q.Get("continuation-token"); tok != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(tok, "tok-"))
		if err != nil {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InvalidArgument</Code><Message>The continuation token provided is incorrect</Message></Error>`)
			return
		}
		start = n
	}

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	end := min(start+maxKeys, len(keys))

	res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: maxKeys, KeyCount: end - start}
	for _, k := range keys[start:end] {
		res.Contents = append(res.Contents, listContent{
			Key:          k,
			LastModified: stubModified.Format("2006-01-02T15:04:05.000Z"),
			ETag:         `"` + kb.ETag(f.objects[k]) + `"`,
			Size:         int64(len(f.objects[k])),
			StorageClass: "STANDARD",
		})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.NextContinuationToken = fmt.Sprintf("tok-%d", end)
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = io.WriteString(w, xml.Header)
	_ = xml.NewEncoder(w).Encode(res)
}

func newStore(t *testing.T) (*s3store.Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "team-notes", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := s3store.New(s3store.Config{
		Bucket:          "team-notes",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
		HTTPClient:      srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s, fake
}

func TestNew_RequiresBucket(t *testing.T) {
	t.Parallel()
	if _, err := s3store.New(s3store.Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestList_Pagination(t *testing.T) {
	t.Parallel()
	s, fake := newStore(t)
	for i := range 45 {
		fake.objects[fmt.Sprintf("kb-documents/doc-%02d.md", i)] = []byte("body")
	}
	fake.objects["kb-documents/image.png"] = []byte("png")
	fake.objects["elsewhere/other.md"] = []byte("outside prefix")
	ctx := context.Background()

	var sizes []int
	seen := map[string]bool{}
	token := ""
	for {
		page, err := s.List(ctx, token, 20)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		sizes = append(sizes, len(page.Documents))
		for _, d := range page.Documents {
			if seen[d.Name] {
				t.Errorf("duplicate %q", d.Name)
			}
			seen[d.Name] = true
			if d.Key != "kb-documents/"+d.Name || d.SizeBytes != 4 || d.ETag != kb.ETag([]byte("body")) || !d.LastModified.Equal(stubModified) {
				t.Errorf("document = %+v", d)
			}
		}
		if !page.HasMore() {
			break
		}
		token = page.NextToken
	}
	// 46 keys under the prefix, the png is filtered out.
	if fmt.Sprint(sizes) != "[20 20 5]" {
		t.Errorf("page sizes = %v, want [20 20 5]", sizes)
	}
	if len(seen) != 45 {
		t.Errorf("saw %d documents", len(seen))
	}
	if q := fake.lists[0]; !strings.Contains(q, "max-keys=20") || !strings.Contains(q, "prefix=kb-documents%2F") {
		t.Errorf("first list query = %q", q)
	}
}

func TestList_InvalidToken(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	if _, err := s.List(context.Background(), "garbage", 5); !errors.Is(err, kb.ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestCRUD(t *testing.T) {
	t.Parallel()
	s, fake := newStore(t)
	ctx := context.Background()

	doc, err := s.Add(ctx, "adr-001", []byte("# Use S3"))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if doc.Name != "adr-001.md" || doc.SizeBytes != 8 || doc.ETag != kb.ETag([]byte("# Use S3")) {
		t.Errorf("Add doc = %+v", doc)
	}
	if string(fake.objects["kb-documents/adr-001.md"]) != "# Use S3" {
		t.Errorf("stored objects = %v", fake.objects)
	}

	if _, err := s.Add(ctx, "adr-001.md", []byte("dup")); !errors.Is(err, kb.ErrExists) {
		t.Errorf("duplicate Add err = %v, want ErrExists", err)
	}
	if _, err := s.Update(ctx, "missing.md", []byte("x")); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("Update missing err = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, "adr-001.md", []byte("# Use S3, v2")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	_, content, err := s.Get(ctx, "adr-001.md")
	if err != nil || string(content) != "# Use S3, v2" {
		t.Errorf("Get = %q, %v", content, err)
	}
	if _, _, err := s.Get(ctx, "nope.md"); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("Get missing err = %v, want ErrNotFound", err)
	}

	if err := s.Remove(ctx, "adr-001.md"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(ctx, "adr-001.md"); !errors.Is(err, kb.ErrNotFound) {
		t.Errorf("second Remove err = %v, want ErrNotFound", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
