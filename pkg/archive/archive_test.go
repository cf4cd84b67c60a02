package archive

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func testArchiver(t *testing.T, handler http.Handler) (*Archiver, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)

	client := s3.New(s3.Options{
		Region:       "fsn1",
		BaseEndpoint: aws.String(server.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test-key", "test-secret", ""),
		HTTPClient: &http.Client{
			Transport: &http.Transport{},
		},
	})

	return newArchiver(client, Config{
		Bucket:      "artifacts",
		Prefix:      "mailstack",
		Environment: "production",
	}), server
}

func xmlResponse(w http.ResponseWriter, statusCode int, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)
	_, _ = w.Write([]byte(body))
}

func TestArchiver_Key(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		env    string
		want   string
	}{
		{name: "mailcow_mailcow.conf", prefix: "mailstack", env: "production", want: "mailstack/production/mailcow_mailcow.conf"},
		{name: "ntfy_server.yml", prefix: "", env: "staging", want: "staging/ntfy_server.yml"},
		{name: "ntfy_install.sh", prefix: "a/b/", env: "dev", want: "a/b/dev/ntfy_install.sh"},
	}

	for _, tt := range tests {
		a := newArchiver(nil, Config{Bucket: "b", Prefix: tt.prefix, Environment: tt.env})
		if got := a.Key(tt.name); got != tt.want {
			t.Errorf("Expected key %q, got %q", tt.want, got)
		}
	}
}

func TestArchiver_Archive(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  []byte
		gotCalls int
	)

	a, server := testArchiver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = body
		gotCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	content := []byte("MAILCOW_HOSTNAME=mail.example.com\n")
	if err := a.Archive(context.Background(), "mailcow_mailcow.conf", content); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotCalls != 1 {
		t.Errorf("Expected 1 request, got %d", gotCalls)
	}
	if gotPath != "/artifacts/mailstack/production/mailcow_mailcow.conf" {
		t.Errorf("Expected path /artifacts/mailstack/production/mailcow_mailcow.conf, got %s", gotPath)
	}
	if !bytes.Equal(gotBody, content) {
		t.Errorf("Expected body %q, got %q", content, gotBody)
	}
}

func TestArchiver_ArchiveErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		code    string
		wantErr string
	}{
		{name: "access denied", status: http.StatusForbidden, code: "AccessDenied", wantErr: "access denied writing mailstack/production/x.conf"},
		{name: "missing bucket", status: http.StatusNotFound, code: "NoSuchBucket", wantErr: "bucket artifacts does not exist"},
		{name: "server error", status: http.StatusBadRequest, code: "InvalidRequest", wantErr: "failed to put object mailstack/production/x.conf in bucket artifacts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, server := testArchiver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				xmlResponse(w, tt.status, `<?xml version="1.0" encoding="UTF-8"?>
<Error>
  <Code>`+tt.code+`</Code>
  <Message>rejected</Message>
</Error>`)
			}))
			defer server.Close()

			err := a.Archive(context.Background(), "x.conf", []byte("data"))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_RequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatal("Expected error for missing bucket, got nil")
	}
}

func TestNew_StaticCredentials(t *testing.T) {
	a, err := New(context.Background(), Config{
		Endpoint:    "http://127.0.0.1:9000",
		Region:      "us-east-1",
		Bucket:      "artifacts",
		AccessKey:   "ak",
		SecretKey:   "sk",
		Environment: "production",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.bucket != "artifacts" {
		t.Errorf("Expected bucket artifacts, got %s", a.bucket)
	}
}
