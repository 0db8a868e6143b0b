package uploads

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/neilotoole/slogt"

	"github.com/pawpal/messaging/chat"
)

var (
	pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	pdfBytes = []byte("%PDF-1.4\n%âãÏÓ\n1 0 obj\n<<>>\nendobj\n")
)

func TestPolicy_Check(t *testing.T) {
	tests := []struct {
		name      string
		mimeType  string
		size      int64
		wantCat   string
		wantField string
	}{
		{name: "Image", mimeType: "image/png", size: 1024, wantCat: "image"},
		{name: "ImageWithParams", mimeType: "IMAGE/JPEG; q=1", size: 1024, wantCat: "image"},
		{name: "Video", mimeType: "video/mp4", size: 50 * mb, wantCat: "video"},
		{name: "Document", mimeType: "application/pdf", size: 20 * mb, wantCat: "document"},
		{name: "ImageTooLarge", mimeType: "image/png", size: 10*mb + 1, wantField: "size_bytes"},
		{name: "Empty", mimeType: "image/png", size: 0, wantField: "size_bytes"},
		{name: "Executable", mimeType: "application/x-msdownload", size: 10, wantField: "mime_type"},
		{name: "Blank", mimeType: "", size: 10, wantField: "mime_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := DefaultPolicy.Check(tt.mimeType, tt.size)
			if tt.wantField != "" {
				var verr *chat.ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("Got error %v, want validation error", err)
				}
				if verr.Field != tt.wantField {
					t.Errorf("Got field %q, want %q", verr.Field, tt.wantField)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if cat.Name != tt.wantCat {
				t.Errorf("Got category %q, want %q", cat.Name, tt.wantCat)
			}
		})
	}
}

func newTestPresigner(t *testing.T) (*Presigner, *httptest.Server) {
	t.Helper()
	p := &Presigner{
		Dir:    t.TempDir(),
		Secret: []byte("test-secret"),
		Logger: slogt.New(t),
	}
	srv := httptest.NewServer(p.Handler())
	t.Cleanup(srv.Close)
	p.BaseURL = srv.URL
	return p, srv
}

func put(t *testing.T, url string, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestPresigner_upload(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPresigner(t)

	ticket, err := p.PresignUpload(ctx, UploadRequest{
		ThreadID:  "t1",
		UserID:    "alice",
		FileName:  "../../My Photo.png",
		SizeBytes: int64(len(pngBytes)),
		MimeType:  "image/png",
	})
	if err != nil {
		t.Fatalf("PresignUpload: %v", err)
	}
	if !strings.HasPrefix(ticket.Path, "threads/t1/alice/") || !strings.HasSuffix(ticket.Path, "/My_Photo.png") {
		t.Errorf("Got path %q", ticket.Path)
	}
	if ticket.Method != http.MethodPut {
		t.Errorf("Got method %q, want PUT", ticket.Method)
	}

	if _, err := p.Confirm(ctx, "t1", "alice", ticket.Path); !chat.IsValidation(err) {
		t.Errorf("Confirm before upload: got %v, want validation error", err)
	}

	if status := put(t, ticket.URL, pngBytes); status != http.StatusCreated {
		t.Fatalf("Got HTTP status %d, want 201", status)
	}
	if status := put(t, ticket.URL, pngBytes); status != http.StatusConflict {
		t.Errorf("Replay: got HTTP status %d, want 409", status)
	}

	ref, err := p.Confirm(ctx, "t1", "alice", ticket.Path)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	want := chat.AttachmentRef{
		Path:      ticket.Path,
		MimeType:  "image/png",
		SizeBytes: int64(len(pngBytes)),
		Confirmed: true,
	}
	if diff := cmp.Diff(want, ref); diff != "" {
		t.Errorf("Confirm mismatch (-want +got):\n%s", diff)
	}

	if _, err := p.Confirm(ctx, "t2", "alice", ticket.Path); !chat.IsValidation(err) {
		t.Errorf("Confirm in other thread: got %v, want validation error", err)
	}
	if _, err := p.Confirm(ctx, "t1", "bob", ticket.Path); !chat.IsValidation(err) {
		t.Errorf("Confirm by another user: got %v, want validation error", err)
	}
}

func TestPresigner_rejects(t *testing.T) {
	tests := []struct {
		name       string
		declared   string
		size       int64
		body       []byte
		signedAt   time.Time
		rewriteURL func(string) string
		wantStatus int
	}{
		{
			name:       "ContentMismatch",
			declared:   "image/png",
			size:       int64(len(pdfBytes)),
			body:       pdfBytes,
			wantStatus: http.StatusUnsupportedMediaType,
		},
		{
			name:       "LargerThanDeclared",
			declared:   "image/png",
			size:       16,
			body:       pngBytes,
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:       "Expired",
			declared:   "image/png",
			size:       int64(len(pngBytes)),
			body:       pngBytes,
			signedAt:   time.Now().Add(-time.Hour),
			wantStatus: http.StatusForbidden,
		},
		{
			name:     "OtherPath",
			declared: "image/png",
			size:     int64(len(pngBytes)),
			body:     pngBytes,
			rewriteURL: func(u string) string {
				return strings.Replace(u, "/photo.png", "/other.png", 1)
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name:     "MissingToken",
			declared: "image/png",
			size:     int64(len(pngBytes)),
			body:     pngBytes,
			rewriteURL: func(u string) string {
				base, _, _ := strings.Cut(u, "?")
				return base
			},
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPresigner(t)
			if !tt.signedAt.IsZero() {
				p.now = func() time.Time { return tt.signedAt }
			}
			ticket, err := p.PresignUpload(context.Background(), UploadRequest{
				ThreadID:  "t1",
				UserID:    "alice",
				FileName:  "photo.png",
				SizeBytes: tt.size,
				MimeType:  tt.declared,
			})
			if err != nil {
				t.Fatalf("PresignUpload: %v", err)
			}
			p.now = nil

			url := ticket.URL
			if tt.rewriteURL != nil {
				url = tt.rewriteURL(url)
			}
			if status := put(t, url, tt.body); status != tt.wantStatus {
				t.Errorf("Got HTTP status %d, want %d", status, tt.wantStatus)
			}
			if _, err := p.Confirm(context.Background(), "t1", "alice", ticket.Path); !chat.IsValidation(err) {
				t.Errorf("Confirm after rejected upload: got %v, want validation error", err)
			}
		})
	}
}

func TestPresigner_PresignUpload_invalid(t *testing.T) {
	p, _ := newTestPresigner(t)
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{name: "NoName", req: UploadRequest{ThreadID: "t1", SizeBytes: 10, MimeType: "image/png"}},
		{name: "BadType", req: UploadRequest{ThreadID: "t1", FileName: "x.exe", SizeBytes: 10, MimeType: "application/x-msdownload"}},
		{name: "TooLarge", req: UploadRequest{ThreadID: "t1", FileName: "x.mp4", SizeBytes: 101 * mb, MimeType: "video/mp4"}},
		{name: "NoUser", req: UploadRequest{ThreadID: "t1", FileName: "x.png", SizeBytes: 10, MimeType: "image/png"}},
		{name: "UserWithSlash", req: UploadRequest{ThreadID: "t1", UserID: "../bob", FileName: "x.png", SizeBytes: 10, MimeType: "image/png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PresignUpload(context.Background(), tt.req)
			if !chat.IsValidation(err) {
				t.Errorf("Got error %v, want validation error", err)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"photo.png":        "photo.png",
		"My Photo (1).jpg": "My_Photo__1_.jpg",
		"../../etc/passwd": "passwd",
		`C:\Users\a\b.pdf`: "b.pdf",
		".hidden":          "hidden",
		"...":              "file",
		"héllo.png":        "h_llo.png",
	}
	got := make(map[string]string, len(tests))
	for in := range tests {
		got[in] = sanitize(in)
	}
	if diff := cmp.Diff(tests, got); diff != "" {
		t.Errorf("sanitize mismatch (-want +got):\n%s", diff)
	}
}
