package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pawpal/messaging/chat"
)

// DefaultTTL is how long a pre-signed URL stays valid.
const DefaultTTL = 15 * time.Minute

// An UploadRequest asks for permission to upload one file to a thread.
type UploadRequest struct {
	ThreadID  string
	UserID    string
	FileName  string
	SizeBytes int64
	MimeType  string
}

// A Ticket is a pre-signed upload: PUT the bytes to URL before ExpiresAt, then
// send the message with Path as an attachment.
type Ticket struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	MaxBytes  int64     `json:"max_bytes"`
	ExpiresAt time.Time `json:"expires_at"`
}

type uploadClaims struct {
	Path     string `json:"path"`
	MimeType string `json:"mime"`
	MaxBytes int64  `json:"max"`
	jwt.RegisteredClaims
}

// Presigner issues pre-signed upload URLs and stores the uploaded bytes
// under Dir.
type Presigner struct {
	Dir     string
	BaseURL string
	Secret  []byte
	TTL     time.Duration
	Policy  Policy
	Logger  *slog.Logger

	now func() time.Time
}

func (p *Presigner) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Presigner) policy() Policy {
	if len(p.Policy) > 0 {
		return p.Policy
	}
	return DefaultPolicy
}

// PresignUpload validates the request against the policy and returns a
// ticket for a fresh storage path under the uploader's directory of the
// thread.
func (p *Presigner) PresignUpload(_ context.Context, req UploadRequest) (Ticket, error) {
	if req.FileName == "" {
		return Ticket{}, chat.Invalid("file_name", "is required")
	}
	if !validSegment(req.UserID) {
		return Ticket{}, chat.Invalid("user_id", "%q cannot own an upload", req.UserID)
	}
	if _, err := p.policy().Check(req.MimeType, req.SizeBytes); err != nil {
		return Ticket{}, err
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := p.clock()
	expires := now.Add(ttl)
	storagePath := path.Join(uploadDir(req.ThreadID, req.UserID), uuid.NewString(), sanitize(req.FileName))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, uploadClaims{
		Path:     storagePath,
		MimeType: req.MimeType,
		MaxBytes: req.SizeBytes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(p.Secret)
	if err != nil {
		return Ticket{}, fmt.Errorf("sign upload token: %w", err)
	}

	return Ticket{
		URL:       strings.TrimSuffix(p.BaseURL, "/") + "/uploads/" + storagePath + "?token=" + url.QueryEscape(signed),
		Method:    http.MethodPut,
		Path:      storagePath,
		MaxBytes:  req.SizeBytes,
		ExpiresAt: expires,
	}, nil
}

// Confirm checks that userID uploaded storagePath into the thread and that the
// bytes have been received, and returns the attachment reference to record.
func (p *Presigner) Confirm(_ context.Context, threadID, userID, storagePath string) (chat.AttachmentRef, error) {
	if !validSegment(userID) || !strings.HasPrefix(storagePath, uploadDir(threadID, userID)+"/") {
		return chat.AttachmentRef{}, chat.Invalid("attachments", "upload %q was not made by this user in this thread", storagePath)
	}
	full, err := p.localPath(storagePath)
	if err != nil {
		return chat.AttachmentRef{}, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, os.ErrNotExist) {
		return chat.AttachmentRef{}, chat.Invalid("attachments", "upload %q has not been received", storagePath)
	}
	if err != nil {
		return chat.AttachmentRef{}, fmt.Errorf("stat upload: %w", err)
	}
	mt, err := mimetype.DetectFile(full)
	if err != nil {
		return chat.AttachmentRef{}, fmt.Errorf("detect mime type: %w", err)
	}
	if _, err := p.policy().Check(mt.String(), info.Size()); err != nil {
		return chat.AttachmentRef{}, err
	}
	return chat.AttachmentRef{
		Path:      storagePath,
		MimeType:  baseMime(mt.String()),
		SizeBytes: info.Size(),
		Confirmed: true,
	}, nil
}

// Handler returns the handler receiving uploads at PUT /uploads/{path...}.
func (p *Presigner) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /uploads/{path...}", p.receive)
	return mux
}

func (p *Presigner) receive(w http.ResponseWriter, r *http.Request) {
	storagePath := r.PathValue("path")
	claims := &uploadClaims{}
	_, err := jwt.ParseWithClaims(r.URL.Query().Get("token"), claims,
		func(*jwt.Token) (any, error) { return p.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.Path != storagePath {
		p.Logger.Info("Rejected upload", "path", storagePath, "error", fmt.Sprint(err))
		http.Error(w, "invalid or expired upload token", http.StatusForbidden)
		return
	}

	full, err := p.localPath(storagePath)
	if err != nil {
		http.Error(w, "invalid upload path", http.StatusBadRequest)
		return
	}
	if _, err := os.Stat(full); err == nil {
		http.Error(w, "upload already received", http.StatusConflict)
		return
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		p.Logger.Error("Could not create upload directory", "error", err.Error())
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		p.Logger.Error("Could not create upload file", "error", err.Error())
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(tmp.Name())

	body := http.MaxBytesReader(w, r.Body, claims.MaxBytes)
	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, "upload larger than declared", http.StatusRequestEntityTooLarge)
		return
	}
	if err != nil {
		p.Logger.Error("Could not receive upload", "path", storagePath, "error", err.Error())
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}

	mt, err := mimetype.DetectFile(tmp.Name())
	if err != nil {
		http.Error(w, "could not inspect upload", http.StatusInternalServerError)
		return
	}
	declared, _ := p.policy().Category(claims.MimeType)
	actual, ok := p.policy().Category(mt.String())
	if !ok || actual.Name != declared.Name {
		http.Error(w, fmt.Sprintf("content is %s, declared %s", baseMime(mt.String()), claims.MimeType), http.StatusUnsupportedMediaType)
		return
	}

	if err := os.Rename(tmp.Name(), full); err != nil {
		p.Logger.Error("Could not store upload", "path", storagePath, "error", err.Error())
		http.Error(w, "could not store upload", http.StatusInternalServerError)
		return
	}
	p.Logger.Info("Upload received", "path", storagePath, "bytes", n, "mime_type", mt.String())
	w.WriteHeader(http.StatusCreated)
}

func (p *Presigner) localPath(storagePath string) (string, error) {
	clean := path.Clean("/" + storagePath)
	if clean == "/" || clean != "/"+storagePath {
		return "", chat.Invalid("path", "%q is not a valid upload path", storagePath)
	}
	return filepath.Join(p.Dir, filepath.FromSlash(clean)), nil
}

func uploadDir(threadID, userID string) string {
	return path.Join("threads", threadID, userID)
}

// validSegment reports whether id can be used as one path element as is.
func validSegment(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\\")
}

func sanitize(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	s := strings.TrimLeft(b.String(), ".")
	if s == "" {
		return "file"
	}
	return s
}

func baseMime(s string) string {
	base, _, _ := strings.Cut(s, ";")
	return base
}
