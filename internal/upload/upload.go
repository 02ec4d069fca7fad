// Package upload sends chat attachments through the file upload service:
// a token is requested, the file is posted to the returned upload URL and
// the token is then registered with the chat.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/ashureev/visitor-chat/internal/domain"
	"github.com/ashureev/visitor-chat/internal/transport"
)

// State is the progress of a single file through the service.
type State string

// Upload states.
const (
	StateDefault           State = "Default"
	StateUploadInProgress  State = "UploadInProgress"
	StateUploaded          State = "Uploaded"
	StateSendingInProgress State = "SendingInProgress"
)

// PersonType identifies who is uploading.
type PersonType string

// Person types.
const (
	PersonVisitor  PersonType = "Visitor"
	PersonOperator PersonType = "Operator"
)

const (
	apiVersion    = "v1"
	filesEndpoint = "files"
)

var (
	// ErrUploadInProgress is returned when a step is started out of order.
	ErrUploadInProgress = errors.New("upload in progress")
	// ErrNoFile is returned when no file has been queued.
	ErrNoFile = errors.New("no file queued")
	// ErrMissingField is returned when a required identifier is empty.
	ErrMissingField = errors.New("missing required field")
)

var accountIDPattern = regexp.MustCompile(`(?i)/aid/(\d+)`)

// HostFor returns the upload host for a server set.
func HostFor(serverSet string) string {
	if transport.ServerSetHasDomain(serverSet) {
		return "https://upload" + serverSet
	}
	return "https://upload" + serverSet + ".boldchat.com"
}

// AccountIDFromWebSocketURL extracts the account id from a client
// WebSocketURL such as "wss://host/aid/123/ws".
func AccountIDFromWebSocketURL(u string) (string, error) {
	m := accountIDPattern.FindStringSubmatch(u)
	if m == nil {
		return "", fmt.Errorf("%w: account id in %q", ErrMissingField, u)
	}
	return m[1], nil
}

// File is an attachment to upload.
type File struct {
	Name        string
	Size        int64
	ContentType string
	Content     io.Reader
}

// User identifies the uploader.
type User struct {
	AccountID  string
	ClientID   string
	PersonID   string
	PersonType PersonType
}

// Service uploads one file at a time. It is safe for concurrent use, but
// steps must run in order: Initiate, Upload, Send.
type Service struct {
	host   string
	user   User
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	file      *File
	chatID    string
	token     domain.ID
	uploadURL string
	hasError  bool
}

// NewService creates a service posting to host.
func NewService(host string, user User, client *http.Client, logger *slog.Logger) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		host:   strings.TrimRight(host, "/"),
		user:   user,
		client: client,
		logger: logger.With("component", "upload"),
		state:  StateDefault,
	}
}

// State returns the current upload state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsFileUploaded reports whether the file is waiting to be sent.
func (s *Service) IsFileUploaded() bool { return s.State() == StateUploaded }

// IsSendingInProgress reports whether the token is being registered.
func (s *Service) IsSendingInProgress() bool { return s.State() == StateSendingInProgress }

// HasError reports whether the last step failed.
func (s *Service) HasError() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasError
}

// Queue sets the file to upload into chatID.
func (s *Service) Queue(f File, chatID string) error {
	if f.Name == "" || f.Content == nil {
		return fmt.Errorf("%w: file", ErrMissingField)
	}
	if chatID == "" {
		return fmt.Errorf("%w: chat id", ErrMissingField)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file = &f
	s.chatID = chatID
	return nil
}

// FileType classifies the queued file.
func (s *Service) FileType() FileType {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ""
	}
	return Classify(s.file.Name, s.file.ContentType)
}

func (s *Service) baseURL() string {
	aid := s.user.AccountID
	return fmt.Sprintf("%s/aid/%s/account-id/%s/%s/", s.host, aid, aid, apiVersion)
}

type tokenRequest struct {
	ChatID     string   `json:"chatId"`
	PersonID   string   `json:"personId"`
	ClientID   string   `json:"clientId,omitempty"`
	PersonType string   `json:"personType"`
	FileName   string   `json:"fileName"`
	FileSize   int64    `json:"fileSize"`
	FileType   FileType `json:"fileType"`
}

type tokenResponse struct {
	Token     domain.ID `json:"token"`
	UploadURL string    `json:"uploadUrl"`
}

// Initiate requests an upload token for the queued file.
func (s *Service) Initiate(ctx context.Context) error {
	s.mu.Lock()
	if s.file == nil || s.chatID == "" {
		s.mu.Unlock()
		return ErrNoFile
	}
	if s.user.AccountID == "" || s.user.PersonID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: account or person id", ErrMissingField)
	}
	if s.file.Size <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: file size", ErrMissingField)
	}
	if s.state != StateDefault {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	s.state = StateUploadInProgress
	req := tokenRequest{
		ChatID:     s.chatID,
		PersonID:   s.user.PersonID,
		ClientID:   s.user.ClientID,
		PersonType: strings.ToUpper(string(s.user.PersonType)),
		FileName:   s.file.Name,
		FileSize:   s.file.Size,
		FileType:   Classify(s.file.Name, s.file.ContentType),
	}
	s.mu.Unlock()

	var resp tokenResponse
	if err := s.sendJSON(ctx, http.MethodPost, filesEndpoint, req, &resp); err != nil {
		s.fail()
		return fmt.Errorf("request upload token: %w", err)
	}
	if resp.Token == "" || resp.UploadURL == "" {
		s.fail()
		return fmt.Errorf("request upload token: %w: token or upload url", ErrMissingField)
	}

	s.mu.Lock()
	s.token = resp.Token
	s.uploadURL = resp.UploadURL
	s.mu.Unlock()
	return nil
}

// Upload posts the file to the upload URL. progress, if set, receives the
// completed percentage each time it changes.
func (s *Service) Upload(ctx context.Context, progress func(percent int)) error {
	s.mu.Lock()
	if s.state != StateUploadInProgress || s.uploadURL == "" || s.file == nil {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	file := *s.file
	target := s.uploadURL
	s.mu.Unlock()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", file.Name)
		if err == nil {
			_, err = io.Copy(part, &progressReader{r: file.Content, total: file.Size, fn: progress})
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, pr)
	if err != nil {
		pr.Close()
		s.fail()
		return fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		s.fail()
		return fmt.Errorf("upload file: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		s.fail()
		return fmt.Errorf("upload file: status %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.state = StateUploaded
	s.mu.Unlock()
	return nil
}

// Send registers the uploaded file with the chat.
func (s *Service) Send(ctx context.Context) error {
	s.mu.Lock()
	if s.user.AccountID == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: account id", ErrMissingField)
	}
	if s.state != StateUploaded {
		s.mu.Unlock()
		return ErrUploadInProgress
	}
	s.state = StateSendingInProgress
	token := s.token
	s.mu.Unlock()

	if err := s.sendJSON(ctx, http.MethodPut, filesEndpoint+"/"+token.String(), nil, nil); err != nil {
		s.fail()
		return fmt.Errorf("register upload token: %w", err)
	}

	s.mu.Lock()
	s.file = nil
	s.state = StateDefault
	s.mu.Unlock()
	return nil
}

// Run performs all three steps.
func (s *Service) Run(ctx context.Context, progress func(percent int)) error {
	if err := s.Initiate(ctx); err != nil {
		return err
	}
	if err := s.Upload(ctx, progress); err != nil {
		return err
	}
	return s.Send(ctx)
}

func (s *Service) fail() {
	s.mu.Lock()
	s.state = StateDefault
	s.hasError = true
	s.mu.Unlock()
}

func (s *Service) sendJSON(ctx context.Context, method, apiMethod string, body, out any) error {
	// A null body still carries the JSON content type the service expects.
	payload := []byte("null")
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL()+apiMethod, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	last  int
	fn    func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && p.total > 0 && n > 0 {
		pct := int((p.done*100 + p.total/2) / p.total)
		if pct > 100 {
			pct = 100
		}
		if pct != p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}
