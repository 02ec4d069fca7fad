package simulator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/visitor-chat/internal/domain"
)

const maxUploadSize = 10 << 20

type uploadTicket struct {
	ChatID     string
	PersonID   string
	PersonType string
	FileName   string
	FileSize   int64
	FileType   string
	Path       string
	Uploaded   bool
}

type uploadTokenRequest struct {
	ChatID     domain.ID `json:"chatId"`
	PersonID   domain.ID `json:"personId"`
	ClientID   domain.ID `json:"clientId"`
	PersonType string    `json:"personType"`
	FileName   string    `json:"fileName"`
	FileSize   int64     `json:"fileSize"`
	FileType   string    `json:"fileType"`
}

// RequestUploadToken issues a token and an upload URL for one file.
func (s *Server) RequestUploadToken(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "accountID") != s.cfg.AccountID {
		Error(w, http.StatusNotFound, "unknown account")
		return
	}
	var req uploadTokenRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" || req.PersonID == "" || req.FileName == "" || req.FileSize <= 0 {
		Error(w, http.StatusBadRequest, "chatId, personId, fileName and fileSize are required")
		return
	}
	if req.FileSize > maxUploadSize {
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	if _, err := s.chatKeyForID(r.Context(), req.ChatID.String()); err != nil {
		Error(w, http.StatusNotFound, "unknown chat")
		return
	}

	token := uuid.NewString()
	s.uploadMu.Lock()
	s.uploads[token] = &uploadTicket{
		ChatID:     req.ChatID.String(),
		PersonID:   req.PersonID.String(),
		PersonType: req.PersonType,
		FileName:   filepath.Base(req.FileName),
		FileSize:   req.FileSize,
		FileType:   req.FileType,
	}
	s.uploadMu.Unlock()

	s.logger.Info("Upload token issued", "token", token, "chat_id", req.ChatID, "file", req.FileName, "size", req.FileSize)
	JSON(w, http.StatusOK, map[string]string{
		"token":     token,
		"uploadUrl": requestBaseURL(r) + "/upload/" + token,
	})
}

// ReceiveUpload stores the multipart "file" part for a token.
func (s *Server) ReceiveUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ticket := s.ticket(token)
	if ticket == nil {
		Error(w, http.StatusNotFound, "unknown upload token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		Error(w, http.StatusBadRequest, "expected multipart body")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			Error(w, http.StatusBadRequest, "missing file part")
			return
		}
		if err != nil {
			Error(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		path, err := s.saveUpload(token, ticket.FileName, part)
		_ = part.Close()
		if err != nil {
			s.logger.Error("Failed to store upload", "token", token, "error", err)
			Error(w, http.StatusInternalServerError, "failed to store file")
			return
		}

		s.uploadMu.Lock()
		ticket.Path = path
		ticket.Uploaded = true
		s.uploadMu.Unlock()
		s.logger.Info("File uploaded", "token", token, "path", path)
		JSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
		return
	}
}

func (s *Server) saveUpload(token, name string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.cfg.UploadDir, token+"-"+name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

// RegisterUpload posts an uploaded file into its chat.
func (s *Server) RegisterUpload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ticket := s.ticket(token)
	if ticket == nil {
		Error(w, http.StatusNotFound, "unknown upload token")
		return
	}
	s.uploadMu.Lock()
	uploaded := ticket.Uploaded
	s.uploadMu.Unlock()
	if !uploaded {
		Error(w, http.StatusConflict, "file not uploaded")
		return
	}

	chatKey, err := s.chatKeyForID(r.Context(), ticket.ChatID)
	if err != nil {
		Error(w, http.StatusNotFound, "unknown chat")
		return
	}
	rec, err := s.updateChat(r.Context(), chatKey, func(rec *chatRecord) error {
		rec.LastMessageID++
		return nil
	})
	if err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}

	id := strconv.FormatInt(rec.LastMessageID, 10)
	s.hub.Push(chatKey, "addMessage", map[string]any{
		"MessageID": id,
		"PersonID":  ticket.PersonID,
		"Values": domain.Message{
			MessageID:  domain.ID(id),
			PersonID:   domain.ID(ticket.PersonID),
			PersonType: domain.PersonVisitor,
			Text:       "Sent a file: " + ticket.FileName,
			Created:    time.Now().UTC().Format(time.RFC3339),
		},
	})

	s.uploadMu.Lock()
	delete(s.uploads, token)
	s.uploadMu.Unlock()
	s.logger.Info("Upload registered", "token", token, "chat_key", chatKey, "file", ticket.FileName)
	JSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) ticket(token string) *uploadTicket {
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()
	return s.uploads[token]
}

func requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
