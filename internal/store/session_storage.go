package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ashureev/visitor-chat/internal/domain"
)

const storageTimeout = 5 * time.Second

// SessionStorage caches the messages and window state of one chat so a
// restarted client can rebuild the chat without a full history replay.
// Persistence failures are logged and never surface to callers. When the
// message cache is disabled the blob lives only in memory.
type SessionStorage struct {
	repo    Repository
	blob    *domain.SessionBlob
	enabled bool
	logger  *slog.Logger
}

// OpenSessionStorage loads the blob for chatKey, or starts an empty one.
// A blob that cannot be decoded is deleted.
func OpenSessionStorage(repo Repository, chatKey string, messageCache bool, logger *slog.Logger) *SessionStorage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SessionStorage{
		repo:    repo,
		enabled: messageCache && repo != nil,
		logger:  logger,
	}
	if s.enabled {
		ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
		defer cancel()
		blob, err := repo.LoadSession(ctx, chatKey)
		if err != nil {
			logger.Warn("Failed to parse session storage", "chat_key", chatKey, "error", err)
			if derr := repo.DeleteSession(ctx, chatKey); derr != nil {
				logger.Warn("Failed to remove session storage", "chat_key", chatKey, "error", derr)
			}
		} else if blob != nil && blob.ChatKey == chatKey {
			if blob.Messages == nil {
				blob.Messages = []domain.Message{}
			}
			s.blob = blob
		}
	}
	if s.blob == nil {
		s.blob = domain.NewSessionBlob(chatKey)
	}
	return s
}

// Enabled reports whether the blob is persisted.
func (s *SessionStorage) Enabled() bool { return s.enabled }

// ChatKey returns the chat key the storage belongs to.
func (s *SessionStorage) ChatKey() string { return s.blob.ChatKey }

func (s *SessionStorage) save() {
	s.blob.UpdatedAt = time.Now()
	if !s.enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := s.repo.SaveSession(ctx, s.blob); err != nil {
		s.logger.Warn("Failed to write session storage", "chat_key", s.blob.ChatKey, "error", err)
		return
	}
	s.logger.Debug("Wrote to session storage", "chat_key", s.blob.ChatKey)
}

// AddMessage stores m under id, replacing an earlier message with the same id.
func (s *SessionStorage) AddMessage(id domain.ID, m domain.Message) {
	m.MessageID = id
	s.blob.AddMessage(m)
	s.save()
}

// Messages returns the stored messages in arrival order.
func (s *SessionStorage) Messages() []domain.Message {
	out := make([]domain.Message, len(s.blob.Messages))
	copy(out, s.blob.Messages)
	return out
}

// LastMessageID returns the id of the last appended message.
func (s *SessionStorage) LastMessageID() domain.ID { return s.blob.LastMessageID }

// Minimized returns the stored minimized flag.
func (s *SessionStorage) Minimized() bool { return s.blob.Minimized }

// ChangeMinimizedStatus stores the minimized flag.
func (s *SessionStorage) ChangeMinimizedStatus(minimized bool) {
	s.blob.Minimized = minimized
	s.save()
}

// ChatParams returns the stored chat parameters.
func (s *SessionStorage) ChatParams() json.RawMessage { return s.blob.ChatParams }

// AddChatParams replaces the stored chat parameters.
func (s *SessionStorage) AddChatParams(data json.RawMessage) {
	s.blob.ChatParams = data
	s.save()
}

// VisitInfo returns the stored visitor information.
func (s *SessionStorage) VisitInfo() json.RawMessage { return s.blob.VisitInfo }

// AddVisitInfo replaces the stored visitor information.
func (s *SessionStorage) AddVisitInfo(data json.RawMessage) {
	s.blob.VisitInfo = data
	s.save()
}

// QueueIndicator returns the last queue position, or nil.
func (s *SessionStorage) QueueIndicator() *domain.QueueIndicator { return s.blob.QueueIndicator }

// SetQueueIndicator stores the queue position.
func (s *SessionStorage) SetQueueIndicator(q domain.QueueIndicator) {
	s.blob.QueueIndicator = &q
	s.save()
}

// Brandings returns the stored branding values.
func (s *SessionStorage) Brandings() json.RawMessage { return s.blob.Brandings }

// SetBrandings stores branding values.
func (s *SessionStorage) SetBrandings(b json.RawMessage) {
	s.blob.Brandings = b
	s.save()
}

// ChatWindowSettings returns the stored window settings.
func (s *SessionStorage) ChatWindowSettings() json.RawMessage { return s.blob.ChatWindowSettings }

// SetChatWindowSettings stores the window settings.
func (s *SessionStorage) SetChatWindowSettings(raw json.RawMessage) {
	s.blob.ChatWindowSettings = raw
	s.save()
}

// People returns the known people by id.
func (s *SessionStorage) People() map[domain.ID]domain.Person {
	out := make(map[domain.ID]domain.Person, len(s.blob.People))
	for k, v := range s.blob.People {
		out[k] = v
	}
	return out
}

// SetPerson stores or replaces one person.
func (s *SessionStorage) SetPerson(p domain.Person) {
	if s.blob.People == nil {
		s.blob.People = map[domain.ID]domain.Person{}
	}
	s.blob.People[p.PersonID] = p
	s.save()
}

// ClientData returns the stored client data.
func (s *SessionStorage) ClientData() domain.ClientData { return s.blob.ClientData }

// SetClientData merges a backend response into the stored client data.
func (s *SessionStorage) SetClientData(d domain.ClientData) {
	s.blob.ClientData.MergeResponse(d)
	s.save()
}

// UpdateClientData applies a partial update to the stored client data.
func (s *SessionStorage) UpdateClientData(u domain.ClientUpdate) {
	s.blob.ClientData.Apply(u)
	s.save()
}

// Delete removes the persisted blob. The in-memory copy is left intact.
func (s *SessionStorage) Delete() {
	if !s.enabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storageTimeout)
	defer cancel()
	if err := s.repo.DeleteSession(ctx, s.blob.ChatKey); err != nil {
		s.logger.Warn("Failed to delete session storage", "chat_key", s.blob.ChatKey, "error", err)
	}
}
