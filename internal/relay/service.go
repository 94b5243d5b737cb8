package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"tutorgo/internal/blob"
	"tutorgo/internal/dispatch"
	"tutorgo/internal/models"
	"tutorgo/internal/realtime"
	"tutorgo/internal/service/tutor"
	"tutorgo/internal/worker"
)

// HistoryWindow bounds how much conversation history is sent downstream.
const HistoryWindow = 10

const (
	defaultConversationTitle   = "New Chat Session"
	defaultConversationSubject = "General"
)

// FilePayload is an inbound base64-encoded file attachment.
type FilePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Data string `json:"data"`
}

// AudioPayload is an inbound base64-encoded audio clip.
type AudioPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// Request is one inbound chat message.
type Request struct {
	UserID         string             `json:"user_id"`
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content"`
	MessageType    models.MessageType `json:"message_type"`
	File           *FilePayload       `json:"file"`
	Audio          *AudioPayload      `json:"audio"`
}

// ResponseBody is the resolved AI reply returned to the caller.
type ResponseBody struct {
	Content     string             `json:"content,omitempty"`
	MessageType models.MessageType `json:"message_type"`
	FileURL     *string            `json:"file_url"`
	FileType    *string            `json:"file_type"`
	AudioURL    *string            `json:"audio_url,omitempty"`
}

// Rewards reports the amounts actually applied, zero when absent.
type Rewards struct {
	XPAwarded    int64 `json:"xp_awarded"`
	CoinsAwarded int64 `json:"coins_awarded"`
}

// Result is the relay's success response.
type Result struct {
	Success        bool         `json:"success"`
	ConversationID string       `json:"conversation_id"`
	UserMessageID  string       `json:"user_message_id"`
	AIMessageID    string       `json:"ai_message_id"`
	Response       ResponseBody `json:"response"`
	Rewards        Rewards      `json:"rewards"`
}

// Service orchestrates one chat turn: persist the user message, assemble
// context, dispatch to the webhook, materialize the reply, apply rewards.
// The proxy variant reuses the same service with persistence and rewards
// disabled via Forward.
type Service struct {
	store   *tutor.Service
	blobs   *blob.Store
	hook    *dispatch.Client
	hub     *realtime.Hub
	limiter *worker.Limiter
}

// NewService wires the relay pipeline. hub may be nil when no realtime
// fan-out is wanted.
func NewService(store *tutor.Service, blobs *blob.Store, hook *dispatch.Client, hub *realtime.Hub, limiter *worker.Limiter) *Service {
	return &Service{
		store:   store,
		blobs:   blobs,
		hook:    hook,
		hub:     hub,
		limiter: limiter,
	}
}

// Send runs the full relay pipeline for one inbound message.
func (s *Service) Send(ctx context.Context, req Request) (*Result, error) {
	if req.UserID == "" {
		return nil, newError(KindValidation, "user_id is required", nil)
	}
	if req.MessageType == "" {
		req.MessageType = models.MessageText
	}
	if !req.MessageType.Valid() {
		return nil, newError(KindValidation, fmt.Sprintf("unknown message_type %q", req.MessageType), nil)
	}

	conv, err := s.ensureConversation(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	logger := log.WithFields(log.Fields{
		"user_id":         req.UserID,
		"conversation_id": conv.ID,
	})

	fileURL, fileType, fileSize, err := s.storeAttachment(ctx, req)
	if err != nil {
		return nil, err
	}

	userMsg, err := s.store.AddMessage(ctx, models.Message{
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Sender:         models.SenderUser,
		Content:        req.Content,
		MessageType:    req.MessageType,
		FileURL:        fileURL,
		FileType:       fileType,
		FileSize:       fileSize,
	})
	if err != nil {
		return nil, newError(KindUpstream, "save user message failed", err)
	}
	s.broadcast(userMsg)

	payload, err := s.assembleContext(ctx, req, conv.ID, fileURL, fileType)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Acquire(); err != nil {
		return nil, newError(KindBusy, "server is busy, please retry", err)
	}
	defer s.limiter.Release()

	reply, err := s.hook.Send(ctx, *payload)
	if err != nil {
		// The user message is already committed; there is no compensating
		// rollback, so flag the orphan distinctly from a full failure.
		logger.WithError(err).WithField("user_message_id", userMsg.ID).Error("dispatch failed, orphaned user message")
		return nil, newError(KindDispatch, "webhook dispatch failed", err)
	}

	aiMsg, aiBody, err := s.materialize(ctx, req.UserID, conv.ID, reply)
	if err != nil {
		logger.WithError(err).WithField("user_message_id", userMsg.ID).Error("materialize failed, orphaned user message")
		return nil, err
	}
	s.broadcast(aiMsg)

	if err := s.store.ApplyRewards(ctx, req.UserID, userMsg.ID, reply.XPAwarded, reply.CoinsAwarded); err != nil {
		logger.WithError(err).Error("reward application failed after AI message commit")
		return nil, newError(KindUpstream, "apply rewards failed", err)
	}

	return &Result{
		Success:        true,
		ConversationID: conv.ID,
		UserMessageID:  userMsg.ID,
		AIMessageID:    aiMsg.ID,
		Response:       *aiBody,
		Rewards: Rewards{
			XPAwarded:    reply.XPAwarded,
			CoinsAwarded: reply.CoinsAwarded,
		},
	}, nil
}

// Forward is the passthrough proxy mode: no persistence, no rewards.
func (s *Service) Forward(ctx context.Context, userID, message string) (json.RawMessage, error) {
	if message == "" {
		return nil, newError(KindValidation, "Message is required", nil)
	}
	if err := s.limiter.Acquire(); err != nil {
		return nil, newError(KindBusy, "server is busy, please retry", err)
	}
	defer s.limiter.Release()

	raw, err := s.hook.Forward(ctx, userID, message)
	if err != nil {
		return nil, newError(KindDispatch, "webhook dispatch failed", err)
	}
	return raw, nil
}

func (s *Service) ensureConversation(ctx context.Context, userID, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		conv, err := s.store.CreateConversation(ctx, userID, defaultConversationTitle, defaultConversationSubject)
		if err != nil {
			return nil, newError(KindUpstream, "create conversation failed", err)
		}
		return conv, nil
	}
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(KindNotFound, "conversation not found", err)
		}
		return nil, newError(KindUpstream, "load conversation failed", err)
	}
	return conv, nil
}

// storeAttachment decodes and uploads the inbound file or audio payload.
// Failure aborts the request before the message row is written.
func (s *Service) storeAttachment(ctx context.Context, req Request) (*string, *string, *int64, error) {
	var (
		name        string
		contentType string
		encoded     string
	)
	switch {
	case req.File != nil:
		name = req.File.Name
		contentType = req.File.Type
		encoded = req.File.Data
	case req.Audio != nil:
		if req.Audio.Format == "" {
			return nil, nil, nil, newError(KindValidation, "audio format is required", nil)
		}
		name = "audio." + req.Audio.Format
		contentType = "audio/" + req.Audio.Format
		encoded = req.Audio.Data
	default:
		return nil, nil, nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, nil, newError(KindValidation, "attachment payload is not valid base64", err)
	}
	obj, err := s.blobs.Put(req.UserID, name, data, contentType)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return nil, nil, nil, newError(KindValidation, "attachment too large", err)
		}
		if errors.Is(err, blob.ErrInvalidUserID) {
			return nil, nil, nil, newError(KindValidation, "user_id is not valid", err)
		}
		return nil, nil, nil, newError(KindUpstream, "attachment upload failed", err)
	}
	return &obj.URL, &obj.ContentType, &obj.Size, nil
}

func (s *Service) assembleContext(ctx context.Context, req Request, conversationID string, fileURL, fileType *string) (*dispatch.Payload, error) {
	profile, err := s.store.GetProfile(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(KindNotFound, "profile not provisioned", err)
		}
		return nil, newError(KindUpstream, "load profile failed", err)
	}

	history, err := s.store.RecentMessages(ctx, conversationID, HistoryWindow)
	if err != nil {
		return nil, newError(KindUpstream, "load history failed", err)
	}
	entries := make([]dispatch.HistoryEntry, 0, len(history))
	for _, m := range history {
		entries = append(entries, dispatch.HistoryEntry{
			Content:   m.Content,
			Sender:    string(m.Sender),
			CreatedAt: m.CreatedAt,
		})
	}

	return &dispatch.Payload{
		Message: dispatch.MessagePayload{
			Content:        req.Content,
			FileURL:        fileURL,
			FileType:       fileType,
			MessageType:    string(req.MessageType),
			UserID:         req.UserID,
			ConversationID: conversationID,
		},
		UserProfile: dispatch.ProfilePayload{
			DisplayName: orDefault(profile.DisplayName, "Student"),
			TutorName:   orDefault(profile.TutorName, "Professor"),
			TutorGender: orDefault(profile.TutorGender, "neutral"),
		},
		ConversationHistory: entries,
	}, nil
}

// materialize persists the webhook reply as an AI message row.
func (s *Service) materialize(ctx context.Context, userID, conversationID string, reply *dispatch.Reply) (*models.Message, *ResponseBody, error) {
	var (
		fileURL  *string
		fileType *string
		fileSize *int64
	)

	switch reply.Kind {
	case dispatch.ReplyAudio:
		data, err := base64.StdEncoding.DecodeString(reply.Audio.Data)
		if err != nil {
			return nil, nil, newError(KindDispatch, "webhook returned invalid audio payload", err)
		}
		obj, err := s.blobs.Put(userID, "ai-audio."+reply.Audio.Format, data, "audio/"+reply.Audio.Format)
		if err != nil {
			// Keep the text reply even if the audio could not be stored.
			log.WithError(err).WithField("user_id", userID).Warn("AI audio upload failed")
		} else {
			fileURL = &obj.URL
			fileType = &obj.ContentType
			fileSize = &obj.Size
		}
	case dispatch.ReplyFile:
		fileURL = &reply.File.URL
		fileType = &reply.File.Type
	}

	aiMsg, err := s.store.AddMessage(ctx, models.Message{
		ConversationID: conversationID,
		UserID:         userID,
		Sender:         models.SenderAI,
		Content:        reply.Content,
		MessageType:    reply.MessageType,
		FileURL:        fileURL,
		FileType:       fileType,
		FileSize:       fileSize,
	})
	if err != nil {
		return nil, nil, newError(KindUpstream, "save AI message failed", err)
	}

	body := &ResponseBody{
		Content:     reply.Content,
		MessageType: reply.MessageType,
		FileURL:     fileURL,
		FileType:    fileType,
	}
	if reply.MessageType == models.MessageAudio {
		body.AudioURL = fileURL
	}
	return aiMsg, body, nil
}

func (s *Service) broadcast(msg *models.Message) {
	if s.hub != nil {
		s.hub.BroadcastMessage(msg)
	}
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
