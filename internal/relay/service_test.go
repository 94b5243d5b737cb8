package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"tutorgo/internal/blob"
	"tutorgo/internal/config"
	"tutorgo/internal/dispatch"
	"tutorgo/internal/models"
	"tutorgo/internal/service/tutor"
	"tutorgo/internal/storage"
	"tutorgo/internal/worker"
)

type fixture struct {
	svc     *Service
	store   *tutor.Service
	blobDir string

	mu      sync.Mutex
	payload *dispatch.Payload
}

// newFixture builds a relay service backed by an in-memory database and a
// stub webhook that records the last payload and answers with respondWith.
func newFixture(t *testing.T, respondWith string) *fixture {
	t.Helper()
	f := &fixture{}

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {
				DSN: fmt.Sprintf("file:relaytest_%d?mode=memory&cache=shared", time.Now().UnixNano()),
			},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	f.store = tutor.NewService(db, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload dispatch.Payload
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			f.mu.Lock()
			f.payload = &payload
			f.mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(respondWith))
	}))
	t.Cleanup(srv.Close)

	hook, err := dispatch.NewClient(config.WebhookConfig{URL: srv.URL, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("dispatch client: %v", err)
	}

	f.blobDir = t.TempDir()
	blobs := blob.NewStore(f.blobDir, "/storage/chat-files", config.DefaultMaxUploadBytes)
	f.svc = NewService(f.store, blobs, hook, nil, worker.NewLimiter(4))
	return f
}

func (f *fixture) lastPayload() *dispatch.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload
}

func (f *fixture) provision(t *testing.T, userID string) {
	t.Helper()
	if _, err := f.store.CreateProfile(context.Background(), userID, "Student"); err != nil {
		t.Fatalf("create profile: %v", err)
	}
}

func (f *fixture) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

const textReply = `{"response": {"content": "hello back"}, "xp_awarded": 10, "coins_awarded": 5}`

func TestSendCreatesConversation(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-1")

	result, err := f.svc.Send(context.Background(), Request{UserID: "user-1", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success")
	}
	if result.ConversationID == "" {
		t.Fatalf("expected conversation id")
	}
	if result.UserMessageID == "" || result.AIMessageID == "" || result.UserMessageID == result.AIMessageID {
		t.Fatalf("expected distinct message ids, got %q / %q", result.UserMessageID, result.AIMessageID)
	}
	if result.Response.Content != "hello back" {
		t.Fatalf("unexpected response: %+v", result.Response)
	}

	conv, err := f.store.GetConversation(context.Background(), "user-1", result.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.Title != "New Chat Session" || conv.Subject != "General" {
		t.Fatalf("unexpected conversation defaults: %+v", conv)
	}

	messages, err := f.store.ListMessages(context.Background(), result.ConversationID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Sender != models.SenderUser || messages[1].Sender != models.SenderAI {
		t.Fatalf("unexpected sender order: %s then %s", messages[0].Sender, messages[1].Sender)
	}
	if messages[0].FileURL != nil || messages[0].FileType != nil || messages[0].FileSize != nil {
		t.Fatalf("expected nil attachment fields for text message")
	}
}

func TestSendAppendsToExistingConversation(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-2")
	ctx := context.Background()

	first, err := f.svc.Send(ctx, Request{UserID: "user-2", Content: "one"})
	if err != nil {
		t.Fatalf("first Send: %v", err)
	}
	second, err := f.svc.Send(ctx, Request{UserID: "user-2", ConversationID: first.ConversationID, Content: "two"})
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("expected same conversation, got %q and %q", first.ConversationID, second.ConversationID)
	}
	if n := f.countRows(t, "conversations"); n != 1 {
		t.Fatalf("expected 1 conversation, got %d", n)
	}
	if n := f.countRows(t, "messages"); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}
	if second.UserMessageID == first.UserMessageID {
		t.Fatalf("message ids must be unique per turn")
	}
}

func TestSendRequiresUserID(t *testing.T) {
	f := newFixture(t, textReply)

	_, err := f.svc.Send(context.Background(), Request{Content: "hi"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", HTTPStatus(err))
	}
	if PublicMessage(err) != "user_id is required" {
		t.Fatalf("unexpected message: %q", PublicMessage(err))
	}
	if n := f.countRows(t, "conversations"); n != 0 {
		t.Fatalf("rejected request created %d conversations", n)
	}
	if n := f.countRows(t, "messages"); n != 0 {
		t.Fatalf("rejected request created %d messages", n)
	}
}

func TestSendUnknownConversation(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-3")

	_, err := f.svc.Send(context.Background(), Request{UserID: "user-3", ConversationID: "nope", Content: "hi"})
	if err == nil || HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestSendMissingProfile(t *testing.T) {
	f := newFixture(t, textReply)

	_, err := f.svc.Send(context.Background(), Request{UserID: "ghost", Content: "hi"})
	if err == nil || HTTPStatus(err) != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
	if PublicMessage(err) != "profile not provisioned" {
		t.Fatalf("unexpected message: %q", PublicMessage(err))
	}
}

func TestSendAppliesRewards(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-4")
	ctx := context.Background()

	result, err := f.svc.Send(ctx, Request{UserID: "user-4", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Rewards.XPAwarded != 10 || result.Rewards.CoinsAwarded != 5 {
		t.Fatalf("unexpected rewards: %+v", result.Rewards)
	}

	p, err := f.store.GetProfile(ctx, "user-4")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.TotalXP != 10 || p.Coins != 5 {
		t.Fatalf("expected xp=10 coins=5, got xp=%d coins=%d", p.TotalXP, p.Coins)
	}

	entries, err := f.store.ListXPTransactions(ctx, "user-4")
	if err != nil {
		t.Fatalf("ListXPTransactions: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].ReferenceID == nil || *entries[0].ReferenceID != result.UserMessageID {
		t.Fatalf("ledger entry should reference user message %q, got %v", result.UserMessageID, entries[0].ReferenceID)
	}
}

func TestSendNoRewardFields(t *testing.T) {
	f := newFixture(t, `{"response": {"content": "ok"}}`)
	f.provision(t, "user-5")

	result, err := f.svc.Send(context.Background(), Request{UserID: "user-5", Content: "hi"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Rewards.XPAwarded != 0 || result.Rewards.CoinsAwarded != 0 {
		t.Fatalf("expected zero rewards, got %+v", result.Rewards)
	}
	entries, err := f.store.ListXPTransactions(context.Background(), "user-5")
	if err != nil {
		t.Fatalf("ListXPTransactions: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(entries))
	}
}

func TestSendDispatchFailureKeepsUserMessage(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-6")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	hook, err := dispatch.NewClient(config.WebhookConfig{URL: srv.URL, TimeoutSeconds: 5})
	if err != nil {
		t.Fatalf("dispatch client: %v", err)
	}
	svc := NewService(f.store, blob.NewStore(t.TempDir(), "/storage/chat-files", config.DefaultMaxUploadBytes), hook, nil, worker.NewLimiter(4))

	_, err = svc.Send(context.Background(), Request{UserID: "user-6", Content: "hi"})
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if HTTPStatus(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", HTTPStatus(err))
	}

	var userRows, aiRows int
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE sender = 'user'`).Scan(&userRows); err != nil {
		t.Fatalf("count user rows: %v", err)
	}
	if err := f.store.DB().QueryRow(`SELECT COUNT(*) FROM messages WHERE sender = 'ai'`).Scan(&aiRows); err != nil {
		t.Fatalf("count ai rows: %v", err)
	}
	if userRows != 1 || aiRows != 0 {
		t.Fatalf("expected orphaned user row only, got user=%d ai=%d", userRows, aiRows)
	}
}

func TestSendFileAttachment(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-7")

	data := base64.StdEncoding.EncodeToString([]byte("file contents"))
	result, err := f.svc.Send(context.Background(), Request{
		UserID:      "user-7",
		Content:     "see attachment",
		MessageType: models.MessageFile,
		File:        &FilePayload{Name: "notes.txt", Type: "text/plain", Data: data},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg, err := f.store.GetMessage(context.Background(), result.UserMessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.FileURL == nil || !strings.HasPrefix(*msg.FileURL, "/storage/chat-files/user-7/") {
		t.Fatalf("unexpected file url: %v", msg.FileURL)
	}
	if msg.FileType == nil || *msg.FileType != "text/plain" {
		t.Fatalf("unexpected file type: %v", msg.FileType)
	}
	if msg.FileSize == nil || *msg.FileSize != int64(len("file contents")) {
		t.Fatalf("unexpected file size: %v", msg.FileSize)
	}

	payload := f.lastPayload()
	if payload == nil || payload.Message.FileURL == nil || *payload.Message.FileURL != *msg.FileURL {
		t.Fatalf("webhook payload missing file url")
	}
}

func TestSendRejectsInvalidBase64(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-8")

	_, err := f.svc.Send(context.Background(), Request{
		UserID:      "user-8",
		MessageType: models.MessageFile,
		File:        &FilePayload{Name: "x.bin", Data: "%%% not base64 %%%"},
	})
	if err == nil || HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if n := f.countRows(t, "messages"); n != 0 {
		t.Fatalf("rejected attachment created %d messages", n)
	}
}

func TestSendRejectsTraversalUserID(t *testing.T) {
	f := newFixture(t, textReply)

	data := base64.StdEncoding.EncodeToString([]byte("payload"))
	_, err := f.svc.Send(context.Background(), Request{
		UserID:      "../../outside",
		MessageType: models.MessageFile,
		File:        &FilePayload{Name: "evil.txt", Data: data},
	})
	if err == nil || HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if PublicMessage(err) != "user_id is not valid" {
		t.Fatalf("unexpected message: %q", PublicMessage(err))
	}

	// The upload directory itself must stay empty.
	entries, err := os.ReadDir(f.blobDir)
	if err != nil {
		t.Fatalf("read blob dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("attachment written despite invalid user id: %v", entries)
	}
	if n := f.countRows(t, "messages"); n != 0 {
		t.Fatalf("rejected request created %d messages", n)
	}
}

func TestSendRejectsOversizedAttachment(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-9")

	small := blob.NewStore(t.TempDir(), "/storage/chat-files", 8)
	f.svc.blobs = small

	data := base64.StdEncoding.EncodeToString([]byte("this payload is larger than eight bytes"))
	_, err := f.svc.Send(context.Background(), Request{
		UserID:      "user-9",
		MessageType: models.MessageFile,
		File:        &FilePayload{Name: "big.bin", Data: data},
	})
	if err == nil || HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if PublicMessage(err) != "attachment too large" {
		t.Fatalf("unexpected message: %q", PublicMessage(err))
	}
}

func TestSendAudioAttachmentRequiresFormat(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-10")

	_, err := f.svc.Send(context.Background(), Request{
		UserID:      "user-10",
		MessageType: models.MessageAudio,
		Audio:       &AudioPayload{Data: base64.StdEncoding.EncodeToString([]byte("pcm"))},
	})
	if err == nil || HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestSendMaterializesAudioReply(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("audio bytes"))
	f := newFixture(t, fmt.Sprintf(
		`{"response": {"content": "spoken", "audio": {"data": %q, "format": "mp3"}, "message_type": "audio"}}`, encoded))
	f.provision(t, "user-11")

	result, err := f.svc.Send(context.Background(), Request{UserID: "user-11", Content: "say it"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if result.Response.MessageType != models.MessageAudio {
		t.Fatalf("expected audio reply, got %q", result.Response.MessageType)
	}
	if result.Response.AudioURL == nil || !strings.HasPrefix(*result.Response.AudioURL, "/storage/chat-files/user-11/") {
		t.Fatalf("unexpected audio url: %v", result.Response.AudioURL)
	}

	aiMsg, err := f.store.GetMessage(context.Background(), result.AIMessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if aiMsg.FileURL == nil || *aiMsg.FileURL != *result.Response.AudioURL {
		t.Fatalf("AI message missing stored audio url")
	}
}

func TestSendHistoryWindow(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-12")
	ctx := context.Background()

	conv, err := f.store.CreateConversation(ctx, "user-12", "New Chat Session", "General")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i := 0; i < 15; i++ {
		if _, err := f.store.AddMessage(ctx, models.Message{
			ConversationID: conv.ID,
			UserID:         "user-12",
			Sender:         models.SenderUser,
			Content:        fmt.Sprintf("old %d", i),
			MessageType:    models.MessageText,
		}); err != nil {
			t.Fatalf("AddMessage: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := f.svc.Send(ctx, Request{UserID: "user-12", ConversationID: conv.ID, Content: "latest"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	payload := f.lastPayload()
	if payload == nil {
		t.Fatalf("webhook payload not captured")
	}
	if len(payload.ConversationHistory) != HistoryWindow {
		t.Fatalf("expected %d history entries, got %d", HistoryWindow, len(payload.ConversationHistory))
	}
	last := payload.ConversationHistory[len(payload.ConversationHistory)-1]
	if last.Content != "latest" {
		t.Fatalf("expected history to end with the current message, got %q", last.Content)
	}
}

func TestSendProfileDefaultsInPayload(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-13")

	if _, err := f.svc.Send(context.Background(), Request{UserID: "user-13", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	payload := f.lastPayload()
	if payload == nil {
		t.Fatalf("webhook payload not captured")
	}
	if payload.UserProfile.TutorName != "Professor" || payload.UserProfile.TutorGender != "neutral" {
		t.Fatalf("expected tutor defaults, got %+v", payload.UserProfile)
	}
}

func TestSendBusy(t *testing.T) {
	f := newFixture(t, textReply)
	f.provision(t, "user-14")

	limiter := worker.NewLimiter(1)
	if err := limiter.Acquire(); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	f.svc.limiter = limiter

	_, err := f.svc.Send(context.Background(), Request{UserID: "user-14", Content: "hi"})
	if !errors.Is(err, worker.ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
	if HTTPStatus(err) != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", HTTPStatus(err))
	}
}

func TestForward(t *testing.T) {
	f := newFixture(t, `{"output": "pong"}`)

	raw, err := f.svc.Forward(context.Background(), "user-15", "ping")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if string(raw) != `{"output": "pong"}` {
		t.Fatalf("unexpected body: %s", raw)
	}
	if n := f.countRows(t, "messages"); n != 0 {
		t.Fatalf("proxy mode must not persist messages, got %d", n)
	}

	_, err = f.svc.Forward(context.Background(), "user-15", "")
	if err == nil || HTTPStatus(err) != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %v", err)
	}
	if PublicMessage(err) != "Message is required" {
		t.Fatalf("unexpected message: %q", PublicMessage(err))
	}
}
