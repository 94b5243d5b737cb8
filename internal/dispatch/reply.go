package dispatch

import (
	"encoding/json"
	"fmt"

	"tutorgo/internal/models"
)

// ReplyKind tags the shape of the webhook's response so downstream code
// never has to sniff optional fields.
type ReplyKind int

const (
	ReplyText ReplyKind = iota
	ReplyAudio
	ReplyFile
)

// AudioPayload is a base64-encoded audio clip returned by the webhook.
type AudioPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

// FileRef points at a file the webhook already hosts somewhere.
type FileRef struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Reply is the decoded webhook response. Exactly one of Audio/File is set
// depending on Kind; Content may accompany any kind.
type Reply struct {
	Kind         ReplyKind
	Content      string
	MessageType  models.MessageType
	Audio        *AudioPayload
	File         *FileRef
	XPAwarded    int64
	CoinsAwarded int64
}

type wireReply struct {
	Response struct {
		Content     string        `json:"content"`
		Audio       *AudioPayload `json:"audio"`
		File        *FileRef      `json:"file"`
		MessageType string        `json:"message_type"`
	} `json:"response"`
	XPAwarded    int64 `json:"xp_awarded"`
	CoinsAwarded int64 `json:"coins_awarded"`
}

// decodeReply resolves the tagged union once at the dispatch boundary.
// A hosted file reference takes precedence over inline audio.
func decodeReply(raw []byte) (*Reply, error) {
	var wire wireReply
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode webhook response: %w", err)
	}

	reply := &Reply{
		Content:      wire.Response.Content,
		MessageType:  models.MessageType(wire.Response.MessageType),
		XPAwarded:    wire.XPAwarded,
		CoinsAwarded: wire.CoinsAwarded,
	}
	if reply.MessageType == "" {
		reply.MessageType = models.MessageText
	}
	if !reply.MessageType.Valid() {
		return nil, fmt.Errorf("webhook returned unknown message type %q", wire.Response.MessageType)
	}

	switch {
	case wire.Response.File != nil:
		reply.Kind = ReplyFile
		reply.File = wire.Response.File
	case wire.Response.Audio != nil:
		reply.Kind = ReplyAudio
		reply.Audio = wire.Response.Audio
	default:
		reply.Kind = ReplyText
	}
	return reply, nil
}
