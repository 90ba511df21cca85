package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Inbound event types.
const (
	EvAuthenticate = "authenticate"
	EvJoinChat     = "join_chat"
	EvLeaveChat    = "leave_chat"
	EvSendMessage  = "send_message"
	EvTypingStart  = "typing_start"
	EvTypingStop   = "typing_stop"
	EvMarkRead     = "mark_read"
	// EvUserStatus is relayed back out under the same type.
	EvUserStatus = "user_status"
)

// Outbound event types.
const (
	EvAuthenticated = "authenticated"
	EvUserJoined    = "user_joined_chat"
	EvUserLeft      = "user_left_chat"
	EvNewMessage    = "new_message"
	EvMessageRead   = "message_read"
	EvUserOnline    = "user_online"
	EvUserOffline   = "user_offline"
	EvChatCreated   = "chat_created"
	EvError         = "error"
)

// inboundFrame is the superset of fields a client may send; the schema
// below enforces which are required per event type.
type inboundFrame struct {
	Type        string   `json:"type"`
	Token       string   `json:"token,omitempty"`
	ChatID      string   `json:"chatId,omitempty"`
	MessageID   string   `json:"messageId,omitempty"`
	Content     string   `json:"content,omitempty"`
	MessageType string   `json:"messageType,omitempty"`
	ReplyToID   string   `json:"replyToId,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Status      string   `json:"status,omitempty"`
}

const uuidPattern = `^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`

const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "type": {
      "enum": ["authenticate", "join_chat", "leave_chat", "send_message", "typing_start", "typing_stop", "mark_read", "user_status"]
    },
    "token": {"type": "string", "minLength": 1},
    "chatId": {"type": "string", "pattern": "` + uuidPattern + `"},
    "messageId": {"type": "string", "pattern": "` + uuidPattern + `"},
    "content": {"type": "string", "minLength": 1, "maxLength": 8192},
    "messageType": {"enum": ["text", "file", "image"]},
    "replyToId": {"type": "string", "pattern": "` + uuidPattern + `"},
    "attachments": {"type": "array", "items": {"type": "string"}, "maxItems": 16},
    "status": {"enum": ["online", "away", "busy"]}
  },
  "required": ["type"],
  "allOf": [
    {"if": {"properties": {"type": {"const": "authenticate"}}}, "then": {"required": ["token"]}},
    {"if": {"properties": {"type": {"const": "join_chat"}}}, "then": {"required": ["chatId"]}},
    {"if": {"properties": {"type": {"const": "leave_chat"}}}, "then": {"required": ["chatId"]}},
    {"if": {"properties": {"type": {"const": "send_message"}}}, "then": {"required": ["chatId", "content"]}},
    {"if": {"properties": {"type": {"const": "typing_start"}}}, "then": {"required": ["chatId"]}},
    {"if": {"properties": {"type": {"const": "typing_stop"}}}, "then": {"required": ["chatId"]}},
    {"if": {"properties": {"type": {"const": "mark_read"}}}, "then": {"required": ["chatId"]}},
    {"if": {"properties": {"type": {"const": "user_status"}}}, "then": {"required": ["status"]}}
  ]
}`

var inboundSchema = mustCompileInboundSchema()

func mustCompileInboundSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inbound.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("inbound.json")
}

// validateInbound checks a raw frame against the event grammar before
// it is dispatched.
func validateInbound(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	if err := inboundSchema.Validate(doc); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	return nil
}
