package jupyter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the messaging protocol version sent in request headers.
const ProtocolVersion = "5.3"

// Message types handled by the backend.
const (
	MsgExecuteRequest = "execute_request"
	MsgExecuteReply   = "execute_reply"
	MsgExecuteResult  = "execute_result"
	MsgDisplayData    = "display_data"
	MsgStream         = "stream"
	MsgError          = "error"
	MsgStatus         = "status"
)

// Header identifies a message. An empty header marshals as {}.
type Header struct {
	MsgID    string `json:"msg_id,omitempty"`
	Session  string `json:"session,omitempty"`
	Username string `json:"username,omitempty"`
	MsgType  string `json:"msg_type,omitempty"`
	Version  string `json:"version,omitempty"`
	Date     string `json:"date,omitempty"`
}

// Message is the envelope exchanged over a kernel's channels socket.
type Message struct {
	Header       Header                 `json:"header"`
	ParentHeader Header                 `json:"parent_header"`
	Metadata     map[string]interface{} `json:"metadata"`
	Content      json.RawMessage        `json:"content"`
	Channel      string                 `json:"channel,omitempty"`
	MsgType      string                 `json:"msg_type,omitempty"`
}

// Type returns the message type, preferring the header.
func (m *Message) Type() string {
	if m.Header.MsgType != "" {
		return m.Header.MsgType
	}
	return m.MsgType
}

// DecodeContent unmarshals the message content into v.
func (m *Message) DecodeContent(v interface{}) error {
	if len(m.Content) == 0 {
		return nil
	}
	return json.Unmarshal(m.Content, v)
}

// ExecuteRequestContent is the content of an execute_request.
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
}

// StreamContent is the content of a stream message.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DataContent is the content of execute_result and display_data.
type DataContent struct {
	Data           map[string]interface{} `json:"data"`
	ExecutionCount int                    `json:"execution_count,omitempty"`
}

// PlainText returns the text/plain representation, if any.
func (d DataContent) PlainText() string {
	s, _ := d.Data["text/plain"].(string)
	return s
}

// ErrorContent is the content of an error message.
type ErrorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ExecuteReplyContent is the content of an execute_reply.
type ExecuteReplyContent struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
	ErrorContent
}

// NewExecuteRequest builds an execute_request with a fresh message id.
func NewExecuteRequest(code, session, username string) (*Message, error) {
	content, err := json.Marshal(ExecuteRequestContent{
		Code:            code,
		Silent:          false,
		StoreHistory:    true,
		AllowStdin:      false,
		StopOnError:     true,
		UserExpressions: map[string]interface{}{},
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  session,
			Username: username,
			MsgType:  MsgExecuteRequest,
			Version:  ProtocolVersion,
			Date:     time.Now().UTC().Format(time.RFC3339Nano),
		},
		Metadata: map[string]interface{}{},
		Content:  content,
		Channel:  "shell",
	}, nil
}
