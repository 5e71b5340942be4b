package protocol

import (
	"encoding/json"

	"github.com/ritzau/lineage-index/pkg/query"
	"github.com/ritzau/lineage-index/pkg/resolver"
)

// Commands carried in the envelope
const (
	CommandRequest  = "request"
	CommandResponse = "response"
	CommandOpenFile = "openFile"
	CommandRender   = "render"
)

// Request URLs understood by the gateway
const (
	URLUpstreamTables   = "upstreamTables"
	URLDownstreamTables = "downstreamTables"
)

// Envelope is the outer shape of every message on the channel.
// Args is decoded according to Command; URL is only used by openFile.
type Envelope struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
	URL     string          `json:"url,omitempty"`
}

// RequestParams holds the parameters of a table request
type RequestParams struct {
	Table string `json:"table"`
}

// RequestArgs is the payload of a "request" message
type RequestArgs struct {
	URL    string        `json:"url"`
	ID     int           `json:"id"`
	Params RequestParams `json:"params"`
}

// TablesBody is the body of a successful table response
type TablesBody struct {
	Tables []query.Table `json:"tables"`
}

// ResponseArgs is the payload of a "response" message.
// Body is omitted for unknown URLs and rejected requests.
type ResponseArgs struct {
	ID     int         `json:"id"`
	Status bool        `json:"status"`
	Body   *TablesBody `json:"body,omitempty"`
}

// RenderArgs is the payload of a "render" push. A nil Node means no current node.
type RenderArgs struct {
	Node *resolver.CurrentNode `json:"node,omitempty"`
}

// ResponseMessage is a complete response envelope
type ResponseMessage struct {
	Command string       `json:"command"`
	Args    ResponseArgs `json:"args"`
}

// RenderMessage is a complete render envelope
type RenderMessage struct {
	Command string     `json:"command"`
	Args    RenderArgs `json:"args"`
}

// NewResponse wraps args in a response envelope
func NewResponse(args ResponseArgs) ResponseMessage {
	return ResponseMessage{Command: CommandResponse, Args: args}
}

// NewRender wraps args in a render envelope
func NewRender(args RenderArgs) RenderMessage {
	return RenderMessage{Command: CommandRender, Args: args}
}
