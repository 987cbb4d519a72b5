package spec

import (
	"fmt"
	"os"
	"strings"

	"github.com/artpar/apifactory/core/server"
)

// Operation actions.
const (
	ActionSend    = "send"
	ActionReceive = "receive"
)

// AsyncAPI is the subset of an AsyncAPI 3 document the event receiver compiles.
type AsyncAPI struct {
	AsyncAPI   string                    `json:"asyncapi"`
	Servers    map[string]AsyncServer    `json:"servers,omitempty"`
	Channels   map[string]Channel        `json:"channels,omitempty"`
	Operations map[string]AsyncOperation `json:"operations,omitempty"`

	serverOrder    []string
	operationOrder []string
}

// AsyncServer is a broker endpoint.
type AsyncServer struct {
	Host            string                    `json:"host"`
	Protocol        string                    `json:"protocol"`
	ProtocolVersion string                    `json:"protocolVersion,omitempty"`
	Pathname        string                    `json:"pathname,omitempty"`
	Variables       map[string]ServerVariable `json:"variables,omitempty"`
	Labels          map[string]string         `json:"x-labels,omitempty"`
	Ref             string                    `json:"x-ref,omitempty"`
}

// Channel is an addressable topic or queue.
type Channel struct {
	Address  string             `json:"address,omitempty"`
	Messages map[string]Message `json:"messages,omitempty"`
	Servers  []AsyncServer      `json:"servers,omitempty"`
	Ref      string             `json:"x-ref,omitempty"`
}

// Message is one payload shape a channel may carry.
type Message struct {
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Ref     string         `json:"x-ref,omitempty"`
}

// AsyncOperation binds a channel to a send or receive action.
type AsyncOperation struct {
	Action   string    `json:"action"`
	Channel  Channel   `json:"channel"`
	Messages []Message `json:"messages,omitempty"`
}

// RefID returns the last token of a JSON pointer, e.g. "main" for "#/servers/main".
func RefID(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// URL builds the server URL template: protocol://host + pathname.
func (s AsyncServer) URL() string {
	pathname := s.Pathname
	if pathname == "" {
		pathname = "/"
	}
	return s.Protocol + "://" + s.Host + pathname
}

// Binding converts the server into a selectable binding.
func (s AsyncServer) Binding(id string) server.Binding {
	return server.Binding{
		ID:              id,
		URL:             s.URL(),
		Labels:          s.Labels,
		Variables:       convertVariables(s.Variables),
		Protocol:        s.Protocol,
		ProtocolVersion: s.ProtocolVersion,
	}
}

// ServerBindings returns the document's usable servers in document order.
// Servers without a host or protocol are skipped.
func (d *AsyncAPI) ServerBindings() []server.Binding {
	var out []server.Binding
	for _, id := range ordered(d.Servers, d.serverOrder) {
		s := d.Servers[id]
		if s.Host == "" || s.Protocol == "" {
			continue
		}
		out = append(out, s.Binding(id))
	}
	return out
}

// OperationIDs returns operation keys in document order.
func (d *AsyncAPI) OperationIDs() []string {
	return ordered(d.Operations, d.operationOrder)
}

// ChannelServerIDs returns the ids of the servers a channel is restricted to,
// or nil when it may use every server.
func (c Channel) ChannelServerIDs() []string {
	if len(c.Servers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(c.Servers))
	for _, s := range c.Servers {
		ids = append(ids, RefID(s.Ref))
	}
	return ids
}

// OperationMessages returns the operation's candidate messages with their
// ids. An operation that lists none accepts every message of its channel.
func (op AsyncOperation) OperationMessages() []NamedMessage {
	var out []NamedMessage
	if len(op.Messages) > 0 {
		for i, m := range op.Messages {
			id := RefID(m.Ref)
			if id == "" {
				id = m.Name
			}
			if id == "" {
				id = fmt.Sprintf("message%d", i)
			}
			out = append(out, NamedMessage{ID: id, Message: m})
		}
		return out
	}
	for _, id := range ordered(op.Channel.Messages, nil) {
		out = append(out, NamedMessage{ID: id, Message: op.Channel.Messages[id]})
	}
	return out
}

// NamedMessage is a message with its document id.
type NamedMessage struct {
	ID string
	Message
}

// Address returns the channel address, defaulting to the channel id.
func (op AsyncOperation) Address() string {
	if op.Channel.Address != "" {
		return op.Channel.Address
	}
	return RefID(op.Channel.Ref)
}

// LoadAsyncAPI reads and decodes an AsyncAPI document.
func LoadAsyncAPI(path string) (*AsyncAPI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return ParseAsyncAPI(data)
}

// ParseAsyncAPI decodes an AsyncAPI document from YAML or JSON bytes.
func ParseAsyncAPI(data []byte) (*AsyncAPI, error) {
	root, err := Parse(data)
	if err != nil {
		return nil, err
	}
	var doc AsyncAPI
	if err := decode(root, &doc); err != nil {
		return nil, err
	}
	doc.serverOrder = keyOrder(data, "servers")
	doc.operationOrder = keyOrder(data, "operations")
	return &doc, nil
}
