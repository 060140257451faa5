// Package models defines the core data structures for FlowDesk.
//
// This file defines the author-facing flow definition: a directed graph of
// conversation nodes with a single entry point. Definitions are stored as raw
// JSON and parsed on use; see ParseFlowDefinition.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeKind discriminates the node union in a flow definition.
type NodeKind string

const (
	// NodeKindMessage emits content and advances unconditionally.
	NodeKindMessage NodeKind = "message"
	// NodeKindQuestion emits a prompt with numbered options and suspends.
	NodeKindQuestion NodeKind = "question"
	// NodeKindInput emits a prompt for free-text data capture and suspends.
	NodeKindInput NodeKind = "input"
	// NodeKindTransfer hands the conversation off to a human queue.
	NodeKindTransfer NodeKind = "transfer"
	// NodeKindEnd emits content and terminates the session.
	NodeKindEnd NodeKind = "end"
)

// Error variables for definition parsing.
var (
	ErrEmptyDefinition  = errors.New("flow definition is empty")
	ErrMissingEntryNode = errors.New("entryNodeId is required")
	ErrUnknownEntryNode = errors.New("entryNodeId does not reference a known node")
	ErrDuplicateNodeID  = errors.New("duplicate node id")
	ErrNodeMissingID    = errors.New("node is missing an id")
)

// Node is one step in a conversation graph. The concrete types below form a
// closed set; the interpreter dispatches on them with a type switch.
type Node interface {
	ID() string
	Kind() NodeKind
}

// ValidationType selects the type-specific check applied to input answers.
type ValidationType string

const (
	ValidationNumber   ValidationType = "number"
	ValidationEmail    ValidationType = "email"
	ValidationPhone    ValidationType = "phone"
	ValidationFreeform ValidationType = "freeform"
)

// InputValidation describes the validation rules attached to an input node.
type InputValidation struct {
	Type      ValidationType `json:"type,omitempty"`
	MinLength int            `json:"minLength,omitempty"`
	MaxLength int            `json:"maxLength,omitempty"`
	Regex     string         `json:"regex,omitempty"`
	Message   string         `json:"message,omitempty"` // shown to the contact when a rule fails
}

// QuestionOption is one selectable answer of a question node.
type QuestionOption struct {
	Value      string   `json:"value"`
	Label      string   `json:"label,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Next       string   `json:"next,omitempty"`       // overrides the node-level next
	StoreValue string   `json:"storeValue,omitempty"` // stored instead of Value when set
}

// MessageNode emits content and advances via Next.
type MessageNode struct {
	NodeID  string `json:"id"`
	Content string `json:"content"`
	Next    string `json:"next,omitempty"`
}

// QuestionNode emits a numbered prompt and suspends until the contact answers.
type QuestionNode struct {
	NodeID        string           `json:"id"`
	Content       string           `json:"content"`
	Options       []QuestionOption `json:"options,omitempty"`
	Next          string           `json:"next,omitempty"`
	DefaultNext   string           `json:"defaultNext,omitempty"`
	StoreField    string           `json:"storeField,omitempty"`
	AllowFreeText bool             `json:"allowFreeText,omitempty"`
	RetryMessage  string           `json:"retryMessage,omitempty"`
}

// InputNode emits a prompt and suspends until the contact supplies a value.
type InputNode struct {
	NodeID     string           `json:"id"`
	Content    string           `json:"content"`
	Field      string           `json:"field,omitempty"`
	StoreField string           `json:"storeField,omitempty"`
	Next       string           `json:"next,omitempty"`
	Validation *InputValidation `json:"validation,omitempty"`
}

// TransferNode records a target queue and optionally continues via Next.
// A transfer with no Next terminates the session.
type TransferNode struct {
	NodeID  string `json:"id"`
	Message string `json:"message,omitempty"`
	QueueID string `json:"queueId,omitempty"` // empty means keep the ticket's current queue
	Next    string `json:"next,omitempty"`
}

// EndNode emits content and terminates the session.
type EndNode struct {
	NodeID  string `json:"id"`
	Content string `json:"content,omitempty"`
}

// UnknownNode preserves a node whose type is not recognized. The interpreter
// terminates any branch that reaches one instead of failing the conversation.
type UnknownNode struct {
	NodeID   string
	NodeType string
}

func (n *MessageNode) ID() string  { return n.NodeID }
func (n *QuestionNode) ID() string { return n.NodeID }
func (n *InputNode) ID() string    { return n.NodeID }
func (n *TransferNode) ID() string { return n.NodeID }
func (n *EndNode) ID() string      { return n.NodeID }
func (n *UnknownNode) ID() string  { return n.NodeID }

func (n *MessageNode) Kind() NodeKind  { return NodeKindMessage }
func (n *QuestionNode) Kind() NodeKind { return NodeKindQuestion }
func (n *InputNode) Kind() NodeKind    { return NodeKindInput }
func (n *TransferNode) Kind() NodeKind { return NodeKindTransfer }
func (n *EndNode) Kind() NodeKind      { return NodeKindEnd }
func (n *UnknownNode) Kind() NodeKind  { return NodeKind(n.NodeType) }

// StoreKey returns the collected-data key for an input node: StoreField when
// set, otherwise Field.
func (n *InputNode) StoreKey() string {
	if n.StoreField != "" {
		return n.StoreField
	}
	return n.Field
}

// FreeTextNext returns the target used when free text is accepted as an
// answer: DefaultNext when set, otherwise the node-level Next.
func (n *QuestionNode) FreeTextNext() string {
	if n.DefaultNext != "" {
		return n.DefaultNext
	}
	return n.Next
}

// FlowDefinition is the parsed, immutable form of a conversation graph.
type FlowDefinition struct {
	EntryNodeID string
	Nodes       []Node
	Version     string
	Metadata    map[string]interface{}

	index map[string]Node
}

// Lookup returns the node with the given id, or false if the id is unknown
// (dangling references are tolerated at run time).
func (d *FlowDefinition) Lookup(id string) (Node, bool) {
	n, ok := d.index[id]
	return n, ok
}

// rawDefinition mirrors the persisted JSON contract.
type rawDefinition struct {
	EntryNodeID string                 `json:"entryNodeId"`
	Nodes       []json.RawMessage      `json:"nodes"`
	Version     string                 `json:"version,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// nodeHeader peeks at the discriminator fields of a node object.
type nodeHeader struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// ParseFlowDefinition decodes and validates a raw flow definition.
//
// It requires a non-empty entryNodeId that references a node in the set and
// rejects duplicate node ids. It deliberately does not deep-validate every
// node: malformed or dangling references are handled defensively by the
// interpreter so a broken branch cannot crash a live conversation.
func ParseFlowDefinition(raw []byte) (*FlowDefinition, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyDefinition
	}

	var rd rawDefinition
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, fmt.Errorf("invalid flow definition JSON: %w", err)
	}
	if rd.EntryNodeID == "" {
		return nil, ErrMissingEntryNode
	}

	def := &FlowDefinition{
		EntryNodeID: rd.EntryNodeID,
		Version:     rd.Version,
		Metadata:    rd.Metadata,
		index:       make(map[string]Node, len(rd.Nodes)),
	}

	for i, rn := range rd.Nodes {
		node, err := decodeNode(rn)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		if node.ID() == "" {
			return nil, fmt.Errorf("node %d: %w", i, ErrNodeMissingID)
		}
		if _, exists := def.index[node.ID()]; exists {
			return nil, fmt.Errorf("node %q: %w", node.ID(), ErrDuplicateNodeID)
		}
		def.Nodes = append(def.Nodes, node)
		def.index[node.ID()] = node
	}

	if _, ok := def.index[def.EntryNodeID]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntryNode, def.EntryNodeID)
	}
	return def, nil
}

func decodeNode(raw json.RawMessage) (Node, error) {
	var hdr nodeHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("invalid node JSON: %w", err)
	}

	switch NodeKind(hdr.Type) {
	case NodeKindMessage:
		var n MessageNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid message node: %w", err)
		}
		return &n, nil
	case NodeKindQuestion:
		var n QuestionNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid question node: %w", err)
		}
		return &n, nil
	case NodeKindInput:
		var n InputNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid input node: %w", err)
		}
		return &n, nil
	case NodeKindTransfer:
		var n TransferNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid transfer node: %w", err)
		}
		return &n, nil
	case NodeKindEnd:
		var n EndNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("invalid end node: %w", err)
		}
		return &n, nil
	default:
		// Unrecognized node kinds are carried so the interpreter can stop the
		// branch with a diagnostic instead of failing the whole definition.
		return &UnknownNode{NodeID: hdr.ID, NodeType: hdr.Type}, nil
	}
}
