package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// DefaultMaxSteps bounds one interpreter invocation. The cap exists to
// guarantee termination on cyclic or misconfigured graphs; it is not a
// user-visible error, the run simply stops emitting further output.
const DefaultMaxSteps = 50

// DiagnosticCode classifies a structured diagnostic event.
type DiagnosticCode string

const (
	// DiagDanglingReference marks a next pointer naming a node that does not exist.
	DiagDanglingReference DiagnosticCode = "dangling_reference"
	// DiagUnknownNodeKind marks a node whose type the interpreter cannot dispatch.
	DiagUnknownNodeKind DiagnosticCode = "unknown_node_kind"
	// DiagStepCapReached marks a run stopped by the iteration cap.
	DiagStepCapReached DiagnosticCode = "step_cap_reached"
	// DiagMissingWaitingNode marks a suspension point that vanished from the definition.
	DiagMissingWaitingNode DiagnosticCode = "missing_waiting_node"
)

// Diagnostic is a structured event describing a defensive recovery taken
// during a run. The interpreter never fails on a broken graph; it terminates
// the branch and reports what happened so the caller can log it.
type Diagnostic struct {
	Code   DiagnosticCode `json:"code"`
	NodeID string         `json:"node_id,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// RunResult is everything one interpreter invocation produced.
type RunResult struct {
	// State is a new session state value; the input state is never mutated.
	State *models.SessionState
	// NextNodeID is the resting node: a suspension target or the last node visited.
	NextNodeID string
	// Completed is true when an end node or terminal transfer was reached.
	Completed bool
	// Transferred is true when a transfer node was visited this run.
	// TransferQueueID may still be empty, meaning "use the ticket's current queue".
	Transferred     bool
	TransferQueueID string
	// RetryMessages are validation prompts to re-ask the suspended node.
	RetryMessages []string
	// BotMessages are the messages emitted by traversed nodes, in order.
	BotMessages []string
	// Diagnostics describe defensive recoveries (dangling refs, step cap).
	Diagnostics []Diagnostic
}

// Interpreter executes flow definitions. It is stateless and safe to share.
type Interpreter struct {
	maxSteps int
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithMaxSteps overrides the per-run iteration cap. Very deep flows without
// suspension points are legitimate and may need a higher bound.
func WithMaxSteps(n int) InterpreterOption {
	return func(it *Interpreter) {
		if n > 0 {
			it.maxSteps = n
		}
	}
}

// NewInterpreter creates an interpreter with the default step cap.
func NewInterpreter(opts ...InterpreterOption) *Interpreter {
	it := &Interpreter{maxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Run executes the definition from the session's resting point until it must
// suspend or terminates.
//
// Run is a pure function over (definition, state, input): it never mutates its
// arguments, performs no I/O, and calling it twice with identical arguments
// (including now) yields identical results. When consumeInput is true and the
// state carries a waiting pointer, the input is consumed by the suspended
// node first; a validation failure returns immediately with retry messages
// and an unchanged resting node.
func (it *Interpreter) Run(def *models.FlowDefinition, state *models.SessionState, currentNodeID, input string, consumeInput bool, now time.Time) RunResult {
	next := state.Clone()
	res := RunResult{State: next, NextNodeID: currentNodeID}

	startNodeID := currentNodeID
	if startNodeID == "" {
		startNodeID = def.EntryNodeID
	}

	if consumeInput && next.WaitingFor != nil {
		resumed, done := it.resume(def, next, input, now, &res)
		if done {
			return res
		}
		if resumed != "" {
			startNodeID = resumed
		}
	}

	it.traverse(def, next, startNodeID, now, &res)
	return res
}

// resume consumes the pending input at the suspension point. It returns the
// node to continue traversal from and whether the run is already finished
// (the retry case).
func (it *Interpreter) resume(def *models.FlowDefinition, state *models.SessionState, input string, now time.Time, res *RunResult) (string, bool) {
	waiting := state.WaitingFor
	node, ok := def.Lookup(waiting.NodeID)
	if !ok {
		// The definition changed underneath the session. Drop the pointer and
		// fall through to a normal traversal from the resting node.
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Code:   DiagMissingWaitingNode,
			NodeID: waiting.NodeID,
			Detail: "waiting node no longer exists in definition",
		})
		state.WaitingFor = nil
		return "", false
	}

	switch n := node.(type) {
	case *models.QuestionNode:
		match := ResolveOption(n, input)
		if match == nil {
			retry := n.RetryMessage
			if retry == "" {
				retry = DefaultRetryMessage
			}
			res.RetryMessages = append(res.RetryMessages, retry)
			res.NextNodeID = n.NodeID
			return "", true
		}
		state.History = append(state.History, models.HistoryEntry{NodeID: n.NodeID, Input: input, OccurredAt: now})
		if n.StoreField != "" {
			setCollected(state, n.StoreField, match.StoreValue)
		}
		state.WaitingFor = nil
		res.NextNodeID = n.NodeID
		return match.Next, match.Next == ""

	case *models.InputNode:
		check := ValidateInput(n, input)
		if !check.OK {
			res.RetryMessages = append(res.RetryMessages, check.Message)
			res.NextNodeID = n.NodeID
			return "", true
		}
		state.History = append(state.History, models.HistoryEntry{NodeID: n.NodeID, Input: input, OccurredAt: now})
		if key := n.StoreKey(); key != "" {
			setCollected(state, key, strings.TrimSpace(input))
		}
		state.WaitingFor = nil
		res.NextNodeID = n.NodeID
		return n.Next, n.Next == ""

	default:
		// A waiting pointer at a node that cannot consume input means the
		// definition changed shape; recover by clearing it.
		res.Diagnostics = append(res.Diagnostics, Diagnostic{
			Code:   DiagUnknownNodeKind,
			NodeID: waiting.NodeID,
			Detail: fmt.Sprintf("waiting node has kind %q which does not consume input", node.Kind()),
		})
		state.WaitingFor = nil
		return "", false
	}
}

// traverse walks the graph from startNodeID, dispatching on node kind, until
// a suspension point, a terminal node, a broken reference, or the step cap.
func (it *Interpreter) traverse(def *models.FlowDefinition, state *models.SessionState, startNodeID string, now time.Time, res *RunResult) {
	nextID := startNodeID
	for steps := 0; ; steps++ {
		if nextID == "" {
			return
		}
		if steps >= it.maxSteps {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Code:   DiagStepCapReached,
				NodeID: nextID,
				Detail: fmt.Sprintf("stopped after %d steps", it.maxSteps),
			})
			return
		}

		node, ok := def.Lookup(nextID)
		if !ok {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Code:   DiagDanglingReference,
				NodeID: nextID,
				Detail: "next pointer names an unknown node",
			})
			return
		}
		res.NextNodeID = node.ID()

		switch n := node.(type) {
		case *models.MessageNode:
			res.BotMessages = append(res.BotMessages, n.Content)
			state.History = append(state.History, models.HistoryEntry{NodeID: n.NodeID, OccurredAt: now})
			nextID = n.Next

		case *models.QuestionNode:
			res.BotMessages = append(res.BotMessages, FormatQuestionPrompt(n))
			state.WaitingFor = &models.WaitingPointer{NodeID: n.NodeID, Kind: models.WaitingQuestion}
			return

		case *models.InputNode:
			res.BotMessages = append(res.BotMessages, n.Content)
			state.WaitingFor = &models.WaitingPointer{NodeID: n.NodeID, Kind: models.WaitingInput}
			return

		case *models.TransferNode:
			if n.Message != "" {
				res.BotMessages = append(res.BotMessages, n.Message)
			}
			state.History = append(state.History, models.HistoryEntry{NodeID: n.NodeID, OccurredAt: now})
			res.Transferred = true
			res.TransferQueueID = n.QueueID
			if n.Next == "" {
				state.WaitingFor = nil
				state.Completed = true
				res.Completed = true
				return
			}
			nextID = n.Next

		case *models.EndNode:
			if n.Content != "" {
				res.BotMessages = append(res.BotMessages, n.Content)
			}
			state.History = append(state.History, models.HistoryEntry{NodeID: n.NodeID, OccurredAt: now})
			state.WaitingFor = nil
			state.Completed = true
			res.Completed = true
			return

		default:
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Code:   DiagUnknownNodeKind,
				NodeID: node.ID(),
				Detail: fmt.Sprintf("cannot dispatch node kind %q", node.Kind()),
			})
			return
		}
	}
}

func setCollected(state *models.SessionState, key, value string) {
	if state.CollectedData == nil {
		state.CollectedData = make(map[string]string)
	}
	state.CollectedData[key] = value
}
