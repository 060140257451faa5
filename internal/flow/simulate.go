package flow

import (
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// TranscriptRole identifies who produced a transcript entry.
type TranscriptRole string

const (
	// TranscriptBot marks a message emitted by the flow engine.
	TranscriptBot TranscriptRole = "BOT"
	// TranscriptContact marks a simulated inbound message.
	TranscriptContact TranscriptRole = "CONTACT"
)

// TranscriptEntry is one line of a simulated conversation.
type TranscriptEntry struct {
	From    TranscriptRole `json:"from"`
	Message string         `json:"message"`
}

// SimulationResult is the outcome of a dry run of a flow definition.
type SimulationResult struct {
	Transcript  []TranscriptEntry    `json:"transcript"`
	State       *models.SessionState `json:"state"`
	Completed   bool                 `json:"completed"`
	Diagnostics []Diagnostic         `json:"diagnostics,omitempty"`
}

// Simulate runs a flow definition against an in-memory session with no side
// effects: the entry traversal first, then each message in order as a contact
// answer. Intended for authoring and QA tooling.
func (it *Interpreter) Simulate(def *models.FlowDefinition, messages []string, now time.Time) SimulationResult {
	var sim SimulationResult
	state := &models.SessionState{}

	res := it.Run(def, state, def.EntryNodeID, "", false, now)
	sim.appendBot(res)
	state = res.State
	current := res.NextNodeID

	for _, msg := range messages {
		if res.Completed {
			break
		}
		sim.Transcript = append(sim.Transcript, TranscriptEntry{From: TranscriptContact, Message: msg})
		res = it.Run(def, state, current, msg, true, now)
		sim.appendBot(res)
		state = res.State
		current = res.NextNodeID
	}

	sim.State = state
	sim.Completed = res.Completed
	return sim
}

func (s *SimulationResult) appendBot(res RunResult) {
	for _, m := range res.RetryMessages {
		s.Transcript = append(s.Transcript, TranscriptEntry{From: TranscriptBot, Message: m})
	}
	for _, m := range res.BotMessages {
		s.Transcript = append(s.Transcript, TranscriptEntry{From: TranscriptBot, Message: m})
	}
	s.Diagnostics = append(s.Diagnostics, res.Diagnostics...)
}
