// Package messaging connects chat transports to the conversation engine.
//
// A Service abstracts a WhatsApp transport (whatsmeow or Twilio). The
// Responder consumes the transport's inbound messages and hands them to the
// session manager; the Dispatcher persists outbound bot replies for the
// store's outbox sender to deliver.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// Channel configuration shared by the transport implementations.
const (
	// DefaultChannelBufferSize defines the buffer size for response channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel sends.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when a send is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service is stopped")

// phoneNumberRegex strips everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message transport.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Each transport implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of incoming contact messages.
	Responses() <-chan models.Response
}
