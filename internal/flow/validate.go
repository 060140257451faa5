package flow

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// Default messages shown to contacts when validation fails. Nodes may
// override them via their validation block or retryMessage.
const (
	DefaultRequiredMessage = "I need this information to continue. Please try again."
	DefaultNumberMessage   = "Please reply with a number."
	DefaultEmailMessage    = "That doesn't look like a valid email address. Please try again."
	DefaultPhoneMessage    = "That doesn't look like a valid phone number. Please try again."
	DefaultRegexMessage    = "That answer isn't in the format I expected. Please try again."
	DefaultRetryMessage    = "Sorry, I didn't understand. Please reply with the number of one of the options."
)

// Phone numbers must have 10-14 digits after stripping formatting.
const (
	minPhoneDigits = 10
	maxPhoneDigits = 14
)

var (
	numberPattern   = regexp.MustCompile(`^-?\d+([.,]\d+)?$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	nonDigitPattern = regexp.MustCompile(`\D`)
)

// ValidationResult is the outcome of validating one free-text answer.
// A failed validation is normal control flow, not an error: the message is
// sent back to the contact and the node stays suspended.
type ValidationResult struct {
	OK      bool
	Message string
}

func validationOK() ValidationResult {
	return ValidationResult{OK: true}
}

func validationFailed(custom, fallback string) ValidationResult {
	if custom != "" {
		return ValidationResult{Message: custom}
	}
	return ValidationResult{Message: fallback}
}

// ValidateInput checks a contact's answer against an input node's rules.
// Rules run in order (required, min/max length, type check, custom regex)
// and the first failing rule supplies the retry message.
func ValidateInput(node *models.InputNode, raw string) ValidationResult {
	value := strings.TrimSpace(raw)
	if value == "" {
		return validationFailed("", DefaultRequiredMessage)
	}

	v := node.Validation
	if v == nil {
		return validationOK()
	}

	// Length limits count characters, not bytes; accented answers must not
	// over-count.
	length := utf8.RuneCountInString(value)
	if v.MinLength > 0 && length < v.MinLength {
		return validationFailed(v.Message, fmt.Sprintf("Please provide at least %d characters.", v.MinLength))
	}
	if v.MaxLength > 0 && length > v.MaxLength {
		return validationFailed(v.Message, fmt.Sprintf("Please keep it under %d characters.", v.MaxLength))
	}

	switch v.Type {
	case models.ValidationNumber:
		if !numberPattern.MatchString(value) {
			return validationFailed(v.Message, DefaultNumberMessage)
		}
	case models.ValidationEmail:
		if !emailPattern.MatchString(value) {
			return validationFailed(v.Message, DefaultEmailMessage)
		}
	case models.ValidationPhone:
		digits := nonDigitPattern.ReplaceAllString(value, "")
		if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
			return validationFailed(v.Message, DefaultPhoneMessage)
		}
	case models.ValidationFreeform, "":
		// No type-specific check.
	default:
		slog.Warn("flow.ValidateInput: unknown validation type, skipping", "type", v.Type, "nodeID", node.NodeID)
	}

	if v.Regex != "" {
		re, err := regexp.Compile(v.Regex)
		if err != nil {
			// A broken author regex must not lock the conversation; accept the
			// answer and surface the problem in the logs.
			slog.Warn("flow.ValidateInput: invalid custom regex, accepting input", "regex", v.Regex, "nodeID", node.NodeID, "error", err)
			return validationOK()
		}
		if !re.MatchString(value) {
			return validationFailed(v.Message, DefaultRegexMessage)
		}
	}

	return validationOK()
}

// OptionMatch is the outcome of resolving a contact's answer against a
// question node's options.
type OptionMatch struct {
	// Option is the matched option, nil for a free-text acceptance.
	Option *models.QuestionOption
	// Next is the node the conversation advances to.
	Next string
	// StoreValue is what gets written to the node's storeField, if set.
	StoreValue string
	// FreeText marks a synthetic match produced by allowFreeText.
	FreeText bool
}

// ResolveOption matches a contact's answer to one of a question node's
// options. Matching is case- and diacritic-insensitive against each option's
// value, label, keywords and 1-based index. When nothing matches and the node
// allows free text, a synthetic match targeting the node's default next is
// returned with the raw answer as the stored value. Otherwise nil is returned
// and the caller must retry.
func ResolveOption(node *models.QuestionNode, raw string) *OptionMatch {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil
	}

	for i := range node.Options {
		opt := &node.Options[i]
		if optionMatches(opt, normalized, i) {
			next := opt.Next
			if next == "" {
				next = node.Next
			}
			stored := opt.StoreValue
			if stored == "" {
				stored = opt.Value
			}
			return &OptionMatch{Option: opt, Next: next, StoreValue: stored}
		}
	}

	if node.AllowFreeText {
		return &OptionMatch{Next: node.FreeTextNext(), StoreValue: strings.TrimSpace(raw), FreeText: true}
	}
	return nil
}

func optionMatches(opt *models.QuestionOption, normalized string, index int) bool {
	if Normalize(opt.Value) == normalized {
		return true
	}
	if opt.Label != "" && Normalize(opt.Label) == normalized {
		return true
	}
	if normalized == strconv.Itoa(index+1) {
		return true
	}
	for _, kw := range opt.Keywords {
		if Normalize(kw) == normalized {
			return true
		}
	}
	return false
}

// FormatQuestionPrompt renders a question node as the message shown to the
// contact: content followed by one numbered line per option.
func FormatQuestionPrompt(node *models.QuestionNode) string {
	var sb strings.Builder
	sb.WriteString(node.Content)
	for i, opt := range node.Options {
		label := opt.Label
		if label == "" {
			label = opt.Value
		}
		sb.WriteString(fmt.Sprintf("\n%d. %s", i+1, label))
	}
	return sb.String()
}
