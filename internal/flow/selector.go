package flow

import (
	"log/slog"
	"strings"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

// SelectFlow chooses the flow that should start a session for an unclassified
// inbound message.
//
// Flows are considered in the order given (callers pass them priority
// ordered). Manual-trigger flows are never selected automatically.
// Default-trigger flows do not compete on keywords; the first one is
// remembered as the fallback returned when no keyword flow matches. Keyword
// matching is a case- and diacritic-insensitive substring test on the
// normalized message text. Returns nil when nothing applies.
func SelectFlow(flows []models.Flow, text string) *models.Flow {
	normalized := Normalize(text)

	var fallback *models.Flow
	for i := range flows {
		f := &flows[i]
		if !f.Active {
			continue
		}
		switch f.Trigger {
		case models.FlowTriggerManual:
			continue
		case models.FlowTriggerDefault:
			if fallback == nil {
				fallback = f
			}
			continue
		}
		for _, kw := range f.Keywords {
			nkw := Normalize(kw)
			if nkw == "" {
				continue
			}
			if strings.Contains(normalized, nkw) {
				slog.Debug("flow.SelectFlow: keyword matched", "flowID", f.ID, "keyword", kw)
				return f
			}
		}
	}

	if fallback != nil {
		slog.Debug("flow.SelectFlow: using default flow", "flowID", fallback.ID)
	}
	return fallback
}
