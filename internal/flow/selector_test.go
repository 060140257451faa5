package flow

import (
	"testing"

	"github.com/FlowDeskHQ/FlowDesk/internal/models"
)

func selectorFlows() []models.Flow {
	return []models.Flow{
		{ID: "billing", Trigger: models.FlowTriggerKeyword, Keywords: []string{"boleto", "fatura"}, Active: true},
		{ID: "support", Trigger: models.FlowTriggerKeyword, Keywords: []string{"ajuda", "suporte"}, Active: true},
		{ID: "welcome", Trigger: models.FlowTriggerDefault, Active: true},
		{ID: "survey", Trigger: models.FlowTriggerManual, Keywords: []string{"pesquisa"}, Active: true},
	}
}

func TestSelectFlowKeyword(t *testing.T) {
	flows := selectorFlows()
	cases := []struct {
		text string
		want string
	}{
		{"preciso do boleto", "billing"},
		{"Segunda via da FATURA por favor", "billing"},
		{"ajuda", "support"},
		{"bom dia", "welcome"},
		{"qualquer coisa", "welcome"},
	}
	for _, c := range cases {
		got := SelectFlow(flows, c.text)
		if got == nil {
			t.Errorf("SelectFlow(%q) = nil, want %s", c.text, c.want)
			continue
		}
		if got.ID != c.want {
			t.Errorf("SelectFlow(%q) = %s, want %s", c.text, got.ID, c.want)
		}
	}
}

func TestSelectFlowDiacriticInsensitive(t *testing.T) {
	flows := []models.Flow{
		{ID: "info", Trigger: models.FlowTriggerKeyword, Keywords: []string{"informação"}, Active: true},
	}
	got := SelectFlow(flows, "quero INFORMACAO sobre o plano")
	if got == nil || got.ID != "info" {
		t.Errorf("expected diacritic-insensitive match, got %v", got)
	}
}

func TestSelectFlowSkipsManualAndInactive(t *testing.T) {
	flows := []models.Flow{
		{ID: "survey", Trigger: models.FlowTriggerManual, Keywords: []string{"pesquisa"}, Active: true},
		{ID: "old", Trigger: models.FlowTriggerKeyword, Keywords: []string{"pesquisa"}, Active: false},
	}
	if got := SelectFlow(flows, "pesquisa"); got != nil {
		t.Errorf("expected nil, got %s", got.ID)
	}
}

func TestSelectFlowNoDefaultReturnsNil(t *testing.T) {
	flows := []models.Flow{
		{ID: "billing", Trigger: models.FlowTriggerKeyword, Keywords: []string{"boleto"}, Active: true},
	}
	if got := SelectFlow(flows, "bom dia"); got != nil {
		t.Errorf("expected nil when nothing matches, got %s", got.ID)
	}
}

func TestSelectFlowFirstDefaultWins(t *testing.T) {
	flows := []models.Flow{
		{ID: "first-default", Trigger: models.FlowTriggerDefault, Active: true},
		{ID: "second-default", Trigger: models.FlowTriggerDefault, Active: true},
	}
	got := SelectFlow(flows, "hello")
	if got == nil || got.ID != "first-default" {
		t.Errorf("expected first default flow, got %v", got)
	}
}
