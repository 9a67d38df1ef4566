package config

import (
	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// genState is a state of the generation-flag resolver.
type genState int

const (
	genUnset genState = iota
	genKilled
	genKilledLegacy
	genLegacy
	genSynthesis
	genBoth
	genHybrid
)

// genEvent is a requested flag, fed to the resolver in a fixed order.
type genEvent struct {
	flag string
	set  bool
}

// ResolveGenerationMode evaluates the generation flags once at startup. Mutually exclusive
// requests produce a ConfigurationConflictError instead of a silent fallback.
//
// The kill switch disables language-model synthesis; legacy mutation and synthesis may only be
// combined when hybrid is requested explicitly.
func ResolveGenerationMode(g GenerationConfig) (domain.GenerationMode, error) {
	events := []genEvent{
		{"kill_switch", g.KillSwitch},
		{"legacy_mutation", g.LegacyMutation},
		{"llm_synthesis", g.LLMSynthesis},
		{"hybrid", g.Hybrid},
	}

	state := genUnset
	var requested []string
	for _, ev := range events {
		if !ev.set {
			continue
		}
		requested = append(requested, ev.flag)
		next, reason := transition(state, ev.flag)
		if reason != "" {
			return "", domain.ConfigurationConflictError{Flags: requested, Reason: reason}
		}
		state = next
	}

	switch state {
	case genBoth:
		return "", domain.ConfigurationConflictError{
			Flags:  requested,
			Reason: "legacy mutation and LLM synthesis are mutually exclusive unless hybrid is set",
		}
	case genSynthesis:
		return domain.GenerationModeSynthesis, nil
	case genHybrid:
		return domain.GenerationModeHybrid, nil
	default:
		// Unset, killed and legacy states all fall back to mutation.
		return domain.GenerationModeMutation, nil
	}
}

func transition(state genState, flag string) (genState, string) {
	switch state {
	case genUnset:
		switch flag {
		case "kill_switch":
			return genKilled, ""
		case "legacy_mutation":
			return genLegacy, ""
		case "llm_synthesis":
			return genSynthesis, ""
		case "hybrid":
			return state, "hybrid requires both legacy_mutation and llm_synthesis"
		}
	case genKilled, genKilledLegacy:
		switch flag {
		case "legacy_mutation":
			return genKilledLegacy, ""
		case "llm_synthesis", "hybrid":
			return state, "kill switch is engaged; " + flag + " cannot be enabled"
		}
	case genLegacy:
		switch flag {
		case "llm_synthesis":
			return genBoth, ""
		case "hybrid":
			return state, "hybrid requires llm_synthesis"
		}
	case genSynthesis:
		if flag == "hybrid" {
			return state, "hybrid requires legacy_mutation"
		}
	case genBoth:
		if flag == "hybrid" {
			return genHybrid, ""
		}
	}
	return state, "unexpected flag " + flag
}
