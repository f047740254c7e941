package config

import "fmt"

// SettingsDiff describes what changed between two loaded configs. The dynamic
// subset (agent personas, greetings, owner fields, log level) can be applied
// live; everything else is reported in RestartNeeded.
type SettingsDiff struct {
	AgentsChanged   bool        // true if any agent persona, objective, tier, or tool list changed
	AgentChanges    []AgentDiff // per-agent diffs
	OwnerChanged    bool
	IncomingChanged bool
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartNeeded lists section names whose changes cannot be hot-applied
	// (providers, modem, crm, knowledge, integrations, calls, metrics_addr).
	RestartNeeded []string
}

// Dynamic reports whether the diff carries any hot-applicable change.
func (d SettingsDiff) Dynamic() bool {
	return d.AgentsChanged || d.OwnerChanged || d.IncomingChanged || d.LogLevelChanged
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	ID               string
	PersonaChanged   bool
	ObjectiveChanged bool
	TierChanged      bool
	ToolsChanged     bool
	Added            bool
	Removed          bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Settings) SettingsDiff {
	d := SettingsDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Owner != new.Owner {
		d.OwnerChanged = true
	}
	if old.Incoming != new.Incoming {
		d.IncomingChanged = true
	}

	// Build agent lookup maps keyed by id.
	oldAgents := make(map[string]*AgentSpec, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].ID] = &old.Agents[i]
	}
	newAgents := make(map[string]*AgentSpec, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].ID] = &new.Agents[i]
	}

	// Detect modified and removed agents.
	for id, oldAg := range oldAgents {
		newAg, exists := newAgents[id]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				ID:      id,
				Removed: true,
			})
			d.AgentsChanged = true
			continue
		}
		ad := diffAgent(id, oldAg, newAg)
		if ad.PersonaChanged || ad.ObjectiveChanged || ad.TierChanged || ad.ToolsChanged {
			d.AgentChanges = append(d.AgentChanges, ad)
			d.AgentsChanged = true
		}
	}

	// Detect added agents.
	for id := range newAgents {
		if _, exists := oldAgents[id]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{
				ID:    id,
				Added: true,
			})
			d.AgentsChanged = true
		}
	}

	// Structural sections that need a restart to apply.
	if !equalProviders(old.Providers, new.Providers) {
		d.RestartNeeded = append(d.RestartNeeded, "providers")
	}
	if old.Modem != new.Modem {
		d.RestartNeeded = append(d.RestartNeeded, "modem")
	}
	if old.CRM != new.CRM {
		d.RestartNeeded = append(d.RestartNeeded, "crm")
	}
	if old.Knowledge != new.Knowledge {
		d.RestartNeeded = append(d.RestartNeeded, "knowledge")
	}
	if !equalServers(old.Integrations.Servers, new.Integrations.Servers) {
		d.RestartNeeded = append(d.RestartNeeded, "integrations")
	}
	if old.Calls != new.Calls {
		d.RestartNeeded = append(d.RestartNeeded, "calls")
	}
	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "server.metrics_addr")
	}

	return d
}

// diffAgent compares two agent records with the same id.
func diffAgent(id string, old, new *AgentSpec) AgentDiff {
	ad := AgentDiff{ID: id}

	if old.PersonaPrompt != new.PersonaPrompt {
		ad.PersonaChanged = true
	}
	if old.Objective != new.Objective {
		ad.ObjectiveChanged = true
	}
	if old.ModelTier != new.ModelTier {
		ad.TierChanged = true
	}
	if !equalStrings(old.ToolsAllowed, new.ToolsAllowed) {
		ad.ToolsChanged = true
	}

	return ad
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalProviders(a, b ProvidersConfig) bool {
	return equalEntry(a.LLM, b.LLM) &&
		equalEntry(a.STT, b.STT) &&
		equalEntry(a.TTS, b.TTS) &&
		equalEntry(a.Realtime, b.Realtime) &&
		equalEntry(a.Embeddings, b.Embeddings) &&
		equalEntry(a.VAD, b.VAD)
}

// equalEntry compares provider entries. Option values are compared by their
// printed form, which is enough for the scalar values options carry.
func equalEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// equalServers compares MCP server lists by their comparable fields. Auth and
// Env carry pointers and maps, so any difference in presence counts as a change.
func equalServers(a, b []MCPServerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name ||
			a[i].Transport != b[i].Transport ||
			a[i].Command != b[i].Command ||
			a[i].URL != b[i].URL ||
			(a[i].Auth == nil) != (b[i].Auth == nil) ||
			len(a[i].Env) != len(b[i].Env) {
			return false
		}
	}
	return true
}
