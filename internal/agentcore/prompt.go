package agentcore

import (
	"fmt"
	"strings"

	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	"github.com/voiceswitch/voiceswitch/internal/workflow"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// assemblePrompt builds the system prompt in its fixed order: inherited
// context, persona, handoff instructions, rendered workflow. The inherited
// context must come first so the model anchors on already-known facts before
// reading instructions; reordering makes it re-ask for known information.
func (c *Core) assemblePrompt(mem types.SessionMemory) string {
	var sections []string
	if block := contextBlock(mem, c.cfg.Routing); block != "" {
		sections = append(sections, block)
	}
	if p := strings.TrimSpace(c.cfg.Persona.Prompt); p != "" {
		sections = append(sections, p)
	}
	if block := handoffInstructions(c.handoffTools()); block != "" {
		sections = append(sections, block)
	}
	sections = append(sections, c.cfg.Workflow.Render())
	return strings.Join(sections, "\n\n")
}

// contextBlock renders the inherited-memory facts, or "" when there is
// nothing worth injecting.
func contextBlock(mem types.SessionMemory, routing bool) string {
	var lines []string
	if mem.Verified && mem.VerifiedUser != nil {
		lines = append(lines, fmt.Sprintf(
			"- The customer is already identity-verified: %s, account %s, sort code %s. Do not verify them again.",
			mem.VerifiedUser.CustomerName, mem.VerifiedUser.AccountID, mem.VerifiedUser.SortCode))
	}
	if mem.UserIntent != "" {
		lines = append(lines, fmt.Sprintf("- The customer's stated goal: %s.", mem.UserIntent))
		if !routing {
			lines = append(lines, "- The goal above is already known. Proceed with it immediately; do not ask the customer to repeat it.")
		}
	}
	if routing && mem.TaskSummary != "" {
		lines = append(lines, fmt.Sprintf("- Last completed task: %s.", mem.TaskSummary))
	}
	if mem.Summary != "" {
		lines = append(lines, fmt.Sprintf("- Conversation so far: %s", mem.Summary))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Known session context:\n" + strings.Join(lines, "\n")
}

// handoffInstructions renders the instruction block for the handoff
// pseudo-tools the agent offers.
func handoffInstructions(tools []types.ToolDefinition) string {
	if len(tools) == 0 {
		return ""
	}
	lines := []string{"Handing the conversation to another agent:"}
	for _, tool := range tools {
		if target, ok := strings.CutPrefix(tool.Name, dispatch.TransferPrefix); ok {
			lines = append(lines, fmt.Sprintf(
				"- Call %q to transfer the customer to the %s agent, passing the reason for the transfer.",
				tool.Name, target))
			continue
		}
		lines = append(lines, fmt.Sprintf(
			"- When the customer's task is finished, call %q with a short description of what was completed in task_completed.",
			tool.Name))
	}
	return strings.Join(lines, "\n")
}

// handoffTools derives the handoff pseudo-tool catalogue: one transfer tool
// per handoff node target in the workflow, plus the return tool for every
// agent that is not the routing agent itself.
func (c *Core) handoffTools() []types.ToolDefinition {
	seen := make(map[string]bool)
	var out []types.ToolDefinition
	for _, n := range c.cfg.Workflow.Nodes {
		if n.Type != workflow.NodeHandoff || n.Target == "" {
			continue
		}
		name := dispatch.TransferPrefix + n.Target
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, types.ToolDefinition{
			Name:        name,
			Description: fmt.Sprintf("Transfer the customer to the %s agent.", n.Target),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{
						"type":        "string",
						"description": "Why the customer is being transferred, in their own words.",
					},
				},
				"required": []any{"reason"},
			},
		})
	}
	if !c.cfg.Routing {
		out = append(out, types.ToolDefinition{
			Name:        dispatch.ReturnPrefix + "routing",
			Description: "Return the customer to the routing agent once their task is complete.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"task_completed": map[string]any{
						"type":        "string",
						"description": "A short description of the completed task.",
					},
				},
				"required": []any{"task_completed"},
			},
		})
	}
	return out
}

// toolCatalog is the catalogue offered to the model: the executor's tools
// filtered by the agent's declared scopes, plus the handoff tools.
func (c *Core) toolCatalog() []types.ToolDefinition {
	var out []types.ToolDefinition
	for _, tool := range c.cfg.Tools {
		if inScope(tool.Name, c.cfg.ToolScopes) {
			out = append(out, tool)
		}
	}
	return append(out, c.handoffTools()...)
}

// inScope reports whether a tool name matches any declared scope prefix.
// An empty scope list admits every tool.
func inScope(name string, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, s := range scopes {
		if strings.HasPrefix(name, s) {
			return true
		}
	}
	return false
}
