package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a guard expression against ctx. The guard language is a
// conjunction of comparison clauses:
//
//	verified == true
//	toolResult.auth_status == "VERIFIED"
//	userIntent contains "balance" && verified == true
//
// Operands resolve against session memory fields (verified, userIntent,
// taskSummary, currentAgentId, handoffInFlight) or the last tool result
// (toolResult.<field>). Operators are ==, != and contains. An empty guard is
// unconditionally true. Any evaluation error — unknown field, malformed
// clause, type mismatch — makes the whole guard false.
func Eval(guard string, ctx Context) bool {
	guard = strings.TrimSpace(guard)
	if guard == "" {
		return true
	}
	for _, clause := range strings.Split(guard, "&&") {
		ok, err := evalClause(strings.TrimSpace(clause), ctx)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func evalClause(clause string, ctx Context) (bool, error) {
	var op string
	switch {
	case strings.Contains(clause, "!="):
		op = "!="
	case strings.Contains(clause, "=="):
		op = "=="
	case strings.Contains(clause, " contains "):
		op = " contains "
	default:
		return false, fmt.Errorf("workflow: guard clause %q has no operator", clause)
	}

	parts := strings.SplitN(clause, op, 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("workflow: guard clause %q is malformed", clause)
	}
	left, err := resolve(strings.TrimSpace(parts[0]), ctx)
	if err != nil {
		return false, err
	}
	right, err := literal(strings.TrimSpace(parts[1]))
	if err != nil {
		return false, err
	}

	switch strings.TrimSpace(op) {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "contains":
		ls, lok := left.(string)
		rs, rok := right.(string)
		if !lok || !rok {
			return false, fmt.Errorf("workflow: contains requires string operands in %q", clause)
		}
		return strings.Contains(strings.ToLower(ls), strings.ToLower(rs)), nil
	}
	return false, fmt.Errorf("workflow: unsupported operator in %q", clause)
}

// resolve looks up an operand path in the guard context.
func resolve(path string, ctx Context) (any, error) {
	if field, ok := strings.CutPrefix(path, "toolResult."); ok {
		if ctx.ToolResult == nil {
			return nil, fmt.Errorf("workflow: no tool result for %q", path)
		}
		v, ok := ctx.ToolResult[field]
		if !ok {
			return nil, fmt.Errorf("workflow: tool result has no field %q", field)
		}
		return v, nil
	}

	switch path {
	case "verified":
		return ctx.Memory.Verified, nil
	case "userIntent":
		return ctx.Memory.UserIntent, nil
	case "taskSummary":
		return ctx.Memory.TaskSummary, nil
	case "currentAgentId":
		return ctx.Memory.CurrentAgentID, nil
	case "handoffInFlight":
		return ctx.Memory.HandoffInFlight, nil
	default:
		return nil, fmt.Errorf("workflow: unknown guard field %q", path)
	}
}

// literal parses the right-hand side of a clause: a quoted string, a bool,
// or a number.
func literal(s string) (any, error) {
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1], nil
	}
	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("workflow: cannot parse guard literal %q", s)
}

// equal compares an operand value with a parsed literal, tolerating the
// numeric and string representations JSON decoding produces.
func equal(left, right any) bool {
	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r
		}
	case float64:
		if r, ok := right.(float64); ok {
			return l == r
		}
	case int:
		if r, ok := right.(float64); ok {
			return float64(l) == r
		}
	}
	return false
}
