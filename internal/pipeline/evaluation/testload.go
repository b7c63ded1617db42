package evaluation

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/pipeline/runerr"
)

// jsonTestCase mirrors config.TestCase's fields with JSON tags, since
// the load_test file is JSON while inline tests are YAML.
// "type" defaults to "human" when absent, matching test fixtures that
// only ever carried a bare list of queries.
type jsonTestCase struct {
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Query       string   `json:"query"`
	Prompt      string   `json:"prompt"`
	EvalType    string   `json:"eval_type"`
	Timeout     int      `json:"timeout"`
	MaxTurns    int      `json:"max_turns"`
	RelevantIDs []string `json:"relevant_ids"`
	MCP         *struct {
		Type    string            `json:"type"`
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env"`
		Cwd     string            `json:"cwd"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"mcp"`
}

// LoadTestFile loads test cases from a JSON file. The first of the
// keys "test_cases", "tests", or any other list-valued key is accepted
// as the array of test case objects.
func LoadTestFile(path string) ([]config.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, runerr.New(runerr.PathNotFound, "evaluate", fmt.Errorf("load_test %s: %w", path, err))
	}

	var root map[string]json.RawMessage
	var list []json.RawMessage
	if err := json.Unmarshal(data, &root); err == nil {
		list = pickListKey(root)
	} else {
		// The file may be a bare JSON array.
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "evaluate", fmt.Errorf("parse %s: %w", path, err))
		}
	}

	cases := make([]config.TestCase, 0, len(list))
	for _, raw := range list {
		var jtc jsonTestCase
		if err := json.Unmarshal(raw, &jtc); err != nil {
			return nil, runerr.New(runerr.ConfigInvalid, "evaluate", fmt.Errorf("parse test case in %s: %w", path, err))
		}
		cases = append(cases, toTestCase(jtc))
	}
	return cases, nil
}

// pickListKey returns the first list-valued key in root, preferring the
// conventional names "test_cases" and "tests" before falling back to
// scanning for any array value, so differently-named fixture files
// still load.
func pickListKey(root map[string]json.RawMessage) []json.RawMessage {
	for _, preferred := range []string{"test_cases", "tests"} {
		if raw, ok := root[preferred]; ok {
			var list []json.RawMessage
			if json.Unmarshal(raw, &list) == nil {
				return list
			}
		}
	}
	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var list []json.RawMessage
		if json.Unmarshal(root[k], &list) == nil {
			return list
		}
	}
	return nil
}

func toTestCase(j jsonTestCase) config.TestCase {
	kind := config.TestKind(j.Type)
	if kind == "" {
		kind = config.KindHuman
	}
	tc := config.TestCase{
		Kind:        kind,
		Name:        j.Name,
		Query:       j.Query,
		RelevantIDs: j.RelevantIDs,
	}
	switch kind {
	case config.KindLLM:
		tc.Prompt = j.Prompt
		tc.EvalType = j.EvalType
	case config.KindAgent:
		tc.AgentPrompt = j.Prompt
		tc.Timeout = j.Timeout
		tc.MaxTurns = j.MaxTurns
		if j.MCP != nil {
			tc.MCP = &config.MCPConfig{
				Type: j.MCP.Type, Command: j.MCP.Command, Args: j.MCP.Args,
				Env: j.MCP.Env, Cwd: j.MCP.Cwd, URL: j.MCP.URL, Headers: j.MCP.Headers,
			}
		}
	}
	return tc
}
