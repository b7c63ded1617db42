package evaluation

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	mcppkg "github.com/modelcontextprotocol/go-sdk/mcp"

	"pigeon/internal/pipeline/config"
	"pigeon/internal/version"
)

// AgentStatus is the terminal state recorded for an agent test.
type AgentStatus string

const (
	AgentCompleted AgentStatus = "completed"
	AgentTimeout   AgentStatus = "timeout"
	AgentError     AgentStatus = "error"
)

// AgentResult is what an agent test's report records: the final
// message, the tool names invoked along the way, and a terminal status.
type AgentResult struct {
	FinalMessage string      `json:"final_message"`
	ToolsCalled  []string    `json:"tools_called"`
	Status       AgentStatus `json:"status"`
}

// AgentRunner drives one agent test: spawn the described MCP server,
// instantiate an agent with the test's prompt, enforce timeout/
// max_turns, and report what happened. The concrete agent runtime (the
// LLM loop that decides which tools to call) is a seam production
// wiring plugs a real agent into; the MCP transport itself is wired
// for real here.
type AgentRunner interface {
	Run(ctx context.Context, mcpCfg *config.MCPConfig, llmCfg *config.LLMConfig, prompt string, maxTurns int) (AgentResult, error)
}

// DeterministicAgentRunner never performs network or subprocess I/O,
// for dry runs.
type DeterministicAgentRunner struct{}

func (DeterministicAgentRunner) Run(_ context.Context, _ *config.MCPConfig, _ *config.LLMConfig, prompt string, _ int) (AgentResult, error) {
	return AgentResult{
		FinalMessage: fmt.Sprintf("dry-run agent response to: %s", prompt),
		ToolsCalled:  nil,
		Status:       AgentCompleted,
	}, nil
}

// MCPAgentRunner connects to the described MCP server, lists its
// tools, and calls the first available tool with the prompt as its
// sole argument, a minimal single-turn policy standing in for a full
// agent LLM loop. Both descriptor shapes are supported: stdio via
// CommandTransport, sse via the SDK's streaming HTTP transport.
type MCPAgentRunner struct{}

func (MCPAgentRunner) Run(ctx context.Context, mcpCfg *config.MCPConfig, _ *config.LLMConfig, prompt string, maxTurns int) (AgentResult, error) {
	if mcpCfg == nil {
		return AgentResult{Status: AgentError}, fmt.Errorf("agent test requires an mcp server descriptor")
	}

	client := mcppkg.NewClient(&mcppkg.Implementation{Name: "pigeon", Version: version.Version}, nil)

	var session *mcppkg.ClientSession
	var err error
	switch mcpCfg.Type {
	case "", "stdio":
		cmd := exec.CommandContext(ctx, mcpCfg.Command, mcpCfg.Args...)
		cmd.Dir = mcpCfg.Cwd
		if len(mcpCfg.Env) > 0 {
			env := os.Environ()
			for k, v := range mcpCfg.Env {
				env = append(env, fmt.Sprintf("%s=%s", k, v))
			}
			cmd.Env = env
		}
		session, err = client.Connect(ctx, &mcppkg.CommandTransport{Command: cmd}, nil)
	case "sse":
		httpClient := &http.Client{Transport: &headerRoundTripper{headers: mcpCfg.Headers, base: http.DefaultTransport}}
		if mcpCfg.Timeout > 0 {
			httpClient.Timeout = time.Duration(mcpCfg.Timeout) * time.Second
		}
		transport := &mcppkg.StreamableClientTransport{Endpoint: mcpCfg.URL, HTTPClient: httpClient}
		session, err = client.Connect(ctx, transport, nil)
	default:
		return AgentResult{Status: AgentError}, fmt.Errorf("unknown mcp descriptor type %q", mcpCfg.Type)
	}
	if err != nil {
		return AgentResult{Status: AgentError}, fmt.Errorf("mcp connect: %w", err)
	}
	defer session.Close()

	var toolName string
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			break
		}
		toolName = tool.Name
		break
	}
	if toolName == "" {
		return AgentResult{Status: AgentError}, fmt.Errorf("mcp server exposed no tools")
	}

	turns := maxTurns
	if turns <= 0 {
		turns = 1
	}

	var toolsCalled []string
	var lastText string
	for i := 0; i < turns; i++ {
		select {
		case <-ctx.Done():
			return AgentResult{FinalMessage: lastText, ToolsCalled: toolsCalled, Status: AgentTimeout}, nil
		default:
		}
		res, callErr := session.CallTool(ctx, &mcppkg.CallToolParams{
			Name:      toolName,
			Arguments: map[string]any{"query": prompt},
		})
		if callErr != nil {
			return AgentResult{FinalMessage: lastText, ToolsCalled: toolsCalled, Status: AgentError}, callErr
		}
		toolsCalled = append(toolsCalled, toolName)
		var texts []string
		for _, c := range res.Content {
			if tc, ok := c.(*mcppkg.TextContent); ok {
				texts = append(texts, tc.Text)
			}
		}
		lastText = strings.Join(texts, "\n")
		break // single-turn policy: one tool call answers the prompt
	}

	return AgentResult{FinalMessage: lastText, ToolsCalled: toolsCalled, Status: AgentCompleted}, nil
}

type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
