package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductor/internal/config"
	"github.com/fyrsmithlabs/conductor/internal/logging"
)

const (
	defaultMaxOutput     = 64 * 1024
	defaultExecWaitDelay = 5 * time.Second
	maxAgentResponse     = 4 * 1024 * 1024
	maxErrorBody         = 512
)

// ExecHandler runs the command in a step's input.
//
// The "command" input is either a string, run through sh -c, or a list of
// arguments run directly. An optional "dir" input overrides Dir.
type ExecHandler struct {
	Dir       string
	Env       []string
	MaxOutput int      // bytes of combined output kept, tail first
	Scrubber  Scrubber // redacts secrets from captured output, optional
}

// ExecResult is the result of a successful command.
type ExecResult struct {
	Command  []string      `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CommandError reports a command that exited non-zero.
type CommandError struct {
	Command  []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > maxErrorBody {
		out = "..." + out[len(out)-maxErrorBody:]
	}
	if out == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Command[0], e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command[0], e.ExitCode, out)
}

// Handle runs the step's command until it exits or ctx is done.
func (h *ExecHandler) Handle(ctx context.Context, step *Step) (any, error) {
	argv, err := commandOf(step)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) // #nosec G204 -- commands come from operator plans
	cmd.Dir = h.Dir
	if dir, ok := step.Input["dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if len(h.Env) > 0 {
		cmd.Env = append(os.Environ(), h.Env...)
	}
	cmd.WaitDelay = defaultExecWaitDelay

	limit := h.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	out := &tailBuffer{max: limit}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err = cmd.Run()
	output := out.String()
	if h.Scrubber != nil {
		output = h.Scrubber.Scrub(output)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("command %q: %w", argv[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CommandError{Command: argv, ExitCode: exitErr.ExitCode(), Output: output}
		}
		return nil, fmt.Errorf("running %q: %w", argv[0], err)
	}

	return ExecResult{
		Command:  argv,
		ExitCode: 0,
		Output:   output,
		Duration: time.Since(start),
	}, nil
}

func commandOf(step *Step) ([]string, error) {
	switch c := step.Input["command"].(type) {
	case string:
		if strings.TrimSpace(c) == "" {
			break
		}
		return []string{"sh", "-c", c}, nil
	case []string:
		if len(c) > 0 {
			return c, nil
		}
	case []any:
		argv := make([]string, 0, len(c))
		for _, a := range c {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("step %s: command arguments must be strings, got %T", step.ID, a)
			}
			argv = append(argv, s)
		}
		if len(argv) > 0 {
			return argv, nil
		}
	}
	return nil, fmt.Errorf("step %s: input has no command", step.ID)
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	buf []byte
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string { return string(b.buf) }

// Agent is a remote agent endpoint.
type Agent struct {
	URL     string
	APIKey  config.Secret
	Timeout time.Duration
}

// AgentRequest is the body POSTed to an agent.
type AgentRequest struct {
	RunID string `json:"run_id,omitempty"`
	Step  *Step  `json:"step"`
}

// AgentError reports a non-2xx agent response.
type AgentError struct {
	Agent      string
	StatusCode int
	Body       string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent %s returned %d: %s", e.Agent, e.StatusCode, e.Body)
}

// HTTPAgentHandler POSTs steps to the agent named by Step.Agent and
// returns the decoded JSON response.
type HTTPAgentHandler struct {
	client *http.Client
	agents map[string]Agent
	logger *logging.Logger
}

// NewHTTPAgentHandler creates a handler for agents. A nil client uses a
// client without a global timeout; per-agent timeouts apply instead.
func NewHTTPAgentHandler(agents map[string]Agent, client *http.Client, logger *logging.Logger) *HTTPAgentHandler {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	copied := make(map[string]Agent, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &HTTPAgentHandler{client: client, agents: copied, logger: logger.Named("agent")}
}

// Handle sends step to its agent.
func (h *HTTPAgentHandler) Handle(ctx context.Context, step *Step) (any, error) {
	agent, ok := h.agents[step.Agent]
	if !ok {
		return nil, fmt.Errorf("step %s: unknown agent %q", step.ID, step.Agent)
	}
	if agent.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, agent.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(AgentRequest{RunID: logging.RunIDFromContext(ctx), Step: step})
	if err != nil {
		return nil, fmt.Errorf("encoding step %s: %w", step.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if id := logging.TaskIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}
	if agent.APIKey.IsSet() {
		req.Header.Set("Authorization", "Bearer "+agent.APIKey.Value())
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	h.logger.Trace(ctx, "agent request", zap.String("agent", step.Agent), zap.ByteString("body", body))

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling agent %s: %w", step.Agent, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponse+1))
	if err != nil {
		return nil, fmt.Errorf("reading agent %s response: %w", step.Agent, err)
	}
	if len(data) > maxAgentResponse {
		return nil, fmt.Errorf("agent %s response exceeds %d bytes", step.Agent, maxAgentResponse)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody] + "..."
		}
		return nil, &AgentError{Agent: step.Agent, StatusCode: resp.StatusCode, Body: msg}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decoding agent %s response: %w", step.Agent, err)
	}
	return result, nil
}

// LogRecorder records learnings as log entries.
type LogRecorder struct {
	Logger *logging.Logger
}

// RecordLearning logs content at Info.
func (r LogRecorder) RecordLearning(ctx context.Context, content string, tags []string) error {
	if r.Logger == nil {
		return nil
	}
	r.Logger.Info(ctx, "run learning", zap.Strings("tags", tags), zap.String("content", content))
	return nil
}
