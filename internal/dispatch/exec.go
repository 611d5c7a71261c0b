package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// execTimeout bounds a single invocation so a hung receive command cannot
// pin a handler goroutine forever.
const execTimeout = 60 * time.Second

// ExecClient invokes the assistant's receive command as a subprocess.
// Arguments are passed directly, never through a shell.
type ExecClient struct {
	command string
}

// NewExecClient builds a client around the receive command path.
func NewExecClient(command string) *ExecClient {
	return &ExecClient{command: command}
}

// Dispatch runs the receive command once. A non-zero exit whose stdout
// carries a structured rejection ({"ok":false,"error":{...}}) is returned
// as a Response; any other failure is an error.
func (c *ExecClient) Dispatch(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, execTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.command,
		"--channel", req.Channel,
		"--endpoint", req.Endpoint,
		"--json",
		"--content", req.Content,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return &Response{OK: true}, nil
	}

	if rejection := parseRejection(stdout.String()); rejection != nil {
		return rejection, nil
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		msg = err.Error()
	}
	return nil, fmt.Errorf("receive command: %s", msg)
}

func parseRejection(stdout string) *Response {
	stdout = strings.TrimSpace(stdout)
	if stdout == "" {
		return nil
	}
	var parsed struct {
		OK    bool `json:"ok"`
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(stdout), &parsed); err != nil {
		return nil
	}
	if parsed.OK || parsed.Error.Message == "" {
		return nil
	}
	return &Response{OK: false, Code: parsed.Error.Code, Message: parsed.Error.Message}
}
