// Package scriptbridge runs a local executable as the reasoning oracle. The
// executable receives the request as JSON on stdin and must print
// {"content": "..."} on stdout. It is used for offline replays and for
// operators who keep their prompting logic in Python.
package scriptbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/llm"
)

// Client 通过调用外部脚本实现推理。
type Client struct {
	executable string
	scriptPath string
	workingDir string
}

// NewClient 创建脚本桥接客户端。
func NewClient(executable, scriptPath, workingDir string) (*Client, error) {
	if strings.TrimSpace(scriptPath) == "" {
		return nil, errors.New("未指定推理脚本路径")
	}
	if executable == "" {
		executable = "python3"
	}
	return &Client{
		executable: executable,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type scriptRequest struct {
	Agent     string              `json:"agent"`
	System    string              `json:"system"`
	Prompt    string              `json:"prompt"`
	Knowledge []llm.KnowledgeCard `json:"knowledge,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// Complete 调用外部脚本，并读取其输出的 content 字段。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(scriptRequest{
		Agent:     req.Agent,
		System:    req.System,
		Prompt:    req.Prompt,
		Knowledge: req.Knowledge,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
	}

	command := exec.CommandContext(ctx, c.executable, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		code := xerrors.CodeOracleUnavailable
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = xerrors.CodeTimeout
		}
		return nil, xerrors.Wrap(code, err, fmt.Sprintf("执行推理脚本失败, stderr=%s", strings.TrimSpace(stderr.String())))
	}

	var resp struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOracleMalformed, err, "解析脚本输出失败")
	}
	if strings.TrimSpace(resp.Content) == "" {
		return nil, xerrors.New(xerrors.CodeOracleMalformed, "脚本输出缺少 content")
	}
	return &llm.Response{Content: resp.Content, Model: filepath.Base(c.scriptPath)}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

var _ llm.Client = (*Client)(nil)
