package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/legionhq/legiond/internal/common/config"
	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/pkg/claudecode"
)

const controlTimeout = 30 * time.Second

// ClaudeDriver runs the agent CLI in stream-json mode and owns the child
// process for one session.
type ClaudeDriver struct {
	cfg          config.AgentConfig
	sessionID    string
	debugLogPath string
	logger       *logger.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	client     *claudecode.Client
	stderrFile *os.File
	workingDir string
	stopping   bool
	started    bool

	// ready is closed once initialization completes; sends suspend on it.
	ready  chan struct{}
	exited chan struct{}
	events chan Event

	cancel context.CancelFunc
}

// NewClaudeDriver creates a driver for one session. The child's stderr is
// forwarded to debugLogPath.
func NewClaudeDriver(cfg config.AgentConfig, sessionID, debugLogPath string, log *logger.Logger) *ClaudeDriver {
	return &ClaudeDriver{
		cfg:          cfg,
		sessionID:    sessionID,
		debugLogPath: debugLogPath,
		logger:       log.WithComponent("claude-driver").WithSession(sessionID),
		ready:        make(chan struct{}),
		exited:       make(chan struct{}),
		events:       make(chan Event, 256),
	}
}

// eofNotifier signals when the wrapped reader stops producing, so the driver
// knows the read loop has drained before reaping the child.
type eofNotifier struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func (n *eofNotifier) Read(p []byte) (int, error) {
	c, err := n.r.Read(p)
	if err != nil {
		n.once.Do(func() { close(n.done) })
	}
	return c, err
}

func (d *ClaudeDriver) buildArgs(params StartParams) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if params.Model != "" {
		args = append(args, "--model", params.Model)
	} else if d.cfg.DefaultModel != "" {
		args = append(args, "--model", d.cfg.DefaultModel)
	}
	if params.PermissionMode != "" {
		args = append(args, "--permission-mode", params.PermissionMode)
	}
	if len(params.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(params.AllowedTools, ","))
	}
	if params.SystemPromptAppend != "" {
		args = append(args, "--append-system-prompt", params.SystemPromptAppend)
	}
	return args
}

// Start spawns the agent CLI and completes stream-json initialization.
func (d *ClaudeDriver) Start(ctx context.Context, params StartParams) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("driver already started for session %s", d.sessionID)
	}
	d.started = true
	d.workingDir = params.WorkingDir
	d.mu.Unlock()

	driverCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.Command(d.cfg.Binary, d.buildArgs(params)...)
	cmd.Dir = params.WorkingDir

	stderrFile, err := os.OpenFile(d.debugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open driver debug log: %w", err)
	}
	cmd.Stderr = stderrFile

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		_ = stderrFile.Close()
		return fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		_ = stderrFile.Close()
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stderrFile.Close()
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	notifier := &eofNotifier{r: stdout, done: make(chan struct{})}
	client := claudecode.NewClient(stdin, notifier, d.logger)
	client.SetMessageHandler(d.handleMessage)
	client.SetRequestHandler(d.handleControlRequest)

	d.mu.Lock()
	d.cmd = cmd
	d.client = client
	d.stderrFile = stderrFile
	d.cancel = cancel
	d.mu.Unlock()

	<-client.Start(driverCtx)
	go d.reap(notifier.done)

	if err := client.Initialize(ctx, controlTimeout); err != nil {
		d.logger.Error("agent initialization failed", zap.Error(err))
		_ = d.Stop(context.Background())
		return err
	}

	close(d.ready)
	d.logger.Info("agent process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// reap waits for the read loop to drain and the child to exit, then emits
// driver_down when the exit was not requested and closes the event stream.
func (d *ClaudeDriver) reap(readDone <-chan struct{}) {
	<-readDone

	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()

	err := cmd.Wait()

	d.mu.Lock()
	stopping := d.stopping
	stderrFile := d.stderrFile
	d.mu.Unlock()

	if stderrFile != nil {
		_ = stderrFile.Close()
	}

	if !stopping {
		exitErr := "agent process exited unexpectedly"
		if err != nil {
			exitErr = err.Error()
		}
		d.logger.Warn("agent process exited unexpectedly", zap.Error(err))
		d.emit(Event{Type: EventDriverDown, ExitError: exitErr})
	}

	close(d.exited)
	close(d.events)
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *ClaudeDriver) emit(ev Event) {
	d.events <- ev
}

// Events returns the typed event stream.
func (d *ClaudeDriver) Events() <-chan Event {
	return d.events
}

// awaitReady suspends until initialization has completed.
func (d *ClaudeDriver) awaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		return nil
	case <-d.exited:
		return fmt.Errorf("agent process is down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send forwards user input to the agent. Attachments are written into the
// session working directory and referenced from the prompt.
func (d *ClaudeDriver) Send(ctx context.Context, input string, attachments []Attachment) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	content := input
	if len(attachments) > 0 {
		paths, err := d.saveAttachments(attachments)
		if err != nil {
			return err
		}
		content = input + "\n\nAttached files:\n" + strings.Join(paths, "\n")
	}
	return d.client.SendUserMessage(content)
}

func (d *ClaudeDriver) saveAttachments(attachments []Attachment) ([]string, error) {
	dir := filepath.Join(d.workingDir, ".attachments")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory: %w", err)
	}
	paths := make([]string, 0, len(attachments))
	for i, att := range attachments {
		name := att.Name
		if name == "" {
			name = fmt.Sprintf("attachment-%d-%d", time.Now().UnixNano(), i)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(att.Data), 0644); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// RespondToPermission forwards a permission decision for a pending request.
func (d *ClaudeDriver) RespondToPermission(ctx context.Context, requestID string, decision Decision) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}

	result := &claudecode.PermissionResult{Behavior: decision.Behavior}
	if decision.Behavior == claudecode.BehaviorAllow {
		if decision.ModifiedInput != nil {
			result.UpdatedInput = decision.ModifiedInput
		}
		result.UpdatedPermissions = toPermissionUpdates(decision.Updates)
	} else {
		result.Message = decision.Message
	}

	return d.client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &claudecode.ControlResponse{
			Subtype: "success",
			Result:  result,
		},
	})
}

// SetMode switches the agent's permission mode.
func (d *ClaudeDriver) SetMode(ctx context.Context, mode string) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return d.client.SetPermissionMode(ctx, mode, controlTimeout)
}

// Interrupt aborts the current in-flight turn.
func (d *ClaudeDriver) Interrupt(ctx context.Context) error {
	if err := d.awaitReady(ctx); err != nil {
		return err
	}
	return d.client.Interrupt(ctx, controlTimeout)
}

// Stop terminates the child with SIGTERM, then SIGKILL after the grace
// period. It is safe to call more than once.
func (d *ClaudeDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		<-d.exited
		return nil
	}
	d.stopping = true
	cmd := d.cmd
	client := d.client
	d.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if client != nil {
		client.Stop()
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process already gone.
		<-d.exited
		return nil
	}

	grace := d.cfg.StopGraceDuration()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-d.exited:
	case <-time.After(grace):
		d.logger.Warn("agent process did not exit in time, killing")
		_ = cmd.Process.Kill()
		<-d.exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-d.exited
	}
	return nil
}

// handleControlRequest surfaces permission prompts as typed events without
// blocking the read loop on a decision.
func (d *ClaudeDriver) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	if req.Subtype != claudecode.SubtypeCanUseTool {
		d.logger.Warn("unsupported control request", zap.String("subtype", req.Subtype))
		_ = d.client.SendControlResponse(&claudecode.ControlResponseMessage{
			Type:      claudecode.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &claudecode.ControlResponse{
				Subtype: "error",
				Error:   fmt.Sprintf("unsupported control request subtype %q", req.Subtype),
			},
		})
		return
	}

	d.emit(Event{
		Type:        EventPermissionRequest,
		RequestID:   requestID,
		ToolUseID:   req.ToolUseID,
		ToolName:    req.ToolName,
		ToolInput:   req.Input,
		Suggestions: fromPermissionUpdates(req.PermissionSuggestions),
	})
}

// handleMessage translates stream-json messages into typed events.
func (d *ClaudeDriver) handleMessage(msg *claudecode.CLIMessage) {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		switch msg.Subtype {
		case "init":
			d.emit(Event{
				Type:           EventSystemInit,
				AgentSessionID: msg.SessionID,
				Model:          msg.Model,
			})
		case "compact_boundary":
			d.emit(Event{Type: EventCompaction})
		}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.GetContentBlocks() {
			switch block.Type {
			case "text":
				if block.Text != "" {
					d.emit(Event{Type: EventAssistantText, Text: block.Text})
				}
			case "thinking":
				if block.Thinking != "" {
					d.emit(Event{Type: EventAssistantThinking, Text: block.Thinking})
				}
			case "tool_use":
				d.emit(Event{
					Type:      EventToolUse,
					ToolUseID: block.ID,
					ToolName:  block.Name,
					ToolInput: block.Input,
				})
			}
		}

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return
		}
		for _, block := range msg.Message.GetContentBlocks() {
			if block.Type == "tool_result" {
				d.emit(Event{
					Type:      EventToolResult,
					ToolUseID: block.ToolUseID,
					Content:   block.Content,
					IsError:   block.IsError,
				})
			}
		}

	case claudecode.MessageTypeResult:
		d.emit(Event{
			Type:         EventResult,
			IsError:      msg.IsError,
			ErrorMessage: msg.GetResultString(),
			DurationMS:   msg.DurationMS,
			NumTurns:     msg.NumTurns,
		})
	}
}

func toPermissionUpdates(suggestions []Suggestion) []claudecode.PermissionUpdate {
	if len(suggestions) == 0 {
		return nil
	}
	updates := make([]claudecode.PermissionUpdate, 0, len(suggestions))
	for _, s := range suggestions {
		switch s.Type {
		case SuggestionSetMode:
			updates = append(updates, claudecode.PermissionUpdate{Type: "setMode", Mode: s.Mode})
		case SuggestionAddAllowedTool:
			updates = append(updates, claudecode.PermissionUpdate{Type: "addRules", Tool: s.Tool})
		case SuggestionExtendSuggestionRule:
			updates = append(updates, claudecode.PermissionUpdate{Type: "addRules", Tool: s.Match})
		}
	}
	return updates
}

func fromPermissionUpdates(updates []claudecode.PermissionUpdate) []Suggestion {
	if len(updates) == 0 {
		return nil
	}
	suggestions := make([]Suggestion, 0, len(updates))
	for _, u := range updates {
		switch u.Type {
		case "setMode":
			suggestions = append(suggestions, Suggestion{Type: SuggestionSetMode, Mode: u.Mode})
		default:
			suggestions = append(suggestions, Suggestion{Type: SuggestionAddAllowedTool, Tool: u.Tool})
		}
	}
	return suggestions
}
