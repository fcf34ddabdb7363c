package claudecode

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/legionhq/legiond/internal/common/logger"
)

// syncBuffer is a goroutine-safe stdin sink exposing written lines.
type syncBuffer struct {
	mu    sync.Mutex
	lines []string
	buf   []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	for {
		idx := -1
		for i, c := range b.buf {
			if c == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		b.lines = append(b.lines, string(b.buf[:idx]))
		b.buf = b.buf[idx+1:]
	}
	return len(p), nil
}

func (b *syncBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.lines...)
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func setupClient(t *testing.T) (*Client, *syncBuffer, *io.PipeWriter) {
	t.Helper()
	stdin := &syncBuffer{}
	stdoutReader, stdoutWriter := io.Pipe()

	client := NewClient(stdin, stdoutReader, testLogger(t))
	<-client.Start(context.Background())

	t.Cleanup(func() {
		client.Stop()
		_ = stdoutWriter.Close()
	})
	return client, stdin, stdoutWriter
}

func writeLine(t *testing.T, w *io.PipeWriter, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = w.Write(data)
	require.NoError(t, err)
}

func TestClientForwardsStreamMessages(t *testing.T) {
	client, _, stdout := setupClient(t)

	received := make(chan *CLIMessage, 4)
	client.SetMessageHandler(func(msg *CLIMessage) { received <- msg })

	writeLine(t, stdout, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": "hello"},
				{"type": "tool_use", "id": "tu1", "name": "Write", "input": map[string]any{"path": "a"}},
			},
		},
	})

	select {
	case msg := <-received:
		require.Equal(t, MessageTypeAssistant, msg.Type)
		blocks := msg.Message.GetContentBlocks()
		require.Len(t, blocks, 2)
		assert.Equal(t, "hello", blocks[0].Text)
		assert.Equal(t, "tu1", blocks[1].ID)
		assert.Equal(t, "Write", blocks[1].Name)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClientRoutesControlRequests(t *testing.T) {
	client, _, stdout := setupClient(t)

	type incoming struct {
		requestID string
		req       *ControlRequest
	}
	received := make(chan incoming, 1)
	client.SetRequestHandler(func(requestID string, req *ControlRequest) {
		received <- incoming{requestID, req}
	})

	writeLine(t, stdout, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request": map[string]any{
			"subtype":     "can_use_tool",
			"tool_name":   "Bash",
			"tool_use_id": "tu9",
			"input":       map[string]any{"command": "ls"},
		},
	})

	select {
	case in := <-received:
		assert.Equal(t, "req-1", in.requestID)
		assert.Equal(t, SubtypeCanUseTool, in.req.Subtype)
		assert.Equal(t, "Bash", in.req.ToolName)
		assert.Equal(t, "tu9", in.req.ToolUseID)
	case <-time.After(2 * time.Second):
		t.Fatal("control request not delivered")
	}
}

func TestClientAutoDeniesWithoutHandler(t *testing.T) {
	_, stdin, stdout := setupClient(t)

	writeLine(t, stdout, map[string]any{
		"type":       "control_request",
		"request_id": "req-1",
		"request":    map[string]any{"subtype": "can_use_tool", "tool_name": "Bash"},
	})

	require.Eventually(t, func() bool { return len(stdin.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var resp ControlResponseMessage
	require.NoError(t, json.Unmarshal([]byte(stdin.Lines()[0]), &resp))
	assert.Equal(t, MessageTypeControlResponse, resp.Type)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "error", resp.Response.Subtype)
}

func TestInitializeRoundTrip(t *testing.T) {
	client, stdin, stdout := setupClient(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Initialize(context.Background(), 2*time.Second)
	}()

	// Read the outbound initialize request and answer it.
	require.Eventually(t, func() bool { return len(stdin.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
	var req SDKControlRequest
	require.NoError(t, json.Unmarshal([]byte(stdin.Lines()[0]), &req))
	assert.Equal(t, SubtypeInitialize, req.Request.Subtype)

	writeLine(t, stdout, map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": req.RequestID,
		},
	})

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("initialize did not complete")
	}
}

func TestInterruptTimesOutWithoutResponse(t *testing.T) {
	client, _, _ := setupClient(t)

	err := client.Interrupt(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestSendUserMessage(t *testing.T) {
	client, stdin, _ := setupClient(t)

	require.NoError(t, client.SendUserMessage("do the thing"))
	require.Eventually(t, func() bool { return len(stdin.Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)

	var msg UserMessage
	require.NoError(t, json.Unmarshal([]byte(stdin.Lines()[0]), &msg))
	assert.Equal(t, MessageTypeUser, msg.Type)
	assert.Equal(t, "user", msg.Message.Role)
	assert.Equal(t, "do the thing", msg.Message.Content)
}

func TestScannerHandlesLargeMessages(t *testing.T) {
	client, _, stdout := setupClient(t)

	received := make(chan *CLIMessage, 1)
	client.SetMessageHandler(func(msg *CLIMessage) { received <- msg })

	big := make([]byte, 128*1024)
	for i := range big {
		big[i] = 'a'
	}
	writeLine(t, stdout, map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []map[string]any{{"type": "text", "text": string(big)}},
		},
	})

	select {
	case msg := <-received:
		blocks := msg.Message.GetContentBlocks()
		require.Len(t, blocks, 1)
		assert.Len(t, blocks[0].Text, len(big))
	case <-time.After(2 * time.Second):
		t.Fatal("large message not delivered")
	}
}
