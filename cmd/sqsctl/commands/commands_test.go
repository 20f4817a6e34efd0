package commands

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"sqs-relay/internal/pkg/queue"
	"sqs-relay/internal/pkg/queue/memory"
)

func memoryClient(q *memory.Queue) ClientFunc {
	return func(ctx context.Context) (queue.Client, func() error, error) {
		return q, func() error { return nil }, nil
	}
}

func TestSendCmd_Body(t *testing.T) {
	q := memory.NewQueue()
	cmd := NewSendCmd(memoryClient(q))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--body", "hello", "--count", "2"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("expected 2 messages, got %d", q.Len())
	}
	if strings.Count(out.String(), "hello") != 2 {
		t.Errorf("unexpected output: %q", out.String())
	}
}

func TestSendCmd_Fake(t *testing.T) {
	q := memory.NewQueue()
	cmd := NewSendCmd(memoryClient(q))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--fake"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	batch, _ := q.Receive(context.Background(), queue.ReceiveOptions{MaxMessages: 1})
	if len(batch) != 1 || !strings.Contains(string(batch[0].Body), `"email"`) {
		t.Errorf("expected a user payload, got %+v", batch)
	}
}

func TestSendCmd_RequiresBodyOrFake(t *testing.T) {
	cmd := NewSendCmd(memoryClient(memory.NewQueue()))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error without --body or --fake")
	}
}

func TestReceiveCmd(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantLen   int
		wantInOut string
	}{
		{name: "peek", args: []string{"--max", "5"}, wantLen: 2, wantInOut: "receives=1"},
		{name: "delete", args: []string{"--delete"}, wantLen: 0, wantInOut: "Deleted 2 of 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := memory.NewQueue()
			_, _ = q.Send(context.Background(), []byte("a"), queue.SendOptions{})
			_, _ = q.Send(context.Background(), []byte("b"), queue.SendOptions{})

			cmd := NewReceiveCmd(memoryClient(q))
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetArgs(tt.args)

			if err := cmd.ExecuteContext(context.Background()); err != nil {
				t.Fatalf("receive failed: %v", err)
			}
			if q.Len() != tt.wantLen {
				t.Errorf("expected %d messages left, got %d", tt.wantLen, q.Len())
			}
			if !strings.Contains(out.String(), tt.wantInOut) {
				t.Errorf("expected %q in output, got %q", tt.wantInOut, out.String())
			}
		})
	}
}

func TestReceiveCmd_Empty(t *testing.T) {
	cmd := NewReceiveCmd(memoryClient(memory.NewQueue()))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(nil)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if !strings.Contains(out.String(), "No messages") {
		t.Errorf("unexpected output: %q", out.String())
	}
}
