package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrelay/internal/infra/queue/memory"
	"taskrelay/internal/usecase/task"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "minimal",
			args: []string{"-task", "log.echo"},
			want: options{task: "log.echo", output: "text", timeout: 30 * time.Second},
		},
		{
			name: "all flags",
			args: []string{"-task", "http.ping", "-attrs", `{"url":"https://example.com","retries":2}`,
				"-job-id", "42", "-job-name", "nightly", "-delay", "90s", "-output", "json", "-timeout", "5s"},
			want: options{
				task:    "http.ping",
				attrs:   map[string]any{"url": "https://example.com", "retries": float64(2)},
				jobID:   "42",
				jobName: "nightly",
				delay:   90 * time.Second,
				output:  "json",
				timeout: 5 * time.Second,
			},
		},
		{name: "missing task", args: []string{}, wantErr: true},
		{name: "attrs not an object", args: []string{"-task", "x", "-attrs", `[1,2]`}, wantErr: true},
		{name: "negative delay", args: []string{"-task", "x", "-delay", "-1s"}, wantErr: true},
		{name: "bad output", args: []string{"-task", "x", "-output", "yaml"}, wantErr: true},
		{name: "unknown flag", args: []string{"-task", "x", "-priority", "high"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr {
				assert.ErrorIs(t, err, errUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFlags_Help(t *testing.T) {
	_, err := parseFlags([]string{"-h"}, io.Discard)
	assert.True(t, errors.Is(err, flag.ErrHelp))
}

func TestEnqueue(t *testing.T) {
	tr := memory.New()
	producer := task.NewProducer(tr, "reports")

	out, err := enqueue(context.Background(), producer, options{
		task:    "report.build",
		attrs:   map[string]any{"day": "mon"},
		jobID:   "42",
		jobName: "nightly",
	})
	require.NoError(t, err)
	assert.Equal(t, "reports", out.Queue)
	assert.Equal(t, "report.build", out.Task)
	assert.Empty(t, out.Delay)

	msgs, err := tr.Receive(context.Background(), "reports", 1, 0, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, out.MessageID, msgs[0].ID)

	decoded, err := task.DecodeTask(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, "report.build", decoded.Name)
	assert.Equal(t, "42", decoded.JobID)
	assert.Equal(t, map[string]any{"day": "mon"}, decoded.Attributes)
}

func TestEnqueue_Delay(t *testing.T) {
	tr := memory.New()
	producer := task.NewProducer(tr, "reports")

	out, err := enqueue(context.Background(), producer, options{task: "report.build", delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "1h0m0s", out.Delay)

	msgs, err := tr.Receive(context.Background(), "reports", 1, 0, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs, "delayed message must not be visible yet")
}

func TestEnqueue_InvalidTask(t *testing.T) {
	producer := task.NewProducer(memory.New(), "reports")
	_, err := enqueue(context.Background(), producer, options{task: "not a valid name!"})
	assert.Error(t, err)
}

func TestWriteOutput(t *testing.T) {
	out := EnqueueOutput{MessageID: "m-1", Queue: "reports", Task: "report.build", Delay: "1m0s"}

	var text bytes.Buffer
	writeOutput(&text, "text", out)
	assert.Equal(t, "Enqueued report.build on reports\nMessage ID: m-1\nVisible after: 1m0s\n", text.String())

	var js bytes.Buffer
	writeOutput(&js, "json", out)
	var decoded EnqueueOutput
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, out, decoded)
}
