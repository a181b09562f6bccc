// Package main provides a CLI that sends one task to the worker queue.
// Usage: taskrelay-enqueue -task NAME [-attrs JSON] [-job-id ID] [-job-name NAME] [-delay DURATION] [-output json]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskrelay/internal/infra/queue"
	workerPkg "taskrelay/internal/infra/worker"
	"taskrelay/internal/observability/logging"
	"taskrelay/internal/usecase/task"
)

// EnqueueOutput is the -output json result.
type EnqueueOutput struct {
	MessageID string `json:"message_id"`
	Queue     string `json:"queue"`
	Task      string `json:"task"`
	Delay     string `json:"delay,omitempty"`
}

// options holds the parsed command line.
type options struct {
	task    string
	attrs   map[string]any
	jobID   string
	jobName string
	delay   time.Duration
	output  string
	timeout time.Duration
}

var errUsage = errors.New("usage")

const usage = `Usage: taskrelay-enqueue -task NAME [-attrs JSON] [-job-id ID] [-job-name NAME] [-delay DURATION] [-output json]

The queue is taken from QUEUE_NAME, QUEUE_DRIVER, REDIS_ADDR and DATABASE_URL.

Examples:
  taskrelay-enqueue -task log.echo -attrs '{"greeting":"hello"}'
  taskrelay-enqueue -task http.ping -attrs '{"url":"https://example.com"}' -delay 1m
  taskrelay-enqueue -task report.build -job-id 42 -job-name nightly -output json`

func main() {
	logger := logging.NewTextLogger(os.Stderr)

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n%s\n", err, usage)
		}
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	cfg, _ := workerPkg.LoadConfigFromEnv(logger, workerPkg.NewWorkerMetricsWith(prometheus.NewRegistry()))
	if cfg.QueueDriver == queue.DriverMemory {
		fmt.Fprintln(os.Stderr, "Error: QUEUE_DRIVER=memory is in-process only; set redis or postgres")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	transport, closer, err := queue.Open(ctx, cfg.QueueOptions(logger))
	if err != nil {
		logger.Error("failed to open queue", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: Failed to open queue: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error("failed to close queue", slog.Any("error", err))
		}
	}()

	producer := task.NewProducer(transport, cfg.QueueName, task.WithProducerLogger(logger))
	out, err := enqueue(ctx, producer, opts)
	if err != nil {
		logger.Error("enqueue failed", slog.Any("error", err))
		fmt.Fprintf(os.Stderr, "Error: Enqueue failed: %v\n", err)
		os.Exit(1)
	}
	writeOutput(os.Stdout, opts.output, out)
}

// parseFlags parses args; errors other than flag.ErrHelp wrap errUsage.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var (
		opts     options
		rawAttrs string
	)
	fs := flag.NewFlagSet("taskrelay-enqueue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.task, "task", "", "Task name to issue (required)")
	fs.StringVar(&rawAttrs, "attrs", "", "Task attributes as a JSON object")
	fs.StringVar(&opts.jobID, "job-id", "", "Job the task belongs to")
	fs.StringVar(&opts.jobName, "job-name", "", "Human-readable job name")
	fs.DurationVar(&opts.delay, "delay", 0, "Delay before the task becomes visible, e.g. 30s")
	fs.StringVar(&opts.output, "output", "text", "Output format: text or json")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout for connecting and sending")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return opts, err
		}
		return opts, fmt.Errorf("%w: %w", errUsage, err)
	}

	if opts.task == "" {
		return opts, fmt.Errorf("%w: -task is required", errUsage)
	}
	if opts.delay < 0 {
		return opts, fmt.Errorf("%w: -delay must not be negative", errUsage)
	}
	if opts.output != "text" && opts.output != "json" {
		return opts, fmt.Errorf("%w: invalid output '%s' (must be 'text' or 'json')", errUsage, opts.output)
	}
	if opts.timeout <= 0 {
		return opts, fmt.Errorf("%w: -timeout must be positive", errUsage)
	}
	if rawAttrs != "" {
		if err := json.Unmarshal([]byte(rawAttrs), &opts.attrs); err != nil {
			return opts, fmt.Errorf("%w: -attrs must be a JSON object: %w", errUsage, err)
		}
	}
	return opts, nil
}

// sender is the part of *task.Producer the CLI uses.
type sender interface {
	Send(ctx context.Context, name string, attrs map[string]any, jobID, jobName string, opts ...task.SendOption) (string, error)
	Queue() string
}

func enqueue(ctx context.Context, producer sender, opts options) (EnqueueOutput, error) {
	var sendOpts []task.SendOption
	if opts.delay > 0 {
		sendOpts = append(sendOpts, task.WithDelay(opts.delay))
	}
	id, err := producer.Send(ctx, opts.task, opts.attrs, opts.jobID, opts.jobName, sendOpts...)
	if err != nil {
		return EnqueueOutput{}, err
	}
	out := EnqueueOutput{MessageID: id, Queue: producer.Queue(), Task: opts.task}
	if opts.delay > 0 {
		out.Delay = opts.delay.String()
	}
	return out, nil
}

func writeOutput(w io.Writer, format string, out EnqueueOutput) {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	fmt.Fprintf(w, "Enqueued %s on %s\n", out.Task, out.Queue)
	fmt.Fprintf(w, "Message ID: %s\n", out.MessageID)
	if out.Delay != "" {
		fmt.Fprintf(w, "Visible after: %s\n", out.Delay)
	}
}
