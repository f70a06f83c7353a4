// Command c2dsend sends one cloud-to-device message through an IoT hub and
// optionally waits for its delivery feedback.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Thejuampi/iothub-client-go/iothub"
)

const connectionStringEnv = "IOTHUB_CONNECTION_STRING"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdin, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	body       string
	properties []string
	showStats  bool
}

// parseArgs builds the effective configuration: defaults, then the config
// file, then flags the caller set explicitly.
func parseArgs(args []string, stderr io.Writer) (Config, options, error) {
	var opts options
	var override Config
	var fallback bool

	flagSet := pflag.NewFlagSet("c2dsend", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	flagSet.StringVar(&override.ConnectionString, "connection-string", "", "service connection string (default $"+connectionStringEnv+")")
	flagSet.StringVarP(&override.DeviceID, "device", "d", "", "target device id")
	flagSet.StringVarP(&override.ModuleID, "module", "m", "", "target module id")
	flagSet.StringVar(&override.Ack, "ack", "", "feedback request: none, positive, negative or full")
	flagSet.DurationVar(&override.Timeout.Duration, "timeout", 0, "budget for connect and send")
	flagSet.StringVar(&override.Transport, "transport", "", "amqps or amqps-ws")
	flagSet.BoolVar(&fallback, "websocket-fallback", true, "retry over WebSocket when AMQPS cannot connect")
	flagSet.DurationVar(&override.WaitFeedback.Duration, "wait-feedback", 0, "wait this long for a feedback batch")
	flagSet.StringVar(&override.Logging.Level, "log-level", "", "trace, debug, info, warn or error")
	flagSet.StringVarP(&opts.body, "body", "b", "", "message body; read from stdin when empty")
	flagSet.StringArrayVarP(&opts.properties, "property", "p", nil, "application property as key=value")
	flagSet.BoolVar(&opts.showStats, "stats", false, "log client metrics before exiting")

	if err := flagSet.Parse(args); err != nil {
		return Config{}, options{}, err
	}
	if flagSet.NArg() > 0 {
		return Config{}, options{}, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return Config{}, options{}, err
	}
	if flagSet.Changed("connection-string") {
		cfg.ConnectionString = override.ConnectionString
	}
	if cfg.ConnectionString == "" {
		cfg.ConnectionString = os.Getenv(connectionStringEnv)
	}
	if flagSet.Changed("device") {
		cfg.DeviceID = override.DeviceID
	}
	if flagSet.Changed("module") {
		cfg.ModuleID = override.ModuleID
	}
	if flagSet.Changed("ack") {
		cfg.Ack = override.Ack
	}
	if flagSet.Changed("timeout") {
		cfg.Timeout = override.Timeout
	}
	if flagSet.Changed("transport") {
		cfg.Transport = override.Transport
	}
	if flagSet.Changed("websocket-fallback") {
		cfg.WebSocketFallback = &fallback
	}
	if flagSet.Changed("wait-feedback") {
		cfg.WaitFeedback = override.WaitFeedback
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = override.Logging.Level
	}
	for _, property := range opts.properties {
		key, value, ok := strings.Cut(property, "=")
		if !ok || key == "" {
			return Config{}, options{}, fmt.Errorf("property %q is not key=value", property)
		}
		if cfg.Properties == nil {
			cfg.Properties = make(map[string]string)
		}
		cfg.Properties[key] = value
	}
	return cfg, opts, cfg.validate()
}

func run(ctx context.Context, args []string, stdin io.Reader, stderr io.Writer) error {
	cfg, opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	logger, err := setupLogger(cfg.Logging, stderr)
	if err != nil {
		return err
	}

	body := []byte(opts.body)
	if opts.body == "" {
		if body, err = io.ReadAll(stdin); err != nil {
			return fmt.Errorf("read body: %w", err)
		}
	}
	ack, _ := parseAck(cfg.Ack)
	transport, _ := cfg.transportConfig()

	registry := prometheus.NewRegistry()
	metrics, err := iothub.NewPrometheusMetrics(registry)
	if err != nil {
		return err
	}
	manager, err := iothub.NewConnectionManagerFromConnectionString(cfg.ConnectionString,
		iothub.WithTransportConfig(transport),
		iothub.WithLogger(logger),
		iothub.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := manager.Close(context.Background()); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("close connection")
		}
		if opts.showStats {
			logStats(logger, registry)
		}
	}()

	var feedback *iothub.Receiver[iothub.FeedbackBatch]
	if cfg.WaitFeedback.Duration > 0 {
		// Attach before sending so the batch cannot be missed.
		feedback = iothub.NewFeedbackReceiver(manager, iothub.DefaultPrefetch)
		defer feedback.Close(context.Background())
		if err := feedback.Open(ctx, cfg.Timeout.Duration); err != nil {
			return fmt.Errorf("open feedback receiver: %w", err)
		}
	}

	senderOptions := iothub.DefaultSenderOptions()
	senderOptions.LinkTimeout = cfg.Timeout.Duration
	sender := iothub.NewMessageSender(manager, senderOptions)
	defer sender.Close(context.Background())

	message := &iothub.Message{Body: body, MessageID: uuid.NewString(), Ack: ack, Properties: cfg.Properties}
	if cfg.ModuleID != "" {
		err = sender.SendToModule(ctx, cfg.DeviceID, cfg.ModuleID, message)
	} else {
		err = sender.Send(ctx, cfg.DeviceID, message)
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", cfg.DeviceID, err)
	}
	logger.Info().Str("device", cfg.DeviceID).Str("module", cfg.ModuleID).
		Str("message_id", message.MessageID).Int("bytes", len(body)).Msg("message sent")

	if feedback == nil {
		return nil
	}
	return awaitFeedback(ctx, logger, feedback, message.MessageID, cfg.WaitFeedback.Duration)
}

// awaitFeedback completes every batch it sees and returns once messageID is
// reported or wait elapses.
func awaitFeedback(ctx context.Context, logger zerolog.Logger, feedback *iothub.Receiver[iothub.FeedbackBatch], messageID string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			logger.Warn().Str("message_id", messageID).Msg("no feedback before deadline")
			return nil
		}
		batch, lockToken, err := feedback.Receive(ctx, remaining)
		if errors.Is(err, iothub.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("receive feedback: %w", err)
		}
		found := false
		for _, record := range batch.Records {
			logger.Info().Str("message_id", record.OriginalMessageID).Str("device", record.DeviceID).
				Str("status", string(record.StatusCode)).Str("description", record.Description).Msg("feedback")
			found = found || record.OriginalMessageID == messageID
		}
		if err := feedback.Complete(ctx, lockToken); err != nil {
			return fmt.Errorf("complete feedback: %w", err)
		}
		if found {
			return nil
		}
	}
}

func logStats(logger zerolog.Logger, registry *prometheus.Registry) {
	families, err := registry.Gather()
	if err != nil {
		logger.Warn().Err(err).Msg("gather metrics")
		return
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			event := logger.Info().Str("metric", family.GetName())
			for _, label := range metric.GetLabel() {
				event = event.Str(label.GetName(), label.GetValue())
			}
			switch {
			case metric.GetCounter() != nil:
				event = event.Float64("value", metric.GetCounter().GetValue())
			case metric.GetGauge() != nil:
				event = event.Float64("value", metric.GetGauge().GetValue())
			}
			event.Msg("stat")
		}
	}
}
