package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jkbrsn/taskman"
	"github.com/jkbrsn/udjat"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CheckTask is a taskman.Task that sends a GET request through the observed
// client and discards the response body.
type CheckTask struct {
	Client *http.Client
	URL    string
}

// Execute sends the check request.
func (t CheckTask) Execute() error {
	resp, err := t.Client.Get(t.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// RPCCheckTask is a taskman.Task that posts a JSON-RPC payload through the
// observed client and discards the response body.
type RPCCheckTask struct {
	Client  *http.Client
	URL     string
	Payload []byte
}

// Execute posts the check payload.
func (t RPCCheckTask) Execute() error {
	resp, err := t.Client.Post(t.URL, "application/json", bytes.NewReader(t.Payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

func main() {
	// A .env file is optional
	_ = godotenv.Load()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if envBool("UDJAT_DEBUG") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	targets := splitList(envOr("UDJAT_TARGETS", "https://httpbin.org/get"))
	rpcTargets := splitList(os.Getenv("UDJAT_RPC_TARGETS"))
	cadence := envDuration("UDJAT_CADENCE", 15*time.Second)

	manager, err := udjat.New(
		udjat.WithObserver(udjat.NewDefaultLogObserver()),
		udjat.WithObserver(udjat.NewDNSObserver()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create exchange manager")
	}

	client := &http.Client{
		Transport: udjat.NewTransport(manager, nil),
		Timeout:   15 * time.Second,
	}

	tasks := make([]taskman.Task, 0, len(targets)+len(rpcTargets))
	for _, target := range targets {
		tasks = append(tasks, CheckTask{Client: client, URL: target})
	}
	for _, target := range rpcTargets {
		tasks = append(tasks, RPCCheckTask{
			Client:  client,
			URL:     target,
			Payload: []byte(`{"jsonrpc":"2.0","id":1,"params":[],"method":"eth_chainId"}`),
		})
	}

	taskManager := taskman.New()
	job := taskman.Job{
		ID:       "udjat-checks",
		Cadence:  cadence,
		NextExec: time.Now().Add(time.Second),
		Tasks:    tasks,
	}
	if err := taskManager.ScheduleJob(job); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule check job")
	}
	log.Info().Int("tasks", len(tasks)).Dur("cadence", cadence).Msg("checks started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	if err := manager.Close(); err != nil {
		log.Error().Err(err).Msg("error closing exchange manager")
	}

	snapshot, err := sonic.MarshalIndent(manager.Registry().Snapshot(), "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal stats snapshot")
		return
	}
	fmt.Println(string(snapshot))
}

// envOr returns the value of the environment variable key, or fallback when
// it is unset or empty.
func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// envBool interprets the environment variable key as a boolean.
func envBool(key string) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && value
}

// envDuration interprets the environment variable key as a duration, falling
// back when unset or invalid.
func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("invalid duration, using default")
		return fallback
	}
	return parsed
}

// splitList splits a comma separated list, trimming whitespace and dropping
// empty entries.
func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
