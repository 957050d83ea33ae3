//go:build js && wasm

// Stepflow questionnaire frontend, compiled to WebAssembly and loaded by
// web/dist/index.html.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"syscall/js"
	"time"

	"github.com/ashureev/stepflow/internal/browser"
	"github.com/ashureev/stepflow/internal/flow"
	"github.com/ashureev/stepflow/internal/identity"
	"github.com/ashureev/stepflow/internal/retry"
	"github.com/google/uuid"
)

const sessionIDKey = "sessionId"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	storage := browser.NewSessionStorage()
	header := http.Header{}
	header.Set(identity.SessionHeaderName, browser.SessionID(storage, sessionIDKey, uuid.NewString))

	client := &apiClient{
		base:   js.Global().Get("location").Get("origin").String(),
		http:   &http.Client{Timeout: 30 * time.Second},
		header: header,
	}

	ctx := context.Background()
	cfg, err := client.config(ctx)
	if err != nil {
		logger.Error("Failed to load questionnaire config", "error", err)
		browser.SetText("error", "The questionnaire could not be loaded. Please reload the page.")
		browser.SetHidden("error", false)
		select {}
	}

	transport := retry.New(time.Duration(cfg.RetryDelayMS)*time.Millisecond, retry.WithLogger(logger))

	participant, ok := flow.LoadParticipant(storage)
	if !ok {
		participant, err = retry.Execute(ctx, transport, cfg.SubmitAttempts, client.metadata)
		if err != nil {
			logger.Error("Failed to obtain participant metadata", "error", err)
			browser.SetText("error", "The questionnaire could not be started. Please reload the page.")
			browser.SetHidden("error", false)
			select {}
		}
		if err := flow.SaveParticipant(storage, participant); err != nil {
			logger.Warn("Failed to store participant", "error", err)
		}
	}
	logger.Info("Participant ready", "participant_id", participant.ID, "treatment_group", participant.TreatmentGroup)

	app := &app{
		cfg:         cfg,
		client:      client,
		transport:   transport,
		storage:     storage,
		participant: participant,
		logger:      logger,
	}
	if err := app.run(); err != nil {
		logger.Error("Failed to start questionnaire", "error", err)
		browser.SetText("error", "The questionnaire could not be started. Please reload the page.")
		browser.SetHidden("error", false)
	}

	select {}
}
