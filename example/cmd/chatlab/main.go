// Command chatlab shows the embedding API: build an app, register a service
// in code, and run it synchronously on the local runner.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"goa.design/clue/log"

	openaiprovider "github.com/simcore-ai/orchestra/features/provider/openai"
	"github.com/simcore-ai/orchestra/runtime/app"
	"github.com/simcore-ai/orchestra/runtime/dispatch"
	"github.com/simcore-ai/orchestra/runtime/identity"
	"github.com/simcore-ai/orchestra/runtime/provider"
	"github.com/simcore-ai/orchestra/runtime/service"
	"github.com/simcore-ai/orchestra/runtime/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatlab:", err)
		os.Exit(1)
	}
}

func run() error {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}
	client, err := openaiprovider.NewFromAPIKey(apiKey, "gpt-4o-mini")
	if err != nil {
		return err
	}

	a, err := app.New(app.Options{
		Mode:          app.ModeSingle,
		Clients:       map[string]provider.Client{"openai": client},
		DefaultClient: "openai",
		Logger:        telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	if err := dispatch.RegisterRunner("local", dispatch.NewLocalRunner()); err != nil {
		return err
	}

	svc, err := service.New(service.Options{
		Identity:    identity.MustParse("chatlab.results.generate"),
		App:         a,
		Instruction: "Summarize the given topic in two sentences.",
	})
	if err != nil {
		return err
	}

	call, err := svc.Do(ctx, map[string]any{"topic": "the Go memory model"})
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
