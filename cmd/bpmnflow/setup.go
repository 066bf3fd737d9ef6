package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/bpmnflow/engine"
	"github.com/bpmnflow/engine/bus"
	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
	"github.com/bpmnflow/engine/expr"
)

// buildFacade wires the shared engine singletons from viper configuration:
// event store selection (memory, the default, or sqlite via
// viper.GetString("store.path")), and an agentic ChatModel selected by
// viper.GetString("agentic.provider") (anthropic/openai/google), falling
// back to no agentic backend when unset.
func buildFacade() (*engine.Facade, error) {
	eval, err := expr.New()
	if err != nil {
		return nil, fmt.Errorf("bpmnflow: expression evaluator: %w", err)
	}

	store, err := buildStore()
	if err != nil {
		return nil, err
	}
	stream := eventstream.NewStream(store)
	msgBus := bus.New()

	handlers := exec.NewServiceHandlerRegistry()
	handlers.Register(exec.ServiceHandlerFunc{
		NameValue: "send",
		Fn: func(_ context.Context, props map[string]string, _ map[string]any) (map[string]any, error) {
			fmt.Printf("[send] to=%s subject=%s body=%s\n", props["to"], props["subject"], props["body"])
			return map[string]any{"delivered": true}, nil
		},
	})

	registry := exec.NewDefaultRegistry(eval, handlers, buildChatModel())

	sched, err := engine.NewScheduler(eval, registry, handlers, msgBus, stream)
	if err != nil {
		return nil, fmt.Errorf("bpmnflow: scheduler: %w", err)
	}
	return engine.NewFacade(sched), nil
}

func buildStore() (eventstream.Store, error) {
	path := viper.GetString("store.path")
	if path == "" {
		return eventstream.NewMemoryStore(), nil
	}
	return eventstream.NewSQLiteStore(path)
}

func buildChatModel() exec.ChatModel {
	switch viper.GetString("agentic.provider") {
	case "anthropic":
		return exec.NewAnthropicChatModel(os.Getenv("ANTHROPIC_API_KEY"), viper.GetString("agentic.model"))
	case "openai":
		return exec.NewOpenAIChatModel(os.Getenv("OPENAI_API_KEY"), viper.GetString("agentic.model"))
	case "google":
		return exec.NewGoogleChatModel(os.Getenv("GOOGLE_API_KEY"), viper.GetString("agentic.model"))
	default:
		return nil
	}
}
