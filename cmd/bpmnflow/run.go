package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bpmnflow/engine"
	"github.com/bpmnflow/engine/eventstream"
)

func newRunCmd() *cobra.Command {
	var inputs []string
	var instanceID string

	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Start a workflow instance and drive it interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}

			facade, err := buildFacade()
			if err != nil {
				return err
			}

			initial := engine.Context{}
			for _, kv := range inputs {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("bpmnflow: --input %q must be key=value", kv)
				}
				initial[parts[0]] = parts[1]
			}

			if instanceID == "" {
				instanceID = def.ID + "/" + uuid.NewString()
			}

			ctx := context.Background()
			id, err := facade.StartWorkflow(ctx, instanceID, def, initial)
			if err != nil {
				return fmt.Errorf("bpmnflow: starting workflow: %w", err)
			}
			fmt.Printf("started instance %s\n", id)

			events, cancelSub := facade.Subscribe(id, 64)
			defer cancelSub()
			go printEvents(events)

			runREPL(facade, id)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "initial context entries as key=value (repeatable)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "instance id (default: <definitionId>/<uuid>)")
	return cmd
}

func printEvents(events <-chan eventstream.Event) {
	for ev := range events {
		fmt.Printf("[%s] %s element=%s payload=%v\n", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.ElementID, ev.Payload)
	}
}

// runREPL reads commands from stdin until stdin closes or the user types
// quit (or exit); it does not stop by itself when the instance reaches a
// terminal status:
//
//	complete <elementId> <decision> [comments...]
//	publish <messageRef> <correlationKey> [json-payload]
//	cancel [reason]
//	status
//	quit
func runREPL(facade *engine.Facade, instanceID string) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: complete | publish | cancel | status | quit")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "complete":
			if len(fields) < 3 {
				fmt.Println("usage: complete <elementId> <decision> [comments...]")
				continue
			}
			comments := strings.Join(fields[3:], " ")
			if err := facade.CompleteUserTask(instanceID, fields[1], fields[2], comments, nil); err != nil {
				fmt.Println("error:", err)
			}
		case "publish":
			if len(fields) < 3 {
				fmt.Println("usage: publish <messageRef> <correlationKey> [json-payload]")
				continue
			}
			payload := map[string]any{}
			if len(fields) > 3 {
				if err := json.Unmarshal([]byte(strings.Join(fields[3:], " ")), &payload); err != nil {
					fmt.Println("error: invalid json payload:", err)
					continue
				}
			}
			if err := facade.PublishMessage(fields[1], fields[2], payload); err != nil {
				fmt.Println("error:", err)
			}
		case "cancel":
			reason := fmt.Errorf("cancelled from CLI")
			if len(fields) > 1 {
				reason = fmt.Errorf("%s", strings.Join(fields[1:], " "))
			}
			if err := facade.CancelWorkflow(instanceID, reason); err != nil {
				fmt.Println("error:", err)
			}
		case "status":
			status, err := facade.Status(instanceID)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			fmt.Println("status:", status)
		case "quit", "exit":
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
	}
}
