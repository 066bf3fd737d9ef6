package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bpmnflow/engine/exec"
)

// The six end-to-end scenarios below are the binding acceptance tests named
// alongside the quantified invariants: conditional path/XOR, dual approval
// race-join, multi-instance parallel with one failing iteration, boundary
// timer interrupting, error event-sub-process interrupting, and
// compensation LIFO.

func TestScenarioConditionalPathXOR(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "loan-decision", []*Element{
		el("start", TypeStartEvent, nil),
		el("gw", TypeExclusiveGateway, nil),
		el("autoApprove", TypeScriptTask, map[string]string{"script": "decision = \"auto-approved\"\ndecision"}),
		el("manualReview", TypeScriptTask, map[string]string{"script": "decision = \"manual-review\"\ndecision"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "gw"),
		condConn("c2", "gw", "autoApprove", "${amount} <= 1000.0"),
		defaultConn("c3", "gw", "manualReview"),
		conn("c4", "autoApprove", "end"),
		conn("c5", "manualReview", "end"),
	})

	small, err := sched.StartInstance(context.Background(), "loan-small", def, Context{"amount": 250.0})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, small, time.Second))
	decision, _ := small.Get("decision")
	require.Equal(t, "auto-approved", decision)

	large, err := sched.StartInstance(context.Background(), "loan-large", def, Context{"amount": 9000.0})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, large, time.Second))
	decision, _ = large.Get("decision")
	require.Equal(t, "manual-review", decision)
}

// TestScenarioDualApprovalRaceJoin exercises the "Merge (race join)" glossary
// entry: a parallel gateway forks to a user-task approval and a receive-task
// email approval that merge at an inclusive gateway configured as a race
// join (joinType=race). Whichever branch arrives first wins the merge; the
// scheduler cancels the other branch's still-running task rather than
// waiting for it.
func TestScenarioDualApprovalRaceJoin(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "dual-approval", []*Element{
		el("start", TypeStartEvent, nil),
		el("fork", TypeParallelGateway, nil),
		el("approverA", TypeUserTask, nil),
		el("approverB", TypeReceiveTask, map[string]string{"messageRef": "emailApproval", "correlationKey": "REQ-1"}),
		el("merge", TypeInclusiveGateway, map[string]string{"joinType": "race"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "fork"),
		conn("c2", "fork", "approverA"),
		conn("c3", "fork", "approverB"),
		conn("c4", "approverA", "merge"),
		conn("c5", "approverB", "merge"),
		conn("c6", "merge", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "dual-approval-1", def, Context{})
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		_, ok := inst.waiting("approverA")
		return ok
	})

	completeUserTask(t, inst, "approverA", "approved")

	// approverB's receive task is never published to; the instance only
	// reaches a terminal status at all if the race join's win cancelled it
	// instead of waiting on it forever.
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))
	decision, ok := inst.Get("approverA_decision")
	require.True(t, ok)
	require.Equal(t, "approved", decision)
}

func TestScenarioMultiInstanceParallelWithFailingIteration(t *testing.T) {
	sched, handlers := newTestScheduler(t)

	var mu sync.Mutex
	var ran []int
	handlers.Register(exec.ServiceHandlerFunc{
		NameValue: "chargeCard",
		Fn: func(_ context.Context, _ map[string]string, state map[string]any) (map[string]any, error) {
			idx, _ := state["loopCounter"].(int)
			mu.Lock()
			ran = append(ran, idx)
			mu.Unlock()
			if idx == 1 {
				return nil, errors.New("card declined")
			}
			return map[string]any{"charged": true}, nil
		},
	})

	def := newDef(t, "multi-charge", []*Element{
		el("start", TypeStartEvent, nil),
		el("charge", TypeServiceTask, map[string]string{
			"implementation":   "chargeCard",
			"isMultiInstance":  "true",
			"loopCardinality":  "3",
			"outputCollection": "results",
		}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "charge"),
		conn("c2", "charge", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "multi-charge-1", def, Context{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	mu.Lock()
	require.Len(t, ran, 3, "all three iterations should have run despite the failure, since parallel mode fans out before collecting results")
	mu.Unlock()

	raw, ok := inst.Get("results")
	require.True(t, ok)
	results, ok := raw.([]any)
	require.True(t, ok)
	require.Len(t, results, 3)

	require.Equal(t, map[string]any{"charged": true}, results[0])
	require.Equal(t, map[string]any{"error": "card declined"}, results[1])
	require.Equal(t, map[string]any{"charged": true}, results[2])
}

func TestScenarioBoundaryTimerInterruptingUserTask(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "approval-with-timeout", []*Element{
		el("start", TypeStartEvent, nil),
		el("approve", TypeUserTask, nil),
		el("timeout", TypeBoundaryTimerEvent, map[string]string{"timerDuration": "PT1S"}),
		el("end", TypeEndEvent, nil),
		el("escalate", TypeScriptTask, map[string]string{"script": "escalated = true\nescalated"}),
		el("escalateEnd", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "approve"),
		conn("c2", "approve", "end"),
		conn("c3", "timeout", "escalate"),
		conn("c4", "escalate", "escalateEnd"),
	})
	def.Elements[2].AttachedToRef = "approve"
	require.NoError(t, def.Build())

	inst, err := sched.StartInstance(context.Background(), "timeout-1", def, Context{})
	require.NoError(t, err)

	waitUntil(t, 500*time.Millisecond, func() bool {
		_, ok := inst.waiting("approve")
		return ok
	})

	require.Equal(t, StatusSuccess, waitTerminal(t, inst, 3*time.Second))
	escalated, ok := inst.Get("escalated")
	require.True(t, ok)
	require.Equal(t, true, escalated)

	_, stillWaiting := inst.waiting("approve")
	require.False(t, stillWaiting, "the interrupted user task should have been cancelled, not left pending")
}

func TestScenarioErrorEventSubProcessInterrupting(t *testing.T) {
	sched, handlers := newTestScheduler(t)

	handlers.Register(exec.ServiceHandlerFunc{
		NameValue: "callPaymentGateway",
		Fn: func(_ context.Context, _ map[string]string, _ map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("payment gateway unreachable")
		},
	})

	errorSub := el("handlePaymentError", TypeEventSubProcess, nil)
	errorSub.ChildElements = []*Element{
		el("errStart", TypeErrorStartEvent, nil),
		el("notifyOps", TypeScriptTask, map[string]string{"script": "notified = true\nnotified"}),
		el("errEnd", TypeEndEvent, nil),
	}
	errorSub.ChildConnections = []*Connection{
		conn("ec1", "errStart", "notifyOps"),
		conn("ec2", "notifyOps", "errEnd"),
	}

	def := newDef(t, "checkout", []*Element{
		el("start", TypeStartEvent, nil),
		el("pay", TypeServiceTask, map[string]string{"implementation": "callPaymentGateway"}),
		el("end", TypeEndEvent, nil),
		errorSub,
	}, []*Connection{
		conn("c1", "start", "pay"),
		conn("c2", "pay", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "checkout-1", def, Context{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	notified, ok := inst.Get("notified")
	require.True(t, ok)
	require.Equal(t, true, notified)
}

func TestScenarioCompensationLIFO(t *testing.T) {
	sched, handlers := newTestScheduler(t)

	var mu sync.Mutex
	var order []string
	record := func(name string) exec.ServiceHandlerFunc {
		return exec.ServiceHandlerFunc{
			NameValue: name,
			Fn: func(_ context.Context, _ map[string]string, _ map[string]any) (map[string]any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return map[string]any{}, nil
			},
		}
	}
	handlers.Register(record("refundPayment"))
	handlers.Register(record("releaseInventory"))
	handlers.Register(record("triggerFailure"))

	// The booking steps live inside an embedded sub-process so that its
	// error end event bubbles through the return-stack (§4.6) to the
	// top-level event-sub-process below, rather than failing the instance
	// directly (a bare top-level error end event has no enclosing scope to
	// offer the error to).
	bookingFlow := el("bookingFlow", TypeSubProcess, nil)
	bookingFlow.ChildElements = []*Element{
		el("bfStart", TypeStartEvent, nil),
		el("reserveInventory", TypeServiceTask, map[string]string{
			"implementation": "releaseInventory", "compensationRef": "compensateInventory",
		}),
		el("takePayment", TypeServiceTask, map[string]string{
			"implementation": "refundPayment", "compensationRef": "compensatePayment",
		}),
		el("failBooking", TypeServiceTask, map[string]string{"implementation": "triggerFailure"}),
		el("bfEnd", TypeEndEvent, map[string]string{"errorCode": "bookingFailed"}),
	}
	bookingFlow.ChildConnections = []*Connection{
		conn("bf1", "bfStart", "reserveInventory"),
		conn("bf2", "reserveInventory", "takePayment"),
		conn("bf3", "takePayment", "failBooking"),
		conn("bf4", "failBooking", "bfEnd"),
	}

	errorSub := el("onBookingFailed", TypeEventSubProcess, nil)
	errorSub.ChildElements = []*Element{
		el("errStart", TypeErrorStartEvent, map[string]string{"errorCode": "bookingFailed"}),
		el("compensateThrow", TypeIntermediateThrowEvent, map[string]string{
			"eventDefinition": "compensation", "compensationScope": "bookingFlow",
		}),
		el("errEnd", TypeEndEvent, nil),
	}
	errorSub.ChildConnections = []*Connection{
		conn("es1", "errStart", "compensateThrow"),
		conn("es2", "compensateThrow", "errEnd"),
	}

	def := newDef(t, "booking", []*Element{
		el("start", TypeStartEvent, nil),
		bookingFlow,
		el("end", TypeEndEvent, nil),

		// Compensation handlers: dangling elements reached only via
		// compensationRef, never through the ordinary sequence flow.
		el("compensateInventory", TypeServiceTask, map[string]string{"implementation": "releaseInventory"}),
		el("compensatePayment", TypeServiceTask, map[string]string{"implementation": "refundPayment"}),

		errorSub,
	}, []*Connection{
		conn("c1", "start", "bookingFlow"),
		conn("c2", "bookingFlow", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "booking-1", def, Context{})
	require.NoError(t, err)
	// The error end event is fully caught by the event-sub-process above, so
	// the instance completes successfully once compensation has run.
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"releaseInventory", "refundPayment", "triggerFailure", "refundPayment", "releaseInventory"}, order,
		"forward execution runs reserve then pay then fail; compensation then fires LIFO, payment before inventory")
}
