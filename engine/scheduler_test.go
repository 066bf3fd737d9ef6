package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinearFlowThroughScriptTask(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "linear", []*Element{
		el("start", TypeStartEvent, nil),
		el("double", TypeScriptTask, map[string]string{"script": "doubled = ctx.amount * 2\ndoubled"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "double"),
		conn("c2", "double", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "inst-1", def, Context{"amount": 21.0})
	require.NoError(t, err)

	status := waitTerminal(t, inst, time.Second)
	require.Equal(t, StatusSuccess, status)

	v, ok := inst.Get("doubled")
	require.True(t, ok)
	require.Equal(t, 42.0, v)
}

func TestExclusiveGatewayTakesMatchingBranch(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "xor", []*Element{
		el("start", TypeStartEvent, nil),
		el("gw", TypeExclusiveGateway, nil),
		el("approve", TypeScriptTask, map[string]string{"script": "path = \"approved\"\npath"}),
		el("reject", TypeScriptTask, map[string]string{"script": "path = \"rejected\"\npath"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "gw"),
		condConn("c2", "gw", "approve", "ctx.amount <= 100.0"),
		defaultConn("c3", "gw", "reject"),
		conn("c4", "approve", "end"),
		conn("c5", "reject", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "inst-xor-1", def, Context{"amount": 50.0})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	path, ok := inst.Get("path")
	require.True(t, ok)
	require.Equal(t, "approved", path)

	inst2, err := sched.StartInstance(context.Background(), "inst-xor-2", def, Context{"amount": 500.0})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst2, time.Second))

	path2, ok := inst2.Get("path")
	require.True(t, ok)
	require.Equal(t, "rejected", path2)
}

func TestParallelGatewayForksAndJoins(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "fork-join", []*Element{
		el("start", TypeStartEvent, nil),
		el("fork", TypeParallelGateway, nil),
		el("branchA", TypeScriptTask, map[string]string{"script": "a = 1\na"}),
		el("branchB", TypeScriptTask, map[string]string{"script": "b = 2\nb"}),
		el("join", TypeParallelGateway, nil),
		el("sum", TypeScriptTask, map[string]string{"script": "total = ctx.a + ctx.b\ntotal"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "fork"),
		conn("c2", "fork", "branchA"),
		conn("c3", "fork", "branchB"),
		conn("c4", "branchA", "join"),
		conn("c5", "branchB", "join"),
		conn("c6", "join", "sum"),
		conn("c7", "sum", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "inst-fj-1", def, Context{})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, waitTerminal(t, inst, time.Second))

	total, ok := inst.Get("total")
	require.True(t, ok)
	require.Equal(t, 3.0, total)
}

func TestNoPathMatchedFailsInstance(t *testing.T) {
	sched, _ := newTestScheduler(t)

	def := newDef(t, "no-match", []*Element{
		el("start", TypeStartEvent, nil),
		el("gw", TypeExclusiveGateway, nil),
		el("onlyPath", TypeScriptTask, map[string]string{"script": "x = 1\nx"}),
		el("end", TypeEndEvent, nil),
	}, []*Connection{
		conn("c1", "start", "gw"),
		condConn("c2", "gw", "onlyPath", "ctx.amount > 1000.0"),
		conn("c3", "onlyPath", "end"),
	})

	inst, err := sched.StartInstance(context.Background(), "inst-nomatch", def, Context{"amount": 5.0})
	require.NoError(t, err)
	require.Equal(t, StatusFailure, waitTerminal(t, inst, time.Second))
}
