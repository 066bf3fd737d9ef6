package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bpmnflow/engine/bus"
	"github.com/bpmnflow/engine/eventstream"
	"github.com/bpmnflow/engine/exec"
	"github.com/bpmnflow/engine/expr"
)

// Scheduler is the cooperative graph-walking core of §4.9: it drives a
// WorkflowInstance forward one element at a time, forking a goroutine per
// concurrent branch and joining at gateways via gatewayState, grounded on
// its runConcurrent/executeParallel goroutine-per-branch,
// WaitGroup-synchronised idiom in graph/engine.go. Unlike its
// Engine[S], branches here are not short-lived: a token may suspend for an
// arbitrary real-world duration at a user task, timer, or message wait, so
// joining happens at the gateway itself (via gatewayState.Arrive) rather
// than at the end of a bounded executeParallel call.
type Scheduler struct {
	cfg      Config
	gateways *GatewayEvaluator
	execs    *exec.Registry
	handlers *exec.ServiceHandlerRegistry
	bus      *bus.Bus
	events   *eventstream.Stream
	eval     *expr.Evaluator

	boundary *BoundarySupervisor
	eventSub *EventSubProcessSupervisor

	logger Logger
	metrics *Metrics
}

// NewScheduler wires the shared, per-engine singletons (evaluator,
// executor registry, message bus, event stream) into a Scheduler. The
// executor Registry passed in is expected to already carry the
// stateless built-ins (script/service/send/agentic); Scheduler
// constructs the instance-aware executors (user task, timer and message
// events) itself at dispatch time.
func NewScheduler(eval *expr.Evaluator, execs *exec.Registry, handlers *exec.ServiceHandlerRegistry, msgBus *bus.Bus, events *eventstream.Stream, opts ...Option) (*Scheduler, error) {
	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:      cfg,
		gateways: NewGatewayEvaluator(eval),
		execs:    execs,
		handlers: handlers,
		bus:      msgBus,
		events:   events,
		eval:     eval,
		logger:   NewLogger(),
		metrics:  NewMetrics(),
	}
	s.boundary = NewBoundarySupervisor(s)
	s.eventSub = NewEventSubProcessSupervisor(s)
	return s, nil
}

// token follows one path of control flow through a WorkflowDefinition.
// forkID/expected identify the fork this token was spawned from, so a
// downstream inclusive/parallel join can tell how many siblings to wait
// for without recomputing it from the static graph (Open Question 1,
// §9's preferred fork-stamp strategy).
type token struct {
	forkID     string
	expected   int
	scopeID    string // nearest enclosing process/subprocess id, for compensation scoping
	cameFrom   string // element id the token is arriving from
	forkBranch string // the fork's immediate target for this token, fixed at forkOut time; used to find and cancel this branch's siblings on a race-join win

	// returnStack records the embedded subProcess containers a token has
	// descended into, so reaching an end event at that nesting depth
	// resumes the outer flow from the container's own outgoing
	// connections rather than terminating the token (§4.6 embedded
	// sub-processes).
	returnStack []returnFrame
}

type returnFrame struct {
	elementID string
	scopeID   string
	parentCtx context.Context
	cancel    func()
}

func pushReturnFrame(stack []returnFrame, frame returnFrame) []returnFrame {
	out := make([]returnFrame, len(stack)+1)
	copy(out, stack)
	out[len(stack)] = frame
	return out
}

func popReturnFrame(stack []returnFrame) (returnFrame, []returnFrame) {
	n := len(stack)
	f := stack[n-1]
	out := make([]returnFrame, n-1)
	copy(out, stack[:n-1])
	return f, out
}

// run collects the state shared by every token of one StartInstance call.
type run struct {
	sched *Scheduler
	inst  *WorkflowInstance
	def   *WorkflowDefinition

	active int
	doneMu sync.Mutex
	doneCh chan struct{}

	// raceMu/raceBranches track, per forkID, the cancel function for each
	// branch's own context, keyed by that branch's forkBranch element id.
	// A race-join gateway win cancels every sibling branch's entry other
	// than the winner's own (§4.9 "Competing join cancellation").
	raceMu       sync.Mutex
	raceBranches map[string]map[string]func()
}

// registerRaceBranch records cancel as the branch cancellation for
// (forkID, branchID), so a sibling's race-join win can later reach it.
func (r *run) registerRaceBranch(forkID, branchID string, cancel func()) {
	r.raceMu.Lock()
	defer r.raceMu.Unlock()
	if r.raceBranches == nil {
		r.raceBranches = make(map[string]map[string]func())
	}
	if r.raceBranches[forkID] == nil {
		r.raceBranches[forkID] = make(map[string]func())
	}
	r.raceBranches[forkID][branchID] = cancel
}

// clearRaceBranch removes one branch's bookkeeping once it has finished
// running, whether it lost a race or completed on its own.
func (r *run) clearRaceBranch(forkID, branchID string) {
	r.raceMu.Lock()
	defer r.raceMu.Unlock()
	if branches := r.raceBranches[forkID]; branches != nil {
		delete(branches, branchID)
		if len(branches) == 0 {
			delete(r.raceBranches, forkID)
		}
	}
}

// cancelRaceSiblings cancels every branch registered under forkID other
// than winnerBranch, implementing §4.9's competing join cancellation: the
// scheduler cancels the cooperative tasks of every sibling incoming path.
func (r *run) cancelRaceSiblings(forkID, winnerBranch string) {
	r.raceMu.Lock()
	branches := make(map[string]func(), len(r.raceBranches[forkID]))
	for id, cancel := range r.raceBranches[forkID] {
		branches[id] = cancel
	}
	r.raceMu.Unlock()
	for branchID, cancel := range branches {
		if branchID == winnerBranch {
			continue
		}
		cancel()
	}
}

// StartInstance begins executing def from its start event with the given
// initial context, returning the running instance immediately; completion
// is observed via the event stream (WorkflowCompleted) or by polling
// inst.Status. parent supplies the cancellation root: cancelling it
// cancels every in-flight token cooperatively (§7).
func (s *Scheduler) StartInstance(parentCtx context.Context, instanceID string, def *WorkflowDefinition, initial Context) (*WorkflowInstance, error) {
	start := findStartElement(def)
	if start == nil {
		return nil, NewTaskError(def.ID, ErrDefinitionInvalid, fmt.Errorf("no top-level start event found"))
	}

	inst := newWorkflowInstance(instanceID, def, initial)
	ctx, cancel := context.WithCancelCause(parentCtx)
	inst.cancel = func(reason error) { cancel(reason) }

	r := &run{sched: s, inst: inst, def: def, doneCh: make(chan struct{})}

	s.emit(ctx, inst, eventstream.WorkflowStarted, "", nil)
	s.eventSub.ActivateScope(ctx, r, def.ID, func() { cancel(ErrCancelled) })
	r.spawn(ctx, start, token{scopeID: def.ID})

	go func() {
		<-r.doneCh
		inst.mu.Lock()
		if inst.Status == StatusRunning {
			inst.Status = StatusSuccess
		}
		inst.EndTime = time.Now()
		status := inst.Status
		inst.mu.Unlock()
		cancel(nil)
		s.emit(context.Background(), inst, eventstream.WorkflowCompleted, "", map[string]any{"status": string(status)})
	}()

	return inst, nil
}

// findStartElement returns the first top-level start event in def, giving
// priority to the plain startEvent type over event-based start triggers
// (which are activated by EventSubProcessSupervisor instead, §4.8).
func findStartElement(def *WorkflowDefinition) *Element {
	var fallback *Element
	for _, el := range def.Elements {
		if el.AttachedToRef != "" {
			continue
		}
		switch el.Type {
		case TypeStartEvent:
			return el
		case TypeTimerStartEvent, TypeMessageStartEvent, TypeSignalStartEvent, TypeErrorStartEvent, TypeEscalationStartEvent:
			if fallback == nil {
				fallback = el
			}
		}
	}
	return fallback
}

// spawn registers one in-flight token and launches its walk goroutine.
func (r *run) spawn(ctx context.Context, el *Element, tok token) {
	r.doneMu.Lock()
	r.active++
	r.doneMu.Unlock()
	go func() {
		defer r.leave()
		r.sched.walk(ctx, r, el, tok)
	}()
}

// spawnBranch is spawn plus the forkID/branchID race-cancellation
// bookkeeping forkOut needs: cancel is this branch's own cancel function,
// invoked (idempotently) once the branch finishes for any reason, and also
// invokable early by a sibling's race-join win via cancelRaceSiblings.
func (r *run) spawnBranch(ctx context.Context, el *Element, tok token, cancel func()) {
	r.doneMu.Lock()
	r.active++
	r.doneMu.Unlock()
	go func() {
		defer r.leave()
		defer cancel()
		defer r.clearRaceBranch(tok.forkID, tok.forkBranch)
		r.sched.walk(ctx, r, el, tok)
	}()
}

// leave records one token finishing; when the last token finishes, doneCh
// is closed and StartInstance's completion goroutine fires.
func (r *run) leave() {
	r.doneMu.Lock()
	r.active--
	done := r.active == 0
	r.doneMu.Unlock()
	if done {
		close(r.doneCh)
	}
}

// walk advances a single token through the graph until it terminates
// (end event, dangling path, absorbed at a join, or cancelled).
func (s *Scheduler) walk(ctx context.Context, r *run, el *Element, tok token) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if el.Type.IsGateway() && el.Type != TypeExclusiveGateway {
			if complete, absorbed := s.tryJoin(r, el, tok); absorbed {
				if !complete {
					return
				}
				tok.forkID = ""
				tok.expected = 0
				tok.forkBranch = ""
			}
		}

		switch {
		case el.Type.IsGateway():
			next, ok := s.handleGateway(ctx, r, el, tok)
			if !ok {
				return
			}
			if len(next) == 0 {
				return
			}
			if len(next) == 1 {
				tok.cameFrom = el.ID
				el = next[0]
				continue
			}
			s.forkOut(ctx, r, el, tok, next)
			return

		case el.Type == TypeSubProcess:
			s.emit(ctx, r.inst, eventstream.ElementEntered, el.ID, nil)
			inner := findStartElement(&WorkflowDefinition{Elements: el.ChildElements})
			if inner == nil {
				// Empty embedded sub-process: complete immediately and
				// continue the outer flow.
				outgoing := r.def.Outgoing(el.ID)
				if len(outgoing) == 0 {
					return
				}
				if len(outgoing) == 1 {
					tok.cameFrom = el.ID
					el = r.mustElement(outgoing[0].To)
					continue
				}
				targets := make([]*Element, 0, len(outgoing))
				for _, c := range outgoing {
					targets = append(targets, r.mustElement(c.To))
				}
				s.forkOut(ctx, r, el, tok, targets)
				return
			}
			parentCtx := ctx
			boundCtx := ctx
			cancelScope := func() {}
			if s.boundary.HasBoundaryEvents(r.def, el.ID) {
				boundCtx, cancelScope = s.boundary.Watch(ctx, r, el, tok)
			}
			tok.returnStack = pushReturnFrame(tok.returnStack, returnFrame{
				elementID: el.ID, scopeID: tok.scopeID, parentCtx: parentCtx, cancel: cancelScope,
			})
			tok.scopeID = el.ID
			s.eventSub.ActivateScope(boundCtx, r, el.ID, cancelScope)
			ctx = boundCtx
			el = inner
			continue

		case el.Type == TypeEndEvent:
			s.emit(ctx, r.inst, eventstream.ElementEntered, el.ID, nil)
			s.emit(ctx, r.inst, eventstream.ElementCompleted, el.ID, nil)
			if code := el.Properties["errorCode"]; code != "" {
				if len(tok.returnStack) > 0 {
					frame, _ := popReturnFrame(tok.returnStack)
					if frame.cancel != nil {
						frame.cancel()
					}
					s.handleActivityError(ctx, r, r.mustElement(frame.elementID), tok, &DomainError{Code: code, Message: el.Properties["errorMessage"]})
					return
				}
				s.failInstance(ctx, r.inst, &DomainError{Code: code, Message: el.Properties["errorMessage"]})
				return
			}
			if len(tok.returnStack) > 0 {
				var frame returnFrame
				frame, tok.returnStack = popReturnFrame(tok.returnStack)
				if frame.cancel != nil {
					frame.cancel()
				}
				r.inst.compensation.Clear(frame.elementID)
				tok.scopeID = frame.scopeID
				ctx = frame.parentCtx
				outgoing := r.def.Outgoing(frame.elementID)
				if len(outgoing) == 0 {
					return
				}
				if len(outgoing) == 1 {
					tok.cameFrom = frame.elementID
					el = r.mustElement(outgoing[0].To)
					continue
				}
				targets := make([]*Element, 0, len(outgoing))
				for _, c := range outgoing {
					targets = append(targets, r.mustElement(c.To))
				}
				s.forkOut(ctx, r, el, tok, targets)
				return
			}
			return

		default:
			cont, err := s.executeActivity(ctx, r, el, tok)
			if err != nil {
				s.handleActivityError(ctx, r, el, tok, err)
				return
			}
			if !cont {
				return
			}
			outgoing := r.def.Outgoing(el.ID)
			if len(outgoing) == 0 {
				return
			}
			if len(outgoing) == 1 {
				tok.cameFrom = el.ID
				el = r.mustElement(outgoing[0].To)
				continue
			}
			targets := make([]*Element, 0, len(outgoing))
			for _, c := range outgoing {
				targets = append(targets, r.mustElement(c.To))
			}
			s.forkOut(ctx, r, el, tok, targets)
			return
		}
	}
}

func (r *run) mustElement(id string) *Element {
	el, _ := r.def.Element(id)
	return el
}

// forkOut spawns one goroutine per target element under a fresh forkID,
// implementing both explicit parallel-gateway fans and implicit forks from
// an activity/exclusive-path with more than one live outgoing connection.
// Each branch runs under its own cancellable context derived from ctx, so a
// race-join gateway further downstream can cancel a losing sibling's
// still-running activity without disturbing the winner or the other forks
// in this run (§4.9 "Competing join cancellation").
func (s *Scheduler) forkOut(ctx context.Context, r *run, from *Element, tok token, targets []*Element) {
	forkID := uuid.NewString()
	for _, next := range targets {
		branchCtx, cancel := context.WithCancel(ctx)
		child := token{forkID: forkID, expected: len(targets), scopeID: tok.scopeID, cameFrom: from.ID, forkBranch: next.ID}
		r.registerRaceBranch(forkID, next.ID, cancel)
		r.spawnBranch(branchCtx, next, child, cancel)
	}
}

// tryJoin is called on entry to any non-exclusive gateway with more than
// one incoming connection; it records this token's arrival and reports
// whether the gateway's merge completes now, and whether this call site
// should stop advancing the token itself (absorbed=true for any gateway
// with >1 incoming, regardless of outcome; the caller resumes only when
// complete is also true). An inclusive gateway configured with
// joinType=="race" completes on its first arrival instead of waiting for
// every fork-selected branch, and cancels its siblings' still-running
// activities (§4.5 "Merge (race join)").
func (s *Scheduler) tryJoin(r *run, el *Element, tok token) (complete bool, absorbed bool) {
	incoming := r.def.Incoming(el.ID)
	if len(incoming) <= 1 {
		return true, false
	}
	if el.Type == TypeInclusiveGateway && isRaceJoinGateway(el) {
		won := r.inst.gateways.ArriveRace(el.ID, tok.cameFrom)
		if !won {
			return false, true
		}
		r.cancelRaceSiblings(tok.forkID, tok.forkBranch)
		return true, true
	}
	expected := tok.expected
	if expected == 0 {
		expected = len(incoming)
	}
	done, already := r.inst.gateways.Arrive(el.ID, tok.forkID, tok.cameFrom, expected)
	if already {
		return false, true
	}
	return done, true
}

// handleGateway decides the outgoing path(s) for exclusive/inclusive
// gateways and races the candidates for an event-based gateway, per the
// table in §4.5. The returned elements are already resolved.
func (s *Scheduler) handleGateway(ctx context.Context, r *run, el *Element, tok token) ([]*Element, bool) {
	outgoing := r.def.Outgoing(el.ID)
	s.emit(ctx, r.inst, eventstream.GatewayEvaluating, el.ID, nil)

	if el.Type == TypeEventBasedGateway {
		winner := s.raceEventBasedGateway(ctx, r, el, outgoing)
		if winner == nil {
			return nil, true
		}
		return []*Element{winner}, true
	}

	taken, notTaken, err := s.gateways.Decide(el, outgoing, r.inst.Snapshot())
	if err != nil {
		s.metrics.recordGateway(el.ID, "error")
		s.handleActivityError(ctx, r, el, tok, err)
		return nil, false
	}
	for _, c := range taken {
		s.emit(ctx, r.inst, eventstream.GatewayPathTaken, el.ID, map[string]any{"connection": c.ID, "to": c.To})
		s.metrics.recordGateway(el.ID, "taken:"+c.To)
	}
	for _, c := range notTaken {
		s.emit(ctx, r.inst, eventstream.GatewayPathNotTaken, el.ID, map[string]any{"connection": c.ID, "to": c.To})
	}
	out := make([]*Element, 0, len(taken))
	for _, c := range taken {
		out = append(out, r.mustElement(c.To))
	}
	return out, true
}

// raceEventBasedGateway launches one goroutine per candidate successor and
// returns the element reached by whichever completes first, cancelling the
// rest (§4.5's event-based-gateway row).
func (s *Scheduler) raceEventBasedGateway(ctx context.Context, r *run, gw *Element, outgoing []*Connection) *Element {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		el  *Element
		err error
	}
	results := make(chan result, len(outgoing))
	for _, c := range outgoing {
		target := r.mustElement(c.To)
		go func(target *Element) {
			if !r.inst.gateways.ArriveRace(gw.ID+"#"+target.ID, target.ID) {
				return
			}
			_, err := s.executeActivity(raceCtx, r, target, token{scopeID: "", cameFrom: gw.ID})
			select {
			case results <- result{el: target, err: err}:
			default:
			}
		}(target)
	}

	select {
	case res := <-results:
		if res.err != nil {
			return nil
		}
		outgoingNext := r.def.Outgoing(res.el.ID)
		if len(outgoingNext) != 1 {
			return res.el
		}
		return r.mustElement(outgoingNext[0].To)
	case <-ctx.Done():
		return nil
	}
}

// executeActivity runs one element's executor to completion (or
// cancellation), applying its result delta to the instance context and
// emitting the element.entered/completed/failed events of §6. It returns
// cont=false when the token has already been fully disposed of (e.g. a
// user-task rejection or a cooperative cancellation), so the caller must
// not advance further.
func (s *Scheduler) executeActivity(ctx context.Context, r *run, el *Element, tok token) (cont bool, err error) {
	s.emit(ctx, r.inst, eventstream.ElementEntered, el.ID, nil)
	started := time.Now()

	hostScope := tok.scopeID
	runCtx := ctx
	var cancelBoundary func()
	if s.boundary.HasBoundaryEvents(r.def, el.ID) {
		runCtx, cancelBoundary = s.boundary.Watch(ctx, r, el, tok)
		defer cancelBoundary()
	}

	result := s.runOneOrMultiInstance(runCtx, r, el, tok)

	if result.Cancelled {
		s.emit(ctx, r.inst, eventstream.TaskCancelled, el.ID, nil)
		s.metrics.observeElement(string(el.Type), "cancelled", time.Since(started))
		return false, nil
	}
	if result.Err != nil {
		s.emit(ctx, r.inst, eventstream.ElementFailed, el.ID, map[string]any{"error": result.Err.Error()})
		s.metrics.observeElement(string(el.Type), "failed", time.Since(started))
		if cancelBoundary != nil {
			cancelBoundary()
		}
		code := ""
		var domainErr *DomainError
		if errors.As(result.Err, &domainErr) {
			code = domainErr.Code
		}
		s.metrics.recordFailure(el.ID, errorCategory(result.Err))
		if catcher := findBoundaryErrorEvent(r.def, el.ID, code); catcher != nil {
			r.spawn(ctx, catcher, token{scopeID: hostScope, cameFrom: el.ID})
			return false, nil
		}
		return false, result.Err
	}

	r.inst.ApplyDelta(result.Value)
	s.emit(ctx, r.inst, eventstream.ElementCompleted, el.ID, result.Value)
	s.metrics.observeElement(string(el.Type), "completed", time.Since(started))

	if ref := el.Properties["compensationRef"]; ref != "" {
		r.inst.compensation.Register(el.ID, hostScope, ref, r.inst.Snapshot())
	}
	return true, nil
}

// runOneOrMultiInstance dispatches to the multi-instance/standard-loop
// wrapper when the element's properties request it (§4.6), otherwise runs
// the executor once directly.
func (s *Scheduler) runOneOrMultiInstance(ctx context.Context, r *run, el *Element, tok token) exec.Result {
	if el.Type == TypeCallActivity {
		return s.executeCallActivity(ctx, r, el)
	}
	if el.Type == TypeIntermediateThrowEvent && el.Properties["eventDefinition"] == "compensation" {
		scopeID := el.Properties["compensationScope"]
		if scopeID == "" {
			scopeID = tok.scopeID
		}
		s.fireCompensation(ctx, r, scopeID)
		return exec.Result{Value: map[string]any{}}
	}
	if isMultiInstance(el) || isStandardLoop(el) {
		return s.executeLoop(ctx, r, el, tok)
	}
	return s.runExecutor(ctx, r, el)
}

// runExecutor invokes the element's executor against the instance's
// current context snapshot, relaying Progress updates onto the event
// stream as they arrive.
func (s *Scheduler) runExecutor(ctx context.Context, r *run, el *Element) exec.Result {
	return s.runExecutorWithState(ctx, r, el, map[string]any(r.inst.Snapshot()))
}

// runExecutorWithState is runExecutor with an explicit state map, used by
// the multi-instance/standard-loop wrapper to overlay per-iteration
// item/index values without mutating the shared instance context.
func (s *Scheduler) runExecutorWithState(ctx context.Context, r *run, el *Element, state map[string]any) exec.Result {
	executor := s.executorFor(el, r.inst)
	progress := make(chan exec.Progress, 8)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		for p := range progress {
			s.emit(ctx, r.inst, eventstream.Type(p.Kind), el.ID, p.Payload)
		}
	}()
	result := executor.Execute(ctx, el.ID, el.Properties, state, progress)
	close(progress)
	<-relayDone
	return result
}

// executorFor builds the Executor for el, constructing instance-aware
// executors (user task, timer/message/signal catch-throw events) here and
// falling back to the shared Registry for stateless built-ins.
func (s *Scheduler) executorFor(el *Element, inst *WorkflowInstance) exec.Executor {
	switch el.Type {
	case TypeUserTask:
		return exec.UserTaskExecutor{Waiter: instanceWaiter{inst: inst}}
	case TypeReceiveTask:
		return exec.ReceiveExecutor{Bus: s.bus, Eval: s.eval}
	case TypeTimerIntermediateCatchEvent, TypeTimerStartEvent:
		return exec.TimerExecutor{ParseSpec: func(props map[string]string, at time.Time) (time.Time, error) {
			spec, err := ParseTimerProperties(props)
			if err != nil {
				return time.Time{}, err
			}
			return spec.DueAt(at), nil
		}}
	case TypeIntermediateCatchEvent:
		switch el.Properties["eventDefinition"] {
		case "signal":
			return exec.SignalEventExecutor{Bus: s.bus}
		default:
			return exec.MessageEventExecutor{Bus: s.bus, Eval: s.eval, IsThrow: false}
		}
	case TypeIntermediateThrowEvent:
		switch el.Properties["eventDefinition"] {
		case "signal":
			return exec.SignalEventExecutor{Bus: s.bus}
		default:
			return exec.MessageEventExecutor{Bus: s.bus, Eval: s.eval, IsThrow: true}
		}
	case TypeAgenticTask:
		agentic, _ := s.execs.Lookup(string(TypeAgenticTask)).(exec.AgenticExecutor)
		agentic.Tracker = inst.Cost()
		return agentic
	default:
		return s.execs.Lookup(string(el.Type))
	}
}

// handleActivityError routes a task failure to the boundary/event-sub-
// process catch order of §7: an attached error boundary on the same
// activity first, then the innermost enclosing event-sub-process, and
// finally a terminal instance failure.
func (s *Scheduler) handleActivityError(ctx context.Context, r *run, el *Element, tok token, err error) {
	var domainErr *DomainError
	code := ""
	if errors.As(err, &domainErr) {
		code = domainErr.Code
	}
	if s.eventSub.TryHandle(ctx, r, tok.scopeID, code, err) {
		return
	}
	s.logger.Error("uncaught task failure", err, map[string]any{"instanceId": r.inst.InstanceID, "elementId": el.ID})
	s.failInstance(ctx, r.inst, err)
}

// failInstance marks the instance failed and cancels every in-flight
// token (§7: an uncaught error fails the whole instance).
func (s *Scheduler) failInstance(ctx context.Context, inst *WorkflowInstance, cause error) {
	inst.mu.Lock()
	if inst.Status == StatusRunning {
		inst.Status = StatusFailure
		inst.cancelReason = cause
	}
	inst.mu.Unlock()
	if inst.cancel != nil {
		inst.cancel(cause)
	}
}

// CancelInstance cooperatively cancels every token of inst with reason
// (§7's external-cancellation contract).
func (s *Scheduler) CancelInstance(inst *WorkflowInstance, reason error) {
	inst.mu.Lock()
	if inst.Status == StatusRunning {
		inst.Status = StatusCancelled
		inst.cancelReason = reason
	}
	inst.mu.Unlock()
	if inst.cancel != nil {
		inst.cancel(reason)
	}
}

// errorCategory maps err to one of the sentinel categories in errors.go for
// metrics labelling, falling back to ErrTaskFailed for anything else.
func errorCategory(err error) error {
	for _, sentinel := range []error{
		ErrDefinitionInvalid, ErrExpression, ErrTimeout, ErrCancelled,
		ErrUserRejected, ErrNoPathMatched, ErrMultiInstanceOverflow,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return ErrTaskFailed
}

func (s *Scheduler) emit(ctx context.Context, inst *WorkflowInstance, typ eventstream.Type, elementID string, payload map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Emit(ctx, eventstream.Event{
		Type:       typ,
		InstanceID: inst.InstanceID,
		ElementID:  elementID,
		Timestamp:  time.Now(),
		Payload:    payload,
	})
}

// userTaskDecision is sent into a WaitingTaskHandle's CompletionCh by the
// facade's CompleteUserTask.
type userTaskDecision struct {
	Decision string
	Comments string
	Payload  map[string]any
}

// instanceWaiter adapts a WorkflowInstance's WaitingTaskHandle bookkeeping
// to exec.UserTaskWaiter, keeping the exec package free of an engine
// import.
type instanceWaiter struct {
	inst *WorkflowInstance
}

func (w instanceWaiter) Await(ctx context.Context, elementID string, _ map[string]string) (string, string, map[string]any, error) {
	handle := &WaitingTaskHandle{ElementID: elementID, Kind: "user", CompletionCh: make(chan any, 1)}
	w.inst.registerWaiting(handle)
	defer w.inst.unregisterWaiting(elementID)

	select {
	case v := <-handle.CompletionCh:
		d, _ := v.(userTaskDecision)
		return d.Decision, d.Comments, d.Payload, nil
	case <-ctx.Done():
		return "", "", nil, ctx.Err()
	}
}
