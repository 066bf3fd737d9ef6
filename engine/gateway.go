package engine

import (
	"fmt"
	"sync"

	"github.com/bpmnflow/engine/expr"
)

// GatewayEvaluator implements the decision/merge semantics of §4.5 for all
// four gateway kinds. It is grounded on its Edge.When predicate
// evaluation (graph/edge.go) and on the fan-in bookkeeping pattern in
// graph/engine.go, generalised from a boolean predicate over typed state
// to a CEL expression over Context.
type GatewayEvaluator struct {
	eval *expr.Evaluator
}

// NewGatewayEvaluator builds a GatewayEvaluator backed by the given
// expression evaluator.
func NewGatewayEvaluator(eval *expr.Evaluator) *GatewayEvaluator {
	return &GatewayEvaluator{eval: eval}
}

// Decide returns the outgoing connections to take from a gateway element,
// and (for observability) the ones rejected, implementing the table in
// §4.5.
func (g *GatewayEvaluator) Decide(el *Element, outgoing []*Connection, ctx Context) (taken, notTaken []*Connection, err error) {
	switch el.Type {
	case TypeExclusiveGateway:
		return g.decideExclusive(el, outgoing, ctx)
	case TypeInclusiveGateway:
		return g.decideInclusive(el, outgoing, ctx)
	case TypeParallelGateway:
		return outgoing, nil, nil
	case TypeEventBasedGateway:
		// Outgoing selection for an event-based gateway is made by the
		// scheduler's race among the gateway's event/receive/timer
		// successors (§4.9); Decide here simply reports all candidates so
		// the scheduler can race them.
		return outgoing, nil, nil
	default:
		return nil, nil, fmt.Errorf("engine: %s is not a gateway type", el.Type)
	}
}

func (g *GatewayEvaluator) decideExclusive(el *Element, outgoing []*Connection, ctx Context) (taken, notTaken []*Connection, err error) {
	var def *Connection
	for _, c := range outgoing {
		if c.IsDefault() {
			def = c
			continue
		}
		cond := c.Condition()
		if cond == "" {
			continue
		}
		ok, evalErr := g.eval.Evaluate(cond, ctx)
		if evalErr != nil {
			// An evaluation error is not reported (no expression.error
			// event is emitted); the flow is treated as not-taken rather
			// than aborting the whole decision.
			notTaken = append(notTaken, c)
			continue
		}
		if ok {
			taken = []*Connection{c}
			for _, other := range outgoing {
				if other != c {
					notTaken = append(notTaken, other)
				}
			}
			return taken, notTaken, nil
		}
		notTaken = append(notTaken, c)
	}
	if def != nil {
		taken = []*Connection{def}
		out := notTaken[:0]
		for _, c := range notTaken {
			if c != def {
				out = append(out, c)
			}
		}
		return taken, out, nil
	}
	return nil, outgoing, NewTaskError(el.ID, ErrNoPathMatched, nil)
}

// isRaceJoinGateway reports whether an inclusive gateway is configured to
// behave as a race join (§4.5/§4.9): complete on first arrival and cancel
// its siblings, rather than waiting for every fork-selected branch.
func isRaceJoinGateway(el *Element) bool {
	return el.Properties["joinType"] == "race"
}

func (g *GatewayEvaluator) decideInclusive(el *Element, outgoing []*Connection, ctx Context) (taken, notTaken []*Connection, err error) {
	var def *Connection
	for _, c := range outgoing {
		if c.IsDefault() {
			def = c
			continue
		}
		cond := c.Condition()
		if cond == "" {
			taken = append(taken, c)
			continue
		}
		ok, evalErr := g.eval.Evaluate(cond, ctx)
		if evalErr != nil || !ok {
			notTaken = append(notTaken, c)
			continue
		}
		taken = append(taken, c)
	}
	if len(taken) > 0 {
		return taken, notTaken, nil
	}
	if def != nil {
		return []*Connection{def}, notTaken, nil
	}
	return nil, outgoing, NewTaskError(el.ID, ErrNoPathMatched, nil)
}

// gatewayState tracks per-gateway merge bookkeeping for one instance.
//
// Open Question 1 (fork-stamp propagation, the preferred strategy named in
// §9): expectedArrivals for a given (gatewayID, forkID) pair is the number
// of sibling branches that were actually activated under that fork, not the
// gateway's static incoming-connection count. This lets an inclusive join
// correctly wait only for the branches its matching fork actually took,
// rather than over-waiting on statically-possible-but-unselected incoming
// connections.
type gatewayState struct {
	mu        sync.Mutex
	merges    map[string]*mergeEntry // key: gatewayID + "#" + forkID
	completed map[string]bool        // gatewayID -> fired (invariant 1)
}

type mergeEntry struct {
	expected int
	arrived  map[string]bool // fromElementID set
	done     bool
}

func newGatewayState() *gatewayState {
	return &gatewayState{
		merges:    make(map[string]*mergeEntry),
		completed: make(map[string]bool),
	}
}

// AlreadyCompleted reports whether the gateway has already fired its merge
// (invariant 1: at most once per instance).
func (s *gatewayState) AlreadyCompleted(gatewayID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[gatewayID]
}

// Arrive records one branch's arrival at a parallel/inclusive join and
// reports whether this arrival completes the merge (all expected siblings
// have now arrived) along with whether the gateway had already completed
// (duplicate/late arrival, to be discarded by the caller).
func (s *gatewayState) Arrive(gatewayID, forkID, fromElementID string, expected int) (complete bool, alreadyDone bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[gatewayID] {
		return false, true
	}
	key := gatewayID + "#" + forkID
	e, ok := s.merges[key]
	if !ok {
		e = &mergeEntry{expected: expected, arrived: make(map[string]bool)}
		s.merges[key] = e
	}
	if expected > e.expected {
		e.expected = expected
	}
	e.arrived[fromElementID] = true
	if !e.done && len(e.arrived) >= e.expected {
		e.done = true
		s.completed[gatewayID] = true
		return true, false
	}
	return false, false
}

// ArriveRace records a first-arrival race: the gateway (or, for an
// event-based gateway's outgoing race, the gateway+candidate pair named by
// gatewayID) completes on whichever fromElementID arrives first, and every
// sibling must be cancelled by the caller. Used both for an inclusive
// gateway configured as a race join (tryJoin) and for event-based gateway
// candidate racing (raceEventBasedGateway).
func (s *gatewayState) ArriveRace(gatewayID, fromElementID string) (won bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed[gatewayID] {
		return false
	}
	s.completed[gatewayID] = true
	return true
}
