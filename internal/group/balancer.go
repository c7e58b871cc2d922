package group

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/mcp-hangar/hangar/internal/domain"
)

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyRandom             Strategy = "random"
	StrategyPriority           Strategy = "priority"
	StrategyLeastConnections   Strategy = "least_connections"
)

// Strategy names a member-selection policy.
type Strategy string

// ParseStrategy validates a strategy tag from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyRoundRobin, StrategyWeightedRoundRobin, StrategyRandom,
		StrategyPriority, StrategyLeastConnections:
		return Strategy(s), nil
	case "":
		return StrategyRoundRobin, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// MemberView is the balancer's input: one healthy member with the live
// counters selection may depend on. InFlight counts in-flight calls only,
// not queued ones.
type MemberView struct {
	ID       string
	State    domain.ProviderState
	Weight   int
	Priority int
	InFlight int64
}

// Balancer picks one member from the healthy set. Implementations carry
// their own rotation state and are safe for concurrent use.
type Balancer interface {
	Pick(members []MemberView) (string, bool)
}

// NewBalancer creates the balancer for a strategy.
func NewBalancer(strategy Strategy) Balancer {
	switch strategy {
	case StrategyWeightedRoundRobin:
		return &smoothWeightedRR{current: make(map[string]int)}
	case StrategyRandom:
		return &randomPick{}
	case StrategyPriority:
		return &priorityPick{}
	case StrategyLeastConnections:
		return &leastConnections{}
	default:
		return &roundRobin{}
	}
}

// roundRobin advances an index over the healthy set per call.
type roundRobin struct {
	mu   sync.Mutex
	next int
}

func (r *roundRobin) Pick(members []MemberView) (string, bool) {
	if len(members) == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := members[r.next%len(members)].ID
	r.next++
	return id, true
}

// smoothWeightedRR implements classic smooth weighted round-robin: each
// pick adds every member's weight to its current score, selects the
// highest score, then subtracts the total weight from the winner. The
// rotation is deterministic and respects weights.
type smoothWeightedRR struct {
	mu      sync.Mutex
	current map[string]int
}

func (w *smoothWeightedRR) Pick(members []MemberView) (string, bool) {
	if len(members) == 0 {
		return "", false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	best := ""
	bestScore := 0
	for _, m := range members {
		weight := m.Weight
		if weight < 1 {
			weight = 1
		}
		total += weight
		w.current[m.ID] += weight
		if best == "" || w.current[m.ID] > bestScore {
			best = m.ID
			bestScore = w.current[m.ID]
		}
	}

	w.current[best] -= total
	return best, true
}

// randomPick selects uniformly over the healthy set.
type randomPick struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *randomPick) Pick(members []MemberView) (string, bool) {
	if len(members) == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return members[r.rng.Intn(len(members))].ID, true
}

// priorityPick selects the lowest priority number, breaking ties by
// round-robin among the tied members.
type priorityPick struct {
	rr roundRobin
}

func (p *priorityPick) Pick(members []MemberView) (string, bool) {
	if len(members) == 0 {
		return "", false
	}

	best := members[0].Priority
	for _, m := range members[1:] {
		if m.Priority < best {
			best = m.Priority
		}
	}

	tied := make([]MemberView, 0, len(members))
	for _, m := range members {
		if m.Priority == best {
			tied = append(tied, m)
		}
	}

	return p.rr.Pick(tied)
}

// leastConnections selects the member with the fewest in-flight calls,
// breaking ties by member order.
type leastConnections struct{}

func (leastConnections) Pick(members []MemberView) (string, bool) {
	if len(members) == 0 {
		return "", false
	}
	best := members[0]
	for _, m := range members[1:] {
		if m.InFlight < best.InFlight {
			best = m
		}
	}
	return best.ID, true
}
