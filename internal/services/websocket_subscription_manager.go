package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"bridge-agent/internal/agent"
)

// Subscription actions a client may send on the event socket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

var (
	ErrUnknownAction = errors.New("unknown subscription action")
	ErrUnknownKind   = errors.New("unknown event kind")
)

// SubscriptionRequest narrows a connection to a set of event kinds.
type SubscriptionRequest struct {
	Action string   `json:"action"`
	Kinds  []string `json:"kinds"`
}

var knownKinds = map[string]bool{}

func init() {
	for _, k := range []agent.EventKind{
		agent.EventDepositCreated,
		agent.EventDepositRetried,
		agent.EventDepositRetrieveRequested,
		agent.EventDepositFailed,
		agent.EventDepositRedeemed,
		agent.EventSettlementCreated,
		agent.EventSettlementRetried,
		agent.EventSettlementRetrieveRequest,
		agent.EventSettlementFailed,
		agent.EventSettlementRedeemed,
		agent.EventCallOut,
		agent.EventExecuted,
		agent.EventExecutionFallback,
		agent.EventRetrieved,
		agent.EventDeliveryFailed,
		agent.EventBranchApproved,
		agent.EventBranchSynced,
	} {
		knownKinds[string(k)] = true
	}
}

// SubscriptionManager tracks the event kinds each connection asked for.
// A connection with no subscriptions receives every kind.
type SubscriptionManager struct {
	mu    sync.RWMutex
	kinds map[string]map[string]bool // connection ID -> kinds
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{kinds: make(map[string]map[string]bool)}
}

// Apply runs req for connID and returns the resulting kinds. Nothing
// changes when any kind is unknown.
func (m *SubscriptionManager) Apply(connID string, req SubscriptionRequest) ([]string, error) {
	for _, k := range req.Kinds {
		if !knownKinds[k] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, k)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.kinds[connID]
	switch req.Action {
	case ActionSubscribe:
		if set == nil {
			set = make(map[string]bool, len(req.Kinds))
			m.kinds[connID] = set
		}
		for _, k := range req.Kinds {
			set[k] = true
		}
	case ActionUnsubscribe:
		if len(req.Kinds) == 0 {
			delete(m.kinds, connID)
			return nil, nil
		}
		for _, k := range req.Kinds {
			delete(set, k)
		}
		if len(set) == 0 {
			delete(m.kinds, connID)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
	return sortedKinds(m.kinds[connID]), nil
}

// Remove drops every subscription of connID.
func (m *SubscriptionManager) Remove(connID string) {
	m.mu.Lock()
	delete(m.kinds, connID)
	m.mu.Unlock()
}

// Wants reports whether connID should receive events of kind.
func (m *SubscriptionManager) Wants(connID, kind string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.kinds[connID]
	return !ok || set[kind]
}

func (m *SubscriptionManager) Kinds(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKinds(m.kinds[connID])
}

func sortedKinds(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
