package collabkit

import (
	"context"
	"errors"
	"sort"
)

// ConflictSet is the drained conflict queue for one document, handed to
// a Resolver to order deterministically.
type ConflictSet struct {
	DocumentID string
	Operations []Operation
}

// Resolution is a Resolver's decision: the operations in application
// order, plus audit annotations.
type Resolution struct {
	Ordered  []Operation
	Decision string
	Reasons  []string
}

// Resolver is the Strategy interface for ordering conflicting
// concurrent operations. Implementations must be deterministic: every
// replica resolving the same set must produce the same order.
type Resolver interface {
	Resolve(ctx context.Context, set ConflictSet) (Resolution, error)
}

// TimestampOrderResolver is the default strategy: earliest author
// timestamp first, with author ID then operation ID as tie-breaks so
// equal timestamps still order identically on every replica.
type TimestampOrderResolver struct{}

func (r *TimestampOrderResolver) Resolve(_ context.Context, set ConflictSet) (Resolution, error) {
	ordered := make([]Operation, len(set.Operations))
	copy(ordered, set.Operations)
	sortOperations(ordered)
	return Resolution{
		Ordered:  ordered,
		Decision: "timestamp_order",
		Reasons:  []string{"author timestamp, author ID, operation ID"},
	}, nil
}

func sortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.AuthorID != b.AuthorID {
			return a.AuthorID < b.AuthorID
		}
		return a.ID < b.ID
	})
}

// Spec is a predicate used to match operations to rules. Combinators
// allow building complex match logic from small, testable pieces.
type Spec func(Operation) bool

// And returns a spec that requires both specs to match.
func And(a, b Spec) Spec {
	return func(op Operation) bool { return a != nil && b != nil && a(op) && b(op) }
}

// Or returns a spec that requires at least one spec to match.
func Or(a, b Spec) Spec {
	return func(op Operation) bool { return (a != nil && a(op)) || (b != nil && b(op)) }
}

// Not returns a spec that negates the provided spec.
func Not(a Spec) Spec {
	return func(op Operation) bool { return a == nil || !a(op) }
}

// KindIs matches a specific operation kind.
func KindIs(k OperationKind) Spec {
	return func(op Operation) bool { return op.Kind == k }
}

// AuthorIs matches operations from a specific participant.
func AuthorIs(participantID string) Spec {
	return func(op Operation) bool { return op.AuthorID == participantID }
}

// WithinRange matches operations whose clamped-before-apply range
// intersects [start, end).
func WithinRange(start, end int) Spec {
	return func(op Operation) bool {
		return !(op.End() < start || end < op.Position)
	}
}

// Rule binds a matcher Specification to a Resolver Strategy. Rules are
// evaluated in insertion order with first-match-wins semantics per
// operation.
type Rule struct {
	Name     string
	Matcher  Spec
	Resolver Resolver
}

// ResolutionHooks provides optional callbacks for observability around
// resolution. All hooks are optional; nil functions are safe no-ops.
type ResolutionHooks struct {
	OnRuleMatched func(op Operation, rule Rule)
	OnResolved    func(set ConflictSet, result Resolution)
	OnFallback    func(op Operation)
	OnError       func(set ConflictSet, err error)
}

// resolverConfig holds construction-time options.
type resolverConfig struct {
	rules    []Rule
	fallback Resolver
	hooks    ResolutionHooks
}

// ResolverOption configures NewDynamicResolver.
type ResolverOption interface{ apply(*resolverConfig) }

type resolverOptionFn func(*resolverConfig)

func (f resolverOptionFn) apply(c *resolverConfig) { f(c) }

// WithFallback sets the resolver for operations no rule claims.
func WithFallback(r Resolver) ResolverOption {
	return resolverOptionFn(func(c *resolverConfig) { c.fallback = r })
}

// WithRule appends a rule with a custom matcher and resolver in
// insertion order.
func WithRule(name string, matcher Spec, resolver Resolver) ResolverOption {
	return resolverOptionFn(func(c *resolverConfig) {
		c.rules = append(c.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	})
}

// WithKindRule is a convenience helper for matching by operation kind.
func WithKindRule(name string, kind OperationKind, resolver Resolver) ResolverOption {
	return WithRule(name, KindIs(kind), resolver)
}

// WithResolutionHooks sets optional observability hooks.
func WithResolutionHooks(h ResolutionHooks) ResolverOption {
	return resolverOptionFn(func(c *resolverConfig) { c.hooks = h })
}

// DynamicResolver dispatches queued operations to strategies based on
// an ordered rule set: each operation is claimed by the first rule
// whose matcher accepts it, each claimed group is ordered by its rule's
// resolver, and the groups are applied in rule order with the fallback
// group last. With the same rules and operation set, every replica
// produces the same order.
type DynamicResolver struct {
	rules    []Rule
	fallback Resolver
	hooks    ResolutionHooks
}

var _ Resolver = (*DynamicResolver)(nil)
var _ Resolver = (*TimestampOrderResolver)(nil)

// NewDynamicResolver constructs a DynamicResolver with validation.
// Invariants:
// - At least one rule OR a non-nil fallback must be provided
// - No rule may have a nil matcher or resolver
func NewDynamicResolver(opts ...ResolverOption) (*DynamicResolver, error) {
	cfg := &resolverConfig{}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("dynamic resolver requires at least one rule or a non-nil fallback")
	}
	for _, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, errors.New("rule " + r.Name + " has nil matcher")
		}
		if r.Resolver == nil {
			return nil, errors.New("rule " + r.Name + " has nil resolver")
		}
	}

	return &DynamicResolver{
		rules:    cfg.rules,
		fallback: cfg.fallback,
		hooks:    cfg.hooks,
	}, nil
}

// Resolve implements the Resolver interface using first-match-wins rule
// dispatch per operation.
func (d *DynamicResolver) Resolve(ctx context.Context, set ConflictSet) (Resolution, error) {
	groups := make([][]Operation, len(d.rules))
	var unmatched []Operation

	for _, op := range set.Operations {
		claimed := false
		for i, r := range d.rules {
			if r.Matcher(op) {
				if d.hooks.OnRuleMatched != nil {
					d.hooks.OnRuleMatched(op, r)
				}
				groups[i] = append(groups[i], op)
				claimed = true
				break
			}
		}
		if !claimed {
			if d.hooks.OnFallback != nil {
				d.hooks.OnFallback(op)
			}
			unmatched = append(unmatched, op)
		}
	}

	result := Resolution{Decision: "rule_dispatch"}
	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		sub, err := d.rules[i].Resolver.Resolve(ctx, ConflictSet{DocumentID: set.DocumentID, Operations: group})
		if err != nil {
			if d.hooks.OnError != nil {
				d.hooks.OnError(set, err)
			}
			return Resolution{}, err
		}
		result.Ordered = append(result.Ordered, sub.Ordered...)
		result.Reasons = append(result.Reasons, "rule "+d.rules[i].Name+": "+sub.Decision)
	}

	if len(unmatched) > 0 {
		if d.fallback == nil {
			err := errors.New("operations matched no rule and no fallback configured")
			if d.hooks.OnError != nil {
				d.hooks.OnError(set, err)
			}
			return Resolution{}, err
		}
		sub, err := d.fallback.Resolve(ctx, ConflictSet{DocumentID: set.DocumentID, Operations: unmatched})
		if err != nil {
			if d.hooks.OnError != nil {
				d.hooks.OnError(set, err)
			}
			return Resolution{}, err
		}
		result.Ordered = append(result.Ordered, sub.Ordered...)
		result.Reasons = append(result.Reasons, "fallback: "+sub.Decision)
	}

	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(set, result)
	}
	return result, nil
}
