package fusion

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Partitioner partitions graphs using the patterns of a registry that apply to an engine.
//
// Configuration methods return the Partitioner itself, so they can be chained. Once configured, Partition
// can be called concurrently.
type Partitioner struct {
	registry       *Registry
	engine         opgraph.EngineKind
	parallelism    int
	disabled       sets.Set[string]
	fusionDisabled bool
}

// NewPartitioner creates a Partitioner for the engine. With opgraph.AnyEngine the engine of each graph is used.
func NewPartitioner(registry *Registry, engine opgraph.EngineKind) *Partitioner {
	return &Partitioner{
		registry:    registry,
		engine:      engine,
		parallelism: runtime.NumCPU(),
		disabled:    sets.Make[string](),
	}
}

// WithParallelism sets the maximum number of anchors matched concurrently. If n <= 0 it uses runtime.NumCPU().
func (p *Partitioner) WithParallelism(n int) *Partitioner {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p.parallelism = n
	return p
}

// DisablePattern excludes the named patterns from matching.
func (p *Partitioner) DisablePattern(names ...string) *Partitioner {
	p.disabled.Insert(names...)
	return p
}

// DisableFusion disables all patterns: every op ends up in its own unfused partition.
func (p *Partitioner) DisableFusion() *Partitioner {
	p.fusionDisabled = true
	return p
}

// Patterns returns the enabled patterns that apply to the engine, in registration order.
func (p *Partitioner) Patterns(engine opgraph.EngineKind) []*Pattern {
	if p.fusionDisabled {
		return nil
	}
	var patterns []*Pattern
	for _, pat := range p.registry.Patterns() {
		if !p.disabled.Has(pat.Name) && pat.AppliesTo(engine) {
			patterns = append(patterns, pat)
		}
	}
	return patterns
}

// Partition finds the matches of the enabled patterns anchored at every op of g, resolves overlaps and
// returns the resulting partitions. The graph must be finalized.
//
// Matches are preferred by (in order): higher priority, more ops covered, pattern name, earlier anchor
// (topological position) and earlier alternative. Accepted matches are taken greedily in that order,
// skipping those that overlap an already accepted one.
func (p *Partitioner) Partition(ctx context.Context, g *opgraph.Graph) (*Selection, error) {
	if !g.IsFinalized() {
		return nil, errors.New("fusion.Partitioner.Partition() requires a finalized graph")
	}
	engine := p.engine
	if engine == opgraph.AnyEngine {
		engine = g.Engine
	}
	candidates, err := p.collect(ctx, g, p.Patterns(engine))
	if err != nil {
		return nil, err
	}
	slices.SortFunc(candidates, compareCandidates)

	s := &Selection{Graph: g, Candidates: candidates}
	claimed := make(map[*opgraph.Op]*Candidate)
	var partitions []*Partition
	for _, c := range candidates {
		if other := firstClaimed(claimed, c.Match.Ops); other != nil {
			c.Status = RejectedOverlap
			c.RejectedBy = other
			klog.V(2).Infof("fusion: %s rejected, overlaps with %s", c, other)
			continue
		}
		c.Status = Accepted
		for _, op := range c.Match.Ops {
			claimed[op] = c
		}
		klog.V(2).Infof("fusion: %s accepted", c)
		partitions = append(partitions, &Partition{
			Pattern:   c.Pattern,
			Candidate: c,
			Ops:       c.Match.Ops,
			Inputs:    c.Match.Inputs,
			Outputs:   c.Match.Outputs,
		})
	}
	for _, op := range g.Ops() {
		if _, found := claimed[op]; !found {
			partitions = append(partitions, newFallbackPartition(g, op))
		}
	}
	s.setPartitions(partitions)
	if klog.V(1).Enabled() {
		klog.Infof("fusion: %d ops in %d partitions (%d fused), %d candidates on engine %s",
			g.NumOps(), len(s.Partitions), len(s.Fused()), len(candidates), engine)
	}
	return s, nil
}

// Compile partitions g and dispatches the fused partitions to their kernels. See Partition and
// Selection.Dispatch.
//
// Kernel failures are not returned as errors: they are reported by Selection.Failed.
func (p *Partitioner) Compile(ctx context.Context, g *opgraph.Graph) (*Selection, error) {
	s, err := p.Partition(ctx, g)
	if err != nil {
		return nil, err
	}
	s.Dispatch()
	return s, nil
}

// collect matches every pattern alternative anchored at every op, in parallel over anchors.
// The result is ordered by anchor, regardless of scheduling.
func (p *Partitioner) collect(ctx context.Context, g *opgraph.Graph, patterns []*Pattern) ([]*Candidate, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	ops := g.Ops()
	perAnchor := make([][]*Candidate, len(ops))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(p.parallelism)
	for ii, op := range ops {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var found []*Candidate
			for _, pat := range patterns {
				for alt, pg := range pat.Graphs {
					if m, ok := pattern.MatchAt(pg, g, op); ok {
						found = append(found, &Candidate{Pattern: pat, Alternative: alt, Match: m})
					}
				}
			}
			perAnchor[ii] = found
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, errors.Wrap(err, "fusion: matching patterns interrupted")
	}
	return slices.Concat(perAnchor...), nil
}

// compareCandidates orders candidates from most to least preferred.
func compareCandidates(a, b *Candidate) int {
	if c := cmp.Compare(b.Pattern.Priority, a.Pattern.Priority); c != 0 {
		return c
	}
	if c := cmp.Compare(len(b.Match.Ops), len(a.Match.Ops)); c != 0 {
		return c
	}
	if c := strings.Compare(a.Pattern.Name, b.Pattern.Name); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Match.Anchor.Position(), b.Match.Anchor.Position()); c != 0 {
		return c
	}
	return cmp.Compare(a.Alternative, b.Alternative)
}

// firstClaimed returns the candidate that already claimed any of the ops, or nil.
func firstClaimed(claimed map[*opgraph.Op]*Candidate, ops []*opgraph.Op) *Candidate {
	for _, op := range ops {
		if c, found := claimed[op]; found {
			return c
		}
	}
	return nil
}
