package fusion

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/gomlx/graphfusion/pattern"
)

// CandidateStatus is the outcome of overlap resolution, and later of dispatch, for a candidate match.
type CandidateStatus int

const (
	// Accepted candidates became fused partitions.
	Accepted CandidateStatus = iota

	// RejectedOverlap candidates shared ops with a preferred, already accepted, candidate.
	RejectedOverlap

	// KernelFailed candidates were accepted, but their partition was dissolved by Selection.FallbackFailed
	// after its kernel failed.
	KernelFailed
)

// String implements fmt.Stringer.
func (s CandidateStatus) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case RejectedOverlap:
		return "rejected-by-overlap"
	case KernelFailed:
		return "kernel-failed"
	default:
		return fmt.Sprintf("CandidateStatus(%d)", int(s))
	}
}

// Candidate is a successful match of one alternative of a pattern.
type Candidate struct {
	Pattern     *Pattern
	Alternative int
	Match       *pattern.Match
	Status      CandidateStatus

	// RejectedBy is the accepted candidate this one overlaps with, if Status is RejectedOverlap.
	RejectedBy *Candidate
}

// String implements fmt.Stringer.
func (c *Candidate) String() string {
	return fmt.Sprintf("%s[%d]@%s (%d ops, %s)", c.Pattern.Name, c.Alternative, c.Match.Anchor, len(c.Match.Ops), c.Status)
}

// Partition is a set of ops executed together: either fused by a pattern's kernel, or a single unfused op.
type Partition struct {
	// ID is the index of the partition in Selection.Partitions.
	ID int

	// Pattern that fused the partition, or nil for unfused (fallback) partitions.
	Pattern *Pattern

	// Candidate accepted for this partition, nil for fallback partitions.
	Candidate *Candidate

	// Ops in topological order.
	Ops []*opgraph.Op

	// Inputs and Outputs are the tensors crossing the partition boundary.
	Inputs, Outputs []*opgraph.LogicalTensor

	// Kernel compiled for the partition by Selection.Dispatch.
	Kernel Kernel

	// Err holds the kernel creation or compilation failure, if any.
	Err error
}

// IsFused returns whether the partition was fused by a pattern.
func (p *Partition) IsFused() bool {
	return p.Pattern != nil
}

// OpIDs returns the ids of the ops in the partition.
func (p *Partition) OpIDs() []opgraph.OpID {
	ids := make([]opgraph.OpID, len(p.Ops))
	for ii, op := range p.Ops {
		ids[ii] = op.ID
	}
	return ids
}

// InputIDs returns the ids of the boundary input tensors.
func (p *Partition) InputIDs() []opgraph.TensorID {
	return tensorIDs(p.Inputs)
}

// OutputIDs returns the ids of the boundary output tensors.
func (p *Partition) OutputIDs() []opgraph.TensorID {
	return tensorIDs(p.Outputs)
}

func tensorIDs(tensors []*opgraph.LogicalTensor) []opgraph.TensorID {
	ids := make([]opgraph.TensorID, len(tensors))
	for ii, t := range tensors {
		ids[ii] = t.ID
	}
	return ids
}

// String implements fmt.Stringer.
func (p *Partition) String() string {
	name := "unfused"
	if p.IsFused() {
		name = p.Pattern.Name
	}
	return fmt.Sprintf("#%d %s: ops=%v inputs=%v outputs=%v", p.ID, name, p.OpIDs(), p.InputIDs(), p.OutputIDs())
}

// newFallbackPartition returns an unfused partition with the single op.
func newFallbackPartition(g *opgraph.Graph, op *opgraph.Op) *Partition {
	p := &Partition{Ops: []*opgraph.Op{op}}
	seen := sets.Make[opgraph.TensorID]()
	for _, t := range op.Inputs {
		if !seen.Has(t.ID) {
			seen.Insert(t.ID)
			p.Inputs = append(p.Inputs, t)
		}
	}
	for _, t := range op.Outputs {
		if g.IsOutput(t.ID) || len(g.Consumers(t.ID)) > 0 {
			p.Outputs = append(p.Outputs, t)
		}
	}
	return p
}

// Selection is the result of partitioning a graph.
type Selection struct {
	Graph *opgraph.Graph

	// Candidates are all the matches found, in resolution order (most preferred first).
	Candidates []*Candidate

	// Partitions cover every op of the graph exactly once, ordered by the topological position of their
	// first op.
	Partitions []*Partition
}

// setPartitions sorts the partitions and numbers them.
func (s *Selection) setPartitions(partitions []*Partition) {
	slices.SortFunc(partitions, func(a, b *Partition) int {
		return a.Ops[0].Position() - b.Ops[0].Position()
	})
	for ii, p := range partitions {
		p.ID = ii
	}
	s.Partitions = partitions
}

// Fused returns the fused partitions.
func (s *Selection) Fused() []*Partition {
	var fused []*Partition
	for _, p := range s.Partitions {
		if p.IsFused() {
			fused = append(fused, p)
		}
	}
	return fused
}

// PartitionOf returns the partition containing op, or nil if op doesn't belong to the graph.
func (s *Selection) PartitionOf(op *opgraph.Op) *Partition {
	for _, p := range s.Partitions {
		if slices.Contains(p.Ops, op) {
			return p
		}
	}
	return nil
}

// String implements fmt.Stringer, listing candidates and partitions.
func (s *Selection) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("Selection: %d partitions (%d fused), %d candidates\n", len(s.Partitions), len(s.Fused()), len(s.Candidates))
	w("\tCandidates:\n")
	for _, c := range s.Candidates {
		w("\t\t%s\n", c)
	}
	w("\tPartitions:\n")
	for _, p := range s.Partitions {
		w("\t\t%s\n", p)
	}
	return buf.String()
}
