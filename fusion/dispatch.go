package fusion

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphfusion/opgraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is the device memory holding the value of a logical tensor. It's owned by the caller.
type Buffer interface {
	Tensor() *opgraph.LogicalTensor
}

// Kernel executes a fused partition. Implementations are provided by the backends.
type Kernel interface {
	// Compile prepares the kernel for the partition: its ops and boundary tensors.
	Compile(p *Partition) error

	// Execute runs the kernel. Inputs and outputs are in the order of the partition's boundary tensors.
	Execute(ctx context.Context, inputs, outputs []Buffer) error
}

// KernelCreator creates a new kernel, not yet compiled for any partition.
type KernelCreator func() Kernel

// Dispatch creates and compiles a kernel for every fused partition that doesn't have one yet.
// Each partition's KernelCreator is called exactly once.
//
// A failure is stored in the partition's Err and doesn't affect the other partitions, see Failed.
func (s *Selection) Dispatch() {
	for _, p := range s.Partitions {
		if !p.IsFused() || p.Kernel != nil || p.Err != nil {
			continue
		}
		if err := p.createKernel(); err != nil {
			p.Err = err
			klog.Warningf("fusion: partition #%d failed, its %d ops may run unfused: %v", p.ID, len(p.Ops), err)
		}
	}
}

func (p *Partition) createKernel() error {
	var kernel Kernel
	err := catch(func() { kernel = p.Pattern.createKernel() })
	if err != nil {
		return errors.WithMessagef(err, "pattern %q: kernel creation panicked", p.Pattern.Name)
	}
	if kernel == nil {
		return errors.Errorf("pattern %q: kernel creator returned nil", p.Pattern.Name)
	}
	if err = kernel.Compile(p); err != nil {
		return errors.WithMessagef(err, "pattern %q: failed to compile kernel for partition #%d", p.Pattern.Name, p.ID)
	}
	p.Kernel = kernel
	return nil
}

// catch runs fn and returns the value it panics with as an error. Non-error values are converted.
func catch(fn func()) error {
	exception := exceptions.Try(fn)
	if exception == nil {
		return nil
	}
	if err, ok := exception.(error); ok {
		return err
	}
	return errors.Errorf("panic: %v", exception)
}

// Failed returns the fused partitions whose kernel failed to be created or compiled.
func (s *Selection) Failed() []*Partition {
	var failed []*Partition
	for _, p := range s.Partitions {
		if p.Err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// FallbackFailed replaces every failed partition with unfused singleton partitions of its ops, and marks
// their candidates as KernelFailed. Partitions are renumbered.
func (s *Selection) FallbackFailed() {
	partitions := make([]*Partition, 0, len(s.Partitions))
	for _, p := range s.Partitions {
		if p.Err == nil {
			partitions = append(partitions, p)
			continue
		}
		if p.Candidate != nil {
			p.Candidate.Status = KernelFailed
		}
		for _, op := range p.Ops {
			partitions = append(partitions, newFallbackPartition(s.Graph, op))
		}
	}
	s.setPartitions(partitions)
}

// Execute runs the partition's kernel, after checking the buffers match the boundary tensors.
func (p *Partition) Execute(ctx context.Context, inputs, outputs []Buffer) error {
	if p.Kernel == nil {
		if p.Err != nil {
			return errors.WithMessagef(p.Err, "partition #%d has no kernel", p.ID)
		}
		return errors.Errorf("partition #%d has no kernel", p.ID)
	}
	if err := checkBuffers("input", p.Inputs, inputs); err != nil {
		return errors.WithMessagef(err, "partition #%d", p.ID)
	}
	if err := checkBuffers("output", p.Outputs, outputs); err != nil {
		return errors.WithMessagef(err, "partition #%d", p.ID)
	}
	if err := p.Kernel.Execute(ctx, inputs, outputs); err != nil {
		return errors.WithMessagef(err, "partition #%d (%s)", p.ID, p.Pattern.Name)
	}
	return nil
}

func checkBuffers(side string, tensors []*opgraph.LogicalTensor, buffers []Buffer) error {
	if len(buffers) != len(tensors) {
		return errors.Errorf("expected %d %s buffers, got %d", len(tensors), side, len(buffers))
	}
	for ii, b := range buffers {
		if b == nil || b.Tensor() == nil {
			return errors.Errorf("%s buffer #%d is nil", side, ii)
		}
		if b.Tensor().ID != tensors[ii].ID {
			return errors.Errorf("%s buffer #%d holds tensor #%d, expected tensor #%d", side, ii, b.Tensor().ID, tensors[ii].ID)
		}
	}
	return nil
}
