package prune

// Lagrangian pushes the expected sparsity of a Registry towards a target:
//
//	penalty = Lambda1*(expected - target) + Lambda2*(expected - target)^2
//
// The model minimises the penalty while the multipliers are updated by gradient ascent,
// so a persistent gap keeps increasing the pressure.
type Lagrangian struct {
	Lambda1, Lambda2 float32
	// TargetSparsity is the final fraction of prunable parameters to remove.
	TargetSparsity float32
	// WarmupSteps ramps the target linearly from 0. Zero disables the warmup.
	WarmupSteps int
}

// Target is the sparsity target at step.
func (l *Lagrangian) Target(step int) float32 {
	if l.WarmupSteps <= 0 || step >= l.WarmupSteps {
		return l.TargetSparsity
	}
	return l.TargetSparsity * float32(step) / float32(l.WarmupSteps)
}

// Penalty returns the penalty for expected sparsity at step and its derivative with
// respect to expected.
func (l *Lagrangian) Penalty(expected float32, step int) (penalty, grad float32) {
	gap := expected - l.Target(step)
	return l.Lambda1*gap + l.Lambda2*gap*gap, l.Lambda1 + 2*l.Lambda2*gap
}

// Ascend moves the multipliers up the penalty gradient with learning rate lr.
func (l *Lagrangian) Ascend(expected float32, step int, lr float32) {
	gap := expected - l.Target(step)
	l.Lambda1 += lr * gap
	l.Lambda2 += lr * gap * gap
}

// Apply computes the penalty of r at step and accumulates its gradient into every gate.
func (l *Lagrangian) Apply(r *Registry, step int) float32 {
	penalty, grad := l.Penalty(r.ExpectedSparsity(), step)
	r.SparsityBackward(grad)
	return penalty
}
