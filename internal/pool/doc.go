/*
Package pool bounds concurrent handler executions.

A counting semaphore of MaxInstances permits gates Acquire; callers beyond
capacity wait cooperatively and honour their context. Idle instances sit on
a LIFO free list so the warmest instance is reused first; MinInstances are
created up front.

A suspended execution keeps its permit while parked under its suspension id,
so a flood of pending extension calls saturates the pool rather than
growing it:

	lease, err := p.Acquire(ctx)
	res := lease.Instance.Execute(ctx, handler, ec, timeout)
	switch {
	case res.Suspended():
		p.Suspend(lease, res.Suspension.SuspensionID, suspensionTimeout, onExpire)
	case lease.Instance.Reusable():
		p.Release(lease)
	default:
		p.Discard(lease)
	}
*/
package pool
