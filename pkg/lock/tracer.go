package lock

// LockWaitEvent is returned when a transaction starts waiting and closed when the wait ends.
type LockWaitEvent interface {
	Close()
}

// LockTracer observes lock waits.
type LockTracer interface {
	WaitForLock(lockType LockType, resourceType ResourceType, transactionID int64, resourceIDs ...int64) LockWaitEvent
}

type noneTracer struct{}

type noneEvent struct{}

func (noneEvent) Close() {}

func (noneTracer) WaitForLock(LockType, ResourceType, int64, ...int64) LockWaitEvent {
	return noneEvent{}
}

// NoneTracer discards every event.
var NoneTracer LockTracer = noneTracer{}

type combinedTracer []LockTracer

type combinedEvent []LockWaitEvent

func (e combinedEvent) Close() {
	for _, ev := range e {
		ev.Close()
	}
}

func (c combinedTracer) WaitForLock(lockType LockType, resourceType ResourceType, transactionID int64, resourceIDs ...int64) LockWaitEvent {
	events := make(combinedEvent, len(c))
	for i, t := range c {
		events[i] = t.WaitForLock(lockType, resourceType, transactionID, resourceIDs...)
	}
	return events
}

// CombineTracers fans every event out to all tracers. Nil tracers are skipped.
func CombineTracers(tracers ...LockTracer) LockTracer {
	out := make(combinedTracer, 0, len(tracers))
	for _, t := range tracers {
		if t == nil || t == NoneTracer {
			continue
		}
		if c, ok := t.(combinedTracer); ok {
			out = append(out, c...)
			continue
		}
		out = append(out, t)
	}
	switch len(out) {
	case 0:
		return NoneTracer
	case 1:
		return out[0]
	}
	return out
}
