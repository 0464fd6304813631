// Package sched implements the kernel's cooperative task scheduler: a
// single-CPU run queue switched by two software interrupts (yield, exit)
// rather than a timer-driven preemptive scheduler.
package sched

import (
	"florence/kernel"
	"florence/kernel/addr"
	"florence/kernel/cpu"
	"florence/kernel/irq"
	"florence/kernel/mm/kalloc"
)

const (
	stackPages = 8 // 32 KiB

	codeSelector  = 0x08
	stackSelector = 0x10
)

// ControlBlock carries the bookkeeping fields a task's entry function can
// observe about itself.
type ControlBlock struct {
	Name     string
	Runnable bool
}

// Task is one schedulable unit of execution: its saved register frame plus
// the metadata needed to tear it down on exit.
type Task struct {
	regs  irq.Regs
	frame irq.Frame
	next  *Task

	entry    func(*ControlBlock)
	control  ControlBlock
	stackTop addr.Virt
}

// Queue is a FIFO run queue with the invariant that front is nil iff back
// is nil.
type Queue struct {
	front, back *Task
}

// PushBack appends t to the queue.
func (q *Queue) PushBack(t *Task) {
	t.next = nil
	if q.back == nil {
		q.front, q.back = t, t
		return
	}
	q.back.next = t
	q.back = t
}

// PopFront removes and returns the task at the front of the queue, or nil
// if the queue is empty.
func (q *Queue) PopFront() *Task {
	t := q.front
	if t == nil {
		return nil
	}
	q.front = t.next
	if q.front == nil {
		q.back = nil
	}
	t.next = nil
	return t
}

// Peek returns the task at the front of the queue without removing it.
func (q *Queue) Peek() *Task { return q.front }

var (
	runQueue Queue
	current  *Task

	freeStackFn = kalloc.FreeStack
)

// trampolineAddr returns the address of the fixed entry trampoline every
// spawned task starts at; the trampoline (assembly) reads the entry
// function and control block off the current task and calls into it,
// issuing the exit syscall when it returns.
func trampolineAddr() uintptr

// Spawn allocates a stack and a Task ready to run entry, and enqueues it.
func Spawn(name string, entry func(*ControlBlock)) (*Task, *kernel.Error) {
	top, err := kalloc.MakeStack(stackPages)
	if err != nil {
		return nil, err
	}

	t := &Task{
		entry:    entry,
		control:  ControlBlock{Name: name, Runnable: true},
		stackTop: top,
	}
	t.frame.CS = codeSelector
	t.frame.SS = stackSelector
	t.frame.RSP = uint64(top)
	t.frame.RIP = uint64(addr.FromUintptr(trampolineAddr()))

	runQueue.PushBack(t)
	return t, nil
}

// Current returns the task currently executing on this CPU, or nil before
// the first task has been scheduled.
func Current() *Task { return current }

// HandleYield is registered against irq.VectorYield: it saves the
// interrupted task's frame, re-enqueues it, and switches to the next
// runnable task. With no other runnable task it idles with interrupts
// enabled until one appears.
func HandleYield(frame *irq.Frame, regs *irq.Regs) {
	for {
		next := runQueue.PopFront()
		if next == nil {
			if current != nil {
				cpu.EnableInterrupts()
				cpu.Halt()
				continue
			}
			return
		}

		if current != nil {
			current.frame = *frame
			current.regs = *regs
			runQueue.PushBack(current)
		}

		current = next
		*frame = next.frame
		*regs = next.regs
		return
	}
}

// HandleExit is registered against irq.VectorExit: it destroys the current
// task (freeing its stack) and switches to the next runnable task, idling
// if none is available.
func HandleExit(frame *irq.Frame, regs *irq.Regs) {
	dead := current
	current = nil
	if dead != nil {
		freeStackFn(dead.stackTop, stackPages)
	}

	for {
		next := runQueue.PopFront()
		if next == nil {
			cpu.EnableInterrupts()
			cpu.Halt()
			continue
		}
		current = next
		*frame = next.frame
		*regs = next.regs
		return
	}
}

// Init registers the scheduler's handlers with the interrupt dispatcher.
func Init() {
	irq.HandleYield(HandleYield)
	irq.HandleExit(HandleExit)
}
