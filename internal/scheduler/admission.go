package scheduler

import (
	"golang.org/x/sync/semaphore"
)

// Admission is the process-wide "may I start" check consulted after every
// per-room rule has passed.
type Admission interface {
	// TryAcquire reserves a slot and reports whether one was free.
	TryAcquire() bool
	// Release returns a slot reserved by TryAcquire.
	Release()
}

// SlotAdmission caps concurrently running cycles with a weighted semaphore.
type SlotAdmission struct {
	sem *semaphore.Weighted
}

// NewSlotAdmission admits at most n concurrent cycles. n <= 0 admits any
// number.
func NewSlotAdmission(n int) Admission {
	if n <= 0 {
		return unlimited{}
	}
	return &SlotAdmission{sem: semaphore.NewWeighted(int64(n))}
}

func (a *SlotAdmission) TryAcquire() bool { return a.sem.TryAcquire(1) }

func (a *SlotAdmission) Release() { a.sem.Release(1) }

type unlimited struct{}

func (unlimited) TryAcquire() bool { return true }
func (unlimited) Release()         {}
