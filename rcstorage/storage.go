package rcstorage

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/vkngwrapper/devmem/internal/logging"
	"golang.org/x/exp/slog"
)

// Releaser is implemented by payloads kept in a Storage. Release tears the payload down and receives
// whatever context the owner passes to Collect.
type Releaser[C any] interface {
	Release(ctx C) error
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotLive
	slotPendingFree
)

var slotStateMapping = map[slotState]string{
	slotEmpty:       "Empty",
	slotLive:        "Live",
	slotPendingFree: "PendingFree",
}

func (s slotState) String() string {
	str, ok := slotStateMapping[s]
	if !ok {
		return fmt.Sprintf("slotState(%d)", int(s))
	}
	return str
}

type slot[T any] struct {
	payload    T
	refs       uint32
	generation uint32
	state      slotState
}

// Storage is a pool of reference-counted payloads. Payloads are handed out through ID handles. When
// the last handle to a payload is released, the payload is queued, and it is only torn down when the
// owner calls Collect. Collected slots are reused by later calls to Create.
//
// Storage is not safe for concurrent use.
type Storage[T Releaser[C], C any] struct {
	logger *slog.Logger

	slots       []slot[T]
	emptyCells  []uint32
	delayedFree *queue.Queue
	liveCount   int
}

func New[T Releaser[C], C any](logger *slog.Logger) *Storage[T, C] {
	return &Storage[T, C]{
		logger:      logging.OrDiscard(logger),
		delayedFree: queue.New(),
	}
}

// Create places payload in a slot and returns the first handle to it. Slots emptied by the most
// recent Collect are reused before the storage grows.
func (s *Storage[T, C]) Create(payload T) ID[T, C] {
	var index uint32

	if len(s.emptyCells) > 0 {
		index = s.emptyCells[len(s.emptyCells)-1]
		s.emptyCells = s.emptyCells[:len(s.emptyCells)-1]
	} else {
		index = uint32(len(s.slots))
		s.slots = append(s.slots, slot[T]{})
	}

	cell := &s.slots[index]
	cell.payload = payload
	cell.refs = 1
	cell.state = slotLive
	s.liveCount++

	return ID[T, C]{
		storage:    s,
		index:      index,
		generation: cell.generation,
	}
}

func (s *Storage[T, C]) validate(id ID[T, C]) (*slot[T], error) {
	if id.storage == nil {
		return nil, ErrNullHandle
	}
	if id.storage != s {
		return nil, cerrors.Newf("handle for slot %d belongs to a different storage", id.index)
	}
	if int(id.index) >= len(s.slots) {
		return nil, cerrors.Wrapf(ErrStaleHandle, "slot %d is out of range", id.index)
	}

	cell := &s.slots[id.index]
	if cell.generation != id.generation || cell.state != slotLive {
		return nil, cerrors.Wrapf(ErrStaleHandle, "slot %d generation %d is %s, handle has generation %d",
			id.index, cell.generation, cell.state, id.generation)
	}

	return cell, nil
}

func (s *Storage[T, C]) incRef(id ID[T, C]) bool {
	cell, err := s.validate(id)
	if err != nil {
		return false
	}

	cell.refs++
	return true
}

func (s *Storage[T, C]) decRef(id ID[T, C]) {
	cell, err := s.validate(id)
	if err != nil {
		s.logger.Debug("Storage::decRef of invalid handle", slog.Any("error", err))
		return
	}

	cell.refs--
	if cell.refs == 0 {
		cell.state = slotPendingFree
		s.liveCount--
		s.delayedFree.Add(id.index)
	}
}

// Collect tears down every payload whose last handle has been released, in the order they were
// released, and makes their slots available to Create. Payloads released by a Release callback
// during Collect are collected in the same call. Errors from Release are combined and returned
// once the queue is drained; the slots are recycled either way.
func (s *Storage[T, C]) Collect(ctx C) error {
	var combinedErr error
	collected := 0

	for s.delayedFree.Length() > 0 {
		index := s.delayedFree.Remove().(uint32)

		payload := s.slots[index].payload
		err := payload.Release(ctx)
		if err != nil {
			combinedErr = cerrors.CombineErrors(combinedErr, cerrors.Wrapf(err, "failed to release slot %d", index))
		}

		// Release may have grown the slot slice
		cell := &s.slots[index]
		var zero T
		cell.payload = zero
		cell.state = slotEmpty
		cell.generation++
		s.emptyCells = append(s.emptyCells, index)
		collected++
	}

	if collected > 0 {
		s.logger.Debug("Storage::Collect", slog.Int("Collected", collected), slog.Bool("Failed", combinedErr != nil))
	}

	return combinedErr
}

// Len returns the number of slots in the storage, in any state
func (s *Storage[T, C]) Len() int { return len(s.slots) }

// LiveCount returns the number of slots that still have handles
func (s *Storage[T, C]) LiveCount() int { return s.liveCount }

// PendingCount returns the number of slots waiting for Collect
func (s *Storage[T, C]) PendingCount() int { return s.delayedFree.Length() }

// RefCount returns the number of handles to the slot at index. Slots that are not live have none.
func (s *Storage[T, C]) RefCount(index uint32) uint32 {
	if int(index) >= len(s.slots) {
		return 0
	}
	return s.slots[index].refs
}

// PendingIndices lists the slots waiting for Collect, in the order they will be collected
func (s *Storage[T, C]) PendingIndices() []uint32 {
	indices := make([]uint32, s.delayedFree.Length())
	for i := range indices {
		indices[i] = s.delayedFree.Get(i).(uint32)
	}
	return indices
}

// PendingPayload returns the payload of a slot that is waiting for Collect. The payload is still
// intact at this point.
func (s *Storage[T, C]) PendingPayload(index uint32) (*T, bool) {
	if int(index) >= len(s.slots) || s.slots[index].state != slotPendingFree {
		return nil, false
	}
	return &s.slots[index].payload, true
}

// VisitLive calls visit for every slot that still has handles, in index order, until visit
// returns false
func (s *Storage[T, C]) VisitLive(visit func(index uint32, payload *T, refs uint32) bool) {
	for i := range s.slots {
		if s.slots[i].state != slotLive {
			continue
		}
		if !visit(uint32(i), &s.slots[i].payload, s.slots[i].refs) {
			return
		}
	}
}
