package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SlotCatalog owns slot records. It holds no state of its own; every method
// runs against the Queries it is handed so callers control the transaction.
type SlotCatalog struct{}

// CreateSlots inserts all candidates or none. A candidate overlapping any
// existing slot of the provider, booked or not, fails with ErrSlotOverlap.
func (SlotCatalog) CreateSlots(ctx context.Context, q Queries, providerID uuid.UUID, candidates []CandidateSlot) ([]Slot, error) {
	if len(candidates) == 0 {
		return nil, invalidf("no slots to create")
	}

	if _, err := q.LockProvider(ctx, providerID); err != nil {
		return nil, err
	}

	sorted := make([]CandidateSlot, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })

	for i, c := range sorted {
		if c.ProviderID != providerID {
			return nil, invalidf("slot belongs to provider %s", c.ProviderID)
		}
		if !c.StartTime.Before(c.EndTime) {
			return nil, invalidf("slot start %s is not before end %s", c.StartTime, c.EndTime)
		}
		if i > 0 && c.StartTime.Before(sorted[i-1].EndTime) {
			return nil, fmt.Errorf("%w: candidates overlap at %s", ErrSlotOverlap, c.StartTime.Format("2006-01-02 15:04"))
		}
	}

	existing, err := q.ListSlots(ctx, providerID, SlotFilter{})
	if err != nil {
		return nil, fmt.Errorf("list existing slots: %w", err)
	}
	for _, c := range sorted {
		for _, e := range existing {
			if e.Overlaps(c.StartTime, c.EndTime) {
				return nil, fmt.Errorf("%w: %s overlaps slot %s", ErrSlotOverlap, c.StartTime.Format("2006-01-02 15:04"), e.ID)
			}
		}
	}

	slots := make([]Slot, 0, len(sorted))
	for _, c := range sorted {
		slots = append(slots, Slot{
			ID:         uuid.New(),
			ProviderID: providerID,
			Date:       c.Date,
			StartTime:  c.StartTime,
			EndTime:    c.EndTime,
		})
	}

	created, err := q.InsertSlots(ctx, slots)
	if err != nil {
		if errors.Is(err, ErrSlotOverlap) {
			return nil, err
		}
		return nil, fmt.Errorf("insert slots: %w", err)
	}
	return created, nil
}

// ListSlots returns the provider's slots ordered by date and start time.
func (SlotCatalog) ListSlots(ctx context.Context, q Queries, providerID uuid.UUID, filter SlotFilter) ([]Slot, error) {
	slots, err := q.ListSlots(ctx, providerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

// DeleteSlot removes an unbooked slot owned by requesterID.
func (SlotCatalog) DeleteSlot(ctx context.Context, q Queries, slotID, requesterID uuid.UUID) error {
	slot, err := q.LockSlot(ctx, slotID)
	if err != nil {
		return err
	}
	if slot.ProviderID != requesterID {
		return ErrNotSlotOwner
	}
	if slot.Booked {
		return ErrSlotBooked
	}
	if err := q.DeleteSlot(ctx, slotID); err != nil {
		return err
	}
	return nil
}

func (SlotCatalog) markBooked(ctx context.Context, q Queries, slotID uuid.UUID) (*Slot, error) {
	slot, err := q.SetSlotBooked(ctx, slotID, false, true)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotAlreadyBooked
	}
	if err != nil {
		return nil, fmt.Errorf("mark slot booked: %w", err)
	}
	return slot, nil
}

func (SlotCatalog) markUnbooked(ctx context.Context, q Queries, slotID uuid.UUID) (*Slot, error) {
	slot, err := q.SetSlotBooked(ctx, slotID, true, false)
	if err != nil {
		return nil, fmt.Errorf("release slot %s: %w", slotID, err)
	}
	return slot, nil
}
