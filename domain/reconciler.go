package domain

// Geometry carries the vertical extents used to decide whether the dragged
// item sits above or below the card it hovers over.
type Geometry struct {
	TranslatedTop float64 `json:"translatedTop"`
	OverTop       float64 `json:"overTop"`
	OverHeight    float64 `json:"overHeight"`
}

// IsBelowOverItem reports whether the dragged item's translated top edge is
// below the target card's bottom edge. The tie-break is purely geometric; it
// does not consider the pointer position.
func (g Geometry) IsBelowOverItem() bool {
	return g.TranslatedTop > g.OverTop+g.OverHeight
}

// Reconciler consumes a start/over*/end gesture stream against a Board and
// produces the in-memory reordering plus the persistence operations that
// describe the settled state.
//
// It is idle until Start and returns to idle on End. Over events only produce
// a live preview for cross-column hovers; same-column hovering is settled
// entirely at End.
type Reconciler struct {
	board  *Board
	active string
	origin string
}

// NewReconciler creates a reconciler operating on the given board.
func NewReconciler(b *Board) *Reconciler {
	return &Reconciler{board: b}
}

// Board returns the board the reconciler mutates.
func (r *Reconciler) Board() *Board { return r.board }

// Start records the id of the dragged item and the container it leaves from.
// No board mutation.
func (r *Reconciler) Start(activeID string) {
	r.active = activeID
	r.origin, _ = r.board.FindContainerOf(activeID)
}

// Over applies the cross-column hover preview: the dragged card is assigned
// the hovered column and a candidate position, without renumbering any other
// card. Renumbering mid-hover would make neighbouring cards jump around, so
// the preview tolerates transient duplicate positions until End.
func (r *Reconciler) Over(activeID, overID string, g Geometry) {
	if r.active == "" || activeID != r.active || overID == "" || activeID == overID {
		return
	}
	activeContainer, ok := r.board.FindContainerOf(activeID)
	if !ok {
		return
	}
	overContainer, ok := r.board.FindContainerOf(overID)
	if !ok {
		return
	}
	if activeContainer == overContainer {
		return
	}
	if _, ok := r.board.Card(activeID); !ok {
		return
	}
	idx := r.candidateIndex(overID, overContainer, g)
	r.board.ReplaceCard(activeID, CardPatch{ColumnID: &overContainer, Position: &idx})
}

// End settles the drag. It applies the final board mutation and returns the
// persistence operations describing it, or nil when the drop resolves to a
// no-op (dropped on nothing, on itself, or on an unknown target).
func (r *Reconciler) End(activeID, overID string, g Geometry) []PersistOp {
	if r.active == "" || activeID != r.active {
		return nil
	}
	origin := r.origin
	r.active, r.origin = "", ""
	if overID == "" || activeID == overID {
		return nil
	}
	if r.isColumn(activeID) && r.isColumn(overID) {
		return r.endColumnMove(activeID, overID)
	}
	card, ok := r.board.Card(activeID)
	if !ok {
		return nil
	}
	overContainer, ok := r.board.FindContainerOf(overID)
	if !ok {
		return nil
	}
	if card.ColumnID == overContainer {
		return r.endSameColumn(activeID, overID, overContainer, origin)
	}
	return r.endCrossColumn(card, overID, overContainer, g)
}

// candidateIndex computes the insertion index for the dragged card within the
// hovered container.
func (r *Reconciler) candidateIndex(overID, overContainer string, g Geometry) int {
	dest := r.board.CardsInColumn(overContainer)
	if overID == overContainer {
		// Append-past-end sentinel: the dragged card has not been removed from
		// its source list in this in-place preview, so one slot past the
		// current length lands it visually last.
		return len(dest) + 1
	}
	for i, c := range dest {
		if c.ID == overID {
			if g.IsBelowOverItem() {
				return i + 1
			}
			return i
		}
	}
	return len(dest)
}

// endColumnMove reorders the column list itself: splice-move, renumber every
// column 0..N-1 and persist the full {id, order} list in one call.
func (r *Reconciler) endColumnMove(activeID, overID string) []PersistOp {
	cols := r.board.columns
	oldIndex, newIndex := -1, -1
	for i := range cols {
		switch cols[i].ID {
		case activeID:
			oldIndex = i
		case overID:
			newIndex = i
		}
	}
	if oldIndex < 0 || newIndex < 0 || oldIndex == newIndex {
		return nil
	}
	moved := cols[oldIndex]
	cols = append(cols[:oldIndex], cols[oldIndex+1:]...)
	cols = append(cols[:newIndex], append([]Column{moved}, cols[newIndex:]...)...)
	entries := make([]ColumnOrderEntry, len(cols))
	for i := range cols {
		cols[i].Order = i
		entries[i] = ColumnOrderEntry{ID: cols[i].ID, Order: i}
	}
	r.board.columns = cols
	return []PersistOp{ColumnsOrderOp{Entries: entries}}
}

// endSameColumn reorders within one column by splicing the global flat list
// between the two cards' flat indices, then renumbers the column and persists
// its resulting id sequence. A drag that previewed across columns settles
// here too, since the preview already reassigned the card; the origin column
// it vacated still needs renumbering.
func (r *Reconciler) endSameColumn(activeID, overID, columnID, origin string) []PersistOp {
	ai := r.board.flatIndexOf(activeID)
	if ai < 0 {
		return nil
	}
	if overID == columnID {
		// Dropped on the column's own empty area: the card goes last.
		r.board.moveFlat(ai, len(r.board.cards)-1)
	} else {
		oi := r.board.flatIndexOf(overID)
		if oi < 0 {
			return nil
		}
		r.board.moveFlat(ai, oi)
	}
	r.board.renumberColumn(columnID)
	if origin != "" && origin != columnID {
		r.board.renumberColumn(origin)
	}
	return []PersistOp{ColumnOrderOp{ColumnID: columnID, CardIDs: r.board.columnSequence(columnID)}}
}

// endCrossColumn moves the card into another column. The destination's final
// id order is constructed explicitly and persisted as one snapshot call; that
// call both reassigns the dragged card's column and renumbers every card in
// the destination, so no per-card diffing is needed.
func (r *Reconciler) endCrossColumn(card Card, overID, overContainer string, g Geometry) []PersistOp {
	dest := r.board.CardsInColumn(overContainer)
	newIndex := r.candidateIndex(overID, overContainer, g)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(dest) {
		newIndex = len(dest)
	}

	destIDs := make([]string, 0, len(dest)+1)
	for _, c := range dest {
		destIDs = append(destIDs, c.ID)
	}
	destIDs = append(destIDs[:newIndex], append([]string{card.ID}, destIDs[newIndex:]...)...)

	source := card.ColumnID
	ai := r.board.flatIndexOf(card.ID)
	r.board.cards = append(r.board.cards[:ai], r.board.cards[ai+1:]...)
	moved := card
	moved.ColumnID = overContainer
	if newIndex+1 < len(destIDs) {
		si := r.board.flatIndexOf(destIDs[newIndex+1])
		r.board.cards = append(r.board.cards[:si], append([]Card{moved}, r.board.cards[si:]...)...)
	} else {
		r.board.cards = append(r.board.cards, moved)
	}
	r.board.renumberColumn(source)
	r.board.renumberColumn(overContainer)
	return []PersistOp{ColumnOrderOp{ColumnID: overContainer, CardIDs: destIDs}}
}

func (r *Reconciler) isColumn(id string) bool {
	for _, col := range r.board.columns {
		if col.ID == id {
			return true
		}
	}
	return false
}
