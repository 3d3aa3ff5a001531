package domain

import "sort"

// Card is a single draggable unit of work belonging to one column.
type Card struct {
	ID       string `json:"id"`
	ColumnID string `json:"columnId"`
	Position int    `json:"position"`
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
}

// Column is an ordered bucket of cards, itself orderable among siblings.
type Column struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
	Title string `json:"title"`
}

// CardPatch enumerates the fields a partial card update may merge. Nil fields
// are left untouched.
type CardPatch struct {
	ColumnID *string
	Position *int
}

// Board holds the session-authoritative card and column collections. The flat
// card slice is canonical; column membership is derived by filtering on
// ColumnID, so there is no per-column structure to keep in sync.
type Board struct {
	cards   []Card
	columns []Column
}

// NewBoard copies the given collections into a Board. Columns are normalized
// to Order rank and cards to Position rank so that flat order and stored rank
// agree at rest.
func NewBoard(columns []Column, cards []Card) *Board {
	b := &Board{
		columns: append([]Column(nil), columns...),
		cards:   append([]Card(nil), cards...),
	}
	sort.SliceStable(b.columns, func(i, j int) bool { return b.columns[i].Order < b.columns[j].Order })
	sort.SliceStable(b.cards, func(i, j int) bool { return b.cards[i].Position < b.cards[j].Position })
	return b
}

// Clone returns a deep copy of the board.
func (b *Board) Clone() *Board {
	return &Board{
		cards:   append([]Card(nil), b.cards...),
		columns: append([]Column(nil), b.columns...),
	}
}

// Cards returns a copy of the flat card list in canonical order.
func (b *Board) Cards() []Card {
	return append([]Card(nil), b.cards...)
}

// Columns returns a copy of the column list in display order.
func (b *Board) Columns() []Column {
	return append([]Column(nil), b.columns...)
}

// Card looks up a card by id.
func (b *Board) Card(id string) (Card, bool) {
	for _, c := range b.cards {
		if c.ID == id {
			return c, true
		}
	}
	return Card{}, false
}

// FindContainerOf resolves the column containing the given item. A column id
// resolves to itself: a drag target can be a column's empty drop zone as well
// as another card, so cards and columns share one id space here.
func (b *Board) FindContainerOf(id string) (string, bool) {
	for _, col := range b.columns {
		if col.ID == id {
			return col.ID, true
		}
	}
	for _, c := range b.cards {
		if c.ID == id {
			return c.ColumnID, true
		}
	}
	return "", false
}

// CardsInColumn returns the column's cards sorted ascending by Position. The
// sort, not the stored Position value alone, defines display order: mid-drag
// previews may leave duplicate or out-of-range positions behind.
func (b *Board) CardsInColumn(columnID string) []Card {
	out := make([]Card, 0, 8)
	for _, c := range b.cards {
		if c.ColumnID == columnID {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// ReplaceCard merges the patch into the matching card. It reports whether a
// card with that id was found.
func (b *Board) ReplaceCard(id string, patch CardPatch) bool {
	for i := range b.cards {
		if b.cards[i].ID != id {
			continue
		}
		if patch.ColumnID != nil {
			b.cards[i].ColumnID = *patch.ColumnID
		}
		if patch.Position != nil {
			b.cards[i].Position = *patch.Position
		}
		return true
	}
	return false
}

// AddCard appends the card to the end of its target column and returns the
// stored card with its assigned position.
func (b *Board) AddCard(c Card) Card {
	c.Position = len(b.CardsInColumn(c.ColumnID))
	b.cards = append(b.cards, c)
	return c
}

// RemoveCard deletes the card and renumbers its former column.
func (b *Board) RemoveCard(id string) bool {
	for i := range b.cards {
		if b.cards[i].ID == id {
			columnID := b.cards[i].ColumnID
			b.cards = append(b.cards[:i], b.cards[i+1:]...)
			b.renumberColumn(columnID)
			return true
		}
	}
	return false
}

// AddColumn appends the column to the end of the board and returns the stored
// column with its assigned order.
func (b *Board) AddColumn(col Column) Column {
	col.Order = len(b.columns)
	b.columns = append(b.columns, col)
	return col
}

// RemoveColumn deletes the column together with its cards and renumbers the
// remaining columns. It returns the ids of the removed cards.
func (b *Board) RemoveColumn(id string) ([]string, bool) {
	idx := -1
	for i := range b.columns {
		if b.columns[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	b.columns = append(b.columns[:idx], b.columns[idx+1:]...)
	for i := range b.columns {
		b.columns[i].Order = i
	}
	removed := make([]string, 0, 4)
	kept := b.cards[:0]
	for _, c := range b.cards {
		if c.ColumnID == id {
			removed = append(removed, c.ID)
			continue
		}
		kept = append(kept, c)
	}
	b.cards = kept
	return removed, true
}

// RenameColumn updates the column's display title.
func (b *Board) RenameColumn(id, title string) bool {
	for i := range b.columns {
		if b.columns[i].ID == id {
			b.columns[i].Title = title
			return true
		}
	}
	return false
}

// flatIndexOf returns the card's index in the canonical flat list, or -1.
func (b *Board) flatIndexOf(id string) int {
	for i := range b.cards {
		if b.cards[i].ID == id {
			return i
		}
	}
	return -1
}

// moveFlat splices the card at index from out of the flat list and reinserts
// it at index to, shifting intervening cards by one.
func (b *Board) moveFlat(from, to int) {
	if from == to || from < 0 || from >= len(b.cards) || to < 0 || to >= len(b.cards) {
		return
	}
	c := b.cards[from]
	b.cards = append(b.cards[:from], b.cards[from+1:]...)
	b.cards = append(b.cards[:to], append([]Card{c}, b.cards[to:]...)...)
}

// renumberColumn rewrites the column's positions to 0..N-1 following flat
// order. Flat order within a column is what every splice operates on, so it is
// the sequence the rewrite must agree with.
func (b *Board) renumberColumn(columnID string) {
	pos := 0
	for i := range b.cards {
		if b.cards[i].ColumnID == columnID {
			b.cards[i].Position = pos
			pos++
		}
	}
}

// columnSequence returns the column's card ids in flat order.
func (b *Board) columnSequence(columnID string) []string {
	ids := make([]string, 0, 8)
	for _, c := range b.cards {
		if c.ColumnID == columnID {
			ids = append(ids, c.ID)
		}
	}
	return ids
}
