package domain

import (
	"encoding/json"
	"fmt"
)

// PersistOp is one write the backing store must apply after a drag settles.
// The union is closed: exactly the three operations of the persistence
// contract exist.
type PersistOp interface {
	persistOp()
}

// ColumnOrderOp carries the complete ordered id snapshot for one column. The
// store renumbers every listed card to its index and assigns it to ColumnID;
// applying the same snapshot twice is a no-op.
type ColumnOrderOp struct {
	ColumnID string   `json:"columnId"`
	CardIDs  []string `json:"cardIds"`
}

// ColumnOrderEntry is one column's new rank within a board-wide reorder.
type ColumnOrderEntry struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// ColumnsOrderOp rewrites the display order of every column on the board.
type ColumnsOrderOp struct {
	Entries []ColumnOrderEntry `json:"entries"`
}

// CardStatusPositionOp sets one card's column and position directly without
// touching siblings. Callers are responsible for having resolved a
// non-colliding position.
type CardStatusPositionOp struct {
	CardID   string `json:"cardId"`
	ColumnID string `json:"columnId"`
	Position int    `json:"position"`
}

func (ColumnOrderOp) persistOp()        {}
func (ColumnsOrderOp) persistOp()       {}
func (CardStatusPositionOp) persistOp() {}

const (
	opKindColumnOrder        = "column-order"
	opKindColumnsOrder       = "columns-order"
	opKindCardStatusPosition = "card-status-position"
)

type opEnvelope struct {
	Kind               string                `json:"kind"`
	ColumnOrder        *ColumnOrderOp        `json:"columnOrder,omitempty"`
	ColumnsOrder       *ColumnsOrderOp       `json:"columnsOrder,omitempty"`
	CardStatusPosition *CardStatusPositionOp `json:"cardStatusPosition,omitempty"`
}

// EncodeOps serializes persistence operations for journaling.
func EncodeOps(ops []PersistOp) ([]byte, error) {
	envs := make([]opEnvelope, 0, len(ops))
	for _, op := range ops {
		switch v := op.(type) {
		case ColumnOrderOp:
			envs = append(envs, opEnvelope{Kind: opKindColumnOrder, ColumnOrder: &v})
		case ColumnsOrderOp:
			envs = append(envs, opEnvelope{Kind: opKindColumnsOrder, ColumnsOrder: &v})
		case CardStatusPositionOp:
			envs = append(envs, opEnvelope{Kind: opKindCardStatusPosition, CardStatusPosition: &v})
		default:
			return nil, fmt.Errorf("unknown persist op %T", op)
		}
	}
	return json.Marshal(envs)
}

// DecodeOps is the inverse of EncodeOps.
func DecodeOps(data []byte) ([]PersistOp, error) {
	var envs []opEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, err
	}
	ops := make([]PersistOp, 0, len(envs))
	for _, env := range envs {
		switch env.Kind {
		case opKindColumnOrder:
			if env.ColumnOrder == nil {
				return nil, fmt.Errorf("persist op %s missing payload", env.Kind)
			}
			ops = append(ops, *env.ColumnOrder)
		case opKindColumnsOrder:
			if env.ColumnsOrder == nil {
				return nil, fmt.Errorf("persist op %s missing payload", env.Kind)
			}
			ops = append(ops, *env.ColumnsOrder)
		case opKindCardStatusPosition:
			if env.CardStatusPosition == nil {
				return nil, fmt.Errorf("persist op %s missing payload", env.Kind)
			}
			ops = append(ops, *env.CardStatusPosition)
		default:
			return nil, fmt.Errorf("unknown persist op kind %q", env.Kind)
		}
	}
	return ops, nil
}
