package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"board-api/domain"
)

// Storage provides access to the underlying persistence mechanisms: one table
// per entity kind, partitioned by user, plus a queue carrying board-changed
// notifications for downstream read models.
type Storage struct {
	cardTable   *aztables.Client
	columnTable *aztables.Client
	eventQueue  *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, cardsTable, columnsTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	ct := svc.NewClient(cardsTable)
	colt := svc.NewClient(columnsTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{cardTable: ct, columnTable: colt, eventQueue: eq}, nil
}

type cardEntity struct {
	aztables.Entity
	ColumnID string `json:"ColumnId"`
	Position int    `json:"Position"`
	Title    string `json:"Title"`
	Notes    string `json:"Notes"`
}

type columnEntity struct {
	aztables.Entity
	Order int    `json:"Order"`
	Title string `json:"Title"`
}

type cardUpdate struct {
	aztables.Entity
	ColumnID *string `json:"ColumnId,omitempty"`
	Position *int    `json:"Position,omitempty"`
}

type columnUpdate struct {
	aztables.Entity
	Order *int    `json:"Order,omitempty"`
	Title *string `json:"Title,omitempty"`
}

// FetchBoard retrieves all columns and cards for the provided user.
func (s *Storage) FetchBoard(ctx context.Context, userID string) ([]domain.Column, []domain.Card, error) {
	filter := "PartitionKey eq '" + userID + "'"

	columns := []domain.Column{}
	colPager := s.columnTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for colPager.More() {
		resp, err := colPager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range resp.Entities {
			var ent columnEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, nil, err
			}
			columns = append(columns, domain.Column{ID: ent.RowKey, Order: ent.Order, Title: ent.Title})
		}
	}

	cards := []domain.Card{}
	cardPager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for cardPager.More() {
		resp, err := cardPager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, e := range resp.Entities {
			var ent cardEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, nil, err
			}
			cards = append(cards, domain.Card{
				ID:       ent.RowKey,
				ColumnID: ent.ColumnID,
				Position: ent.Position,
				Title:    ent.Title,
				Notes:    ent.Notes,
			})
		}
	}
	return columns, cards, nil
}

// ApplyOps applies reconciler output in order. Each operation is a complete
// snapshot for the rows it touches, so replays are safe.
func (s *Storage) ApplyOps(ctx context.Context, userID string, ops []domain.PersistOp) error {
	for _, op := range ops {
		var err error
		switch v := op.(type) {
		case domain.ColumnOrderOp:
			err = s.applyColumnOrder(ctx, userID, v)
		case domain.ColumnsOrderOp:
			err = s.applyColumnsOrder(ctx, userID, v)
		case domain.CardStatusPositionOp:
			err = s.applyCardStatusAndPosition(ctx, userID, v)
		default:
			err = errors.New("unknown persist op")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// applyColumnOrder renumbers every listed card to its index in the snapshot
// and assigns it to the column.
func (s *Storage) applyColumnOrder(ctx context.Context, userID string, op domain.ColumnOrderOp) error {
	for i, cardID := range op.CardIDs {
		pos := i
		columnID := op.ColumnID
		upd := cardUpdate{
			Entity:   aztables.Entity{PartitionKey: userID, RowKey: cardID},
			ColumnID: &columnID,
			Position: &pos,
		}
		if err := s.mergeCard(ctx, upd); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) applyColumnsOrder(ctx context.Context, userID string, op domain.ColumnsOrderOp) error {
	for _, entry := range op.Entries {
		order := entry.Order
		upd := columnUpdate{
			Entity: aztables.Entity{PartitionKey: userID, RowKey: entry.ID},
			Order:  &order,
		}
		payload, err := json.Marshal(upd)
		if err != nil {
			return err
		}
		et := azcore.ETagAny
		if _, err := s.columnTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) applyCardStatusAndPosition(ctx context.Context, userID string, op domain.CardStatusPositionOp) error {
	columnID := op.ColumnID
	pos := op.Position
	upd := cardUpdate{
		Entity:   aztables.Entity{PartitionKey: userID, RowKey: op.CardID},
		ColumnID: &columnID,
		Position: &pos,
	}
	return s.mergeCard(ctx, upd)
}

func (s *Storage) mergeCard(ctx context.Context, upd cardUpdate) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.cardTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

// InsertCard creates a card row.
func (s *Storage) InsertCard(ctx context.Context, userID string, c domain.Card) error {
	ent := cardEntity{
		Entity:   aztables.Entity{PartitionKey: userID, RowKey: c.ID},
		ColumnID: c.ColumnID,
		Position: c.Position,
		Title:    c.Title,
		Notes:    c.Notes,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.cardTable.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteCard removes a card row. Missing rows are not an error.
func (s *Storage) DeleteCard(ctx context.Context, userID, cardID string) error {
	_, err := s.cardTable.DeleteEntity(ctx, userID, cardID, nil)
	return ignoreNotFound(err)
}

// InsertColumn creates a column row.
func (s *Storage) InsertColumn(ctx context.Context, userID string, col domain.Column) error {
	ent := columnEntity{
		Entity: aztables.Entity{PartitionKey: userID, RowKey: col.ID},
		Order:  col.Order,
		Title:  col.Title,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.columnTable.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteColumn removes a column row together with the given card rows.
func (s *Storage) DeleteColumn(ctx context.Context, userID, columnID string, cardIDs []string) error {
	_, err := s.columnTable.DeleteEntity(ctx, userID, columnID, nil)
	if err := ignoreNotFound(err); err != nil {
		return err
	}
	for _, id := range cardIDs {
		if err := s.DeleteCard(ctx, userID, id); err != nil {
			return err
		}
	}
	return nil
}

// RenameColumn updates a column's title.
func (s *Storage) RenameColumn(ctx context.Context, userID, columnID, title string) error {
	upd := columnUpdate{
		Entity: aztables.Entity{PartitionKey: userID, RowKey: columnID},
		Title:  &title,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.columnTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

// BoardChangedEvent notifies downstream read models (dashboard widgets) that a
// user's board content changed.
type BoardChangedEvent struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
	Time   int64  `json:"time"`
}

// PublishBoardChanged enqueues a board-changed notification.
func (s *Storage) PublishBoardChanged(ctx context.Context, userID, reason string) error {
	ev := BoardChangedEvent{UserID: userID, Reason: reason, Time: time.Now().UnixNano()}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.eventQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

func ignoreNotFound(err error) error {
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.StatusCode == 404 {
		return nil
	}
	return err
}
