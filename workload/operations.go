package workload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jmoiron/sqlx"

	"github.com/tenantfleet/loadgen/dbconn"
)

// Order statuses, in the order an order moves through them.
const (
	StatusPending    = "Pending"
	StatusProcessing = "Processing"
	StatusShipped    = "Shipped"
	StatusCompleted  = "Completed"
)

const (
	tableCustomers  = "customers"
	tableOrders     = "orders"
	tableOrderItems = "order_items"

	colCustomerID  = "customer_id"
	colFirstName   = "first_name"
	colLastName    = "last_name"
	colEmail       = "email"
	colModifiedAt  = "modified_at"
	colOrderID     = "order_id"
	colTotalAmount = "total_amount"
	colStatus      = "status"
	colOrderItemID = "order_item_id"
	colProductName = "product_name"
	colQuantity    = "quantity"
	colUnitPrice   = "unit_price"
)

const (
	eventInsertedCustomerWithOrder = "inserted_customer_with_order"
	eventInsertedOrderForExisting  = "inserted_order_for_existing"
	eventUpdatedOrderStatus        = "updated_order_status"
	eventUpdatedCustomer           = "updated_customer"
	eventDeletedOrderItem          = "deleted_order_item"
)

// NextOrderStatus returns the status that follows current. Unknown statuses jump to Completed.
func NextOrderStatus(current string) string {
	switch current {
	case StatusPending:
		return StatusProcessing
	case StatusProcessing:
		return StatusShipped
	default:
		return StatusCompleted
	}
}

// Outcome describes what an executed operation did.
// Fields holds alternating keys and values ready to be passed to a logger.
type Outcome struct {
	Kind    Kind
	Event   string
	Fields  []any
	Skipped bool
}

// OperationSet executes workload operations against a database handle.
// It is not safe for concurrent use; every scheduling unit owns its own.
type OperationSet struct {
	rnd  *rand.Rand
	data DataSource
}

// NewOperationSet creates an OperationSet drawing randomness from rnd and fake strings from data.
func NewOperationSet(rnd *rand.Rand, data DataSource) (*OperationSet, error) {
	if rnd == nil {
		return nil, ErrNilRand
	}

	if data == nil {
		return nil, ErrNilDataSource
	}

	return &OperationSet{rnd: rnd, data: data}, nil
}

// Execute runs kind against h inside one transaction.
// A missing precondition (no eligible row) rolls the transaction back and returns a skipped Outcome
// with a nil error. Any driver error is wrapped in ErrOperationFailed.
func (o *OperationSet) Execute(ctx context.Context, kind Kind, h *dbconn.Handle) (Outcome, error) {
	var run func(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error)

	switch kind {
	case CreateCustomerWithOrder:
		run = o.createCustomerWithOrder
	case AdvanceOrderStatus:
		run = o.advanceOrderStatus
	case AddOrderToExistingCustomer:
		run = o.addOrderToExistingCustomer
	case UpdateCustomerContact:
		run = o.updateCustomerContact
	case DeleteCancelableOrderItem:
		run = o.deleteCancelableOrderItem
	default:
		return Outcome{Kind: kind}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	tx, err := h.DB.BeginTxx(ctx, nil)
	if err != nil {
		return Outcome{Kind: kind}, errors.Join(ErrOperationFailed, err)
	}

	outcome, err := run(ctx, tx, h.Dialect)
	outcome.Kind = kind

	if err != nil {
		_ = tx.Rollback()
		return outcome, errors.Join(ErrOperationFailed, err)
	}

	if outcome.Skipped {
		_ = tx.Rollback()
		return outcome, nil
	}

	if err = tx.Commit(); err != nil {
		return outcome, errors.Join(ErrOperationFailed, err)
	}

	return outcome, nil
}

func (o *OperationSet) createCustomerWithOrder(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error) {
	customerID, err := insertReturningID(ctx, tx, dialect, tableCustomers, colCustomerID, goqu.Record{
		colFirstName: o.data.FirstName(),
		colLastName:  o.data.LastName(),
		colEmail:     o.data.Email(),
	})
	if err != nil {
		return Outcome{}, err
	}

	statuses := []string{StatusPending, StatusProcessing, StatusShipped}
	status := statuses[o.rnd.Intn(len(statuses))]

	orderID, err := insertReturningID(ctx, tx, dialect, tableOrders, colOrderID, goqu.Record{
		colCustomerID:  customerID,
		colTotalAmount: o.amount(10, 500),
		colStatus:      status,
	})
	if err != nil {
		return Outcome{}, err
	}

	items, err := o.insertItems(ctx, tx, dialect, orderID, newCustomerItems)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Event:  eventInsertedCustomerWithOrder,
		Fields: []any{colCustomerID, customerID, colOrderID, orderID, "items", items},
	}, nil
}

func (o *OperationSet) addOrderToExistingCustomer(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error) {
	var customerID int64

	found, err := o.sample(ctx, tx,
		dialect.Builder().From(tableCustomers),
		colCustomerID,
		[]any{colCustomerID},
		&customerID,
	)
	if err != nil {
		return Outcome{}, err
	}

	if !found {
		// Without customers there is nobody to order for, so a new one is created instead.
		return o.createCustomerWithOrder(ctx, tx, dialect)
	}

	orderID, err := insertReturningID(ctx, tx, dialect, tableOrders, colOrderID, goqu.Record{
		colCustomerID:  customerID,
		colTotalAmount: o.amount(10, 500),
		colStatus:      StatusPending,
	})
	if err != nil {
		return Outcome{}, err
	}

	items, err := o.insertItems(ctx, tx, dialect, orderID, existingCustomerItems)
	if err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Event:  eventInsertedOrderForExisting,
		Fields: []any{colCustomerID, customerID, colOrderID, orderID, "items", items},
	}, nil
}

func (o *OperationSet) advanceOrderStatus(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error) {
	var (
		orderID int64
		current string
	)

	found, err := o.sample(ctx, tx,
		dialect.Builder().From(tableOrders).Where(goqu.C(colStatus).Neq(StatusCompleted)),
		colOrderID,
		[]any{colOrderID, colStatus},
		&orderID, &current,
	)
	if err != nil {
		return Outcome{}, err
	}

	if !found {
		return Outcome{Skipped: true}, nil
	}

	next := NextOrderStatus(current)

	query, args, err := dialect.Builder().
		Update(tableOrders).
		Set(goqu.Record{colStatus: next}).
		Where(goqu.C(colOrderID).Eq(orderID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Outcome{}, err
	}

	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Event:  eventUpdatedOrderStatus,
		Fields: []any{colOrderID, orderID, "old_status", current, "new_status", next},
	}, nil
}

func (o *OperationSet) updateCustomerContact(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error) {
	var customerID int64

	found, err := o.sample(ctx, tx,
		dialect.Builder().From(tableCustomers),
		colCustomerID,
		[]any{colCustomerID},
		&customerID,
	)
	if err != nil {
		return Outcome{}, err
	}

	if !found {
		return Outcome{Skipped: true}, nil
	}

	query, args, err := dialect.Builder().
		Update(tableCustomers).
		Set(goqu.Record{colEmail: o.data.Email(), colModifiedAt: utcNow(dialect)}).
		Where(goqu.C(colCustomerID).Eq(customerID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Outcome{}, err
	}

	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Event:  eventUpdatedCustomer,
		Fields: []any{colCustomerID, customerID},
	}, nil
}

func (o *OperationSet) deleteCancelableOrderItem(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect) (Outcome, error) {
	var itemID, orderID int64

	eligible := dialect.Builder().
		From(goqu.T(tableOrderItems).As("oi")).
		Join(goqu.T(tableOrders).As("o"), goqu.On(goqu.I("oi."+colOrderID).Eq(goqu.I("o."+colOrderID)))).
		Where(goqu.I("o."+colStatus).In(StatusPending, StatusProcessing))

	found, err := o.sample(ctx, tx,
		eligible,
		"oi."+colOrderItemID,
		[]any{goqu.I("oi." + colOrderItemID), goqu.I("oi." + colOrderID)},
		&itemID, &orderID,
	)
	if err != nil {
		return Outcome{}, err
	}

	if !found {
		return Outcome{Skipped: true}, nil
	}

	query, args, err := dialect.Builder().
		Delete(tableOrderItems).
		Where(goqu.C(colOrderItemID).Eq(itemID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return Outcome{}, err
	}

	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return Outcome{}, err
	}

	return Outcome{
		Event:  eventDeletedOrderItem,
		Fields: []any{colOrderItemID, itemID, colOrderID, orderID},
	}, nil
}

// itemRange bounds the line items of a new order.
type itemRange struct {
	maxItems    int
	maxQuantity int
	minPrice    float64
	maxPrice    float64
}

var (
	newCustomerItems      = itemRange{maxItems: 3, maxQuantity: 5, minPrice: 5, maxPrice: 100}
	existingCustomerItems = itemRange{maxItems: 2, maxQuantity: 3, minPrice: 5, maxPrice: 50}
)

// insertItems adds between one and r.maxItems items to orderID and returns how many it added.
func (o *OperationSet) insertItems(ctx context.Context, tx *sqlx.Tx, dialect dbconn.Dialect, orderID int64, r itemRange) (int, error) {
	count := o.intBetween(1, r.maxItems)

	for range count {
		query, args, err := dialect.Builder().
			Insert(tableOrderItems).
			Rows(goqu.Record{
				colOrderID:     orderID,
				colProductName: o.data.ProductName(),
				colQuantity:    o.intBetween(1, r.maxQuantity),
				colUnitPrice:   o.amount(r.minPrice, r.maxPrice),
			}).
			Prepared(true).
			ToSQL()
		if err != nil {
			return 0, err
		}

		if _, err = tx.ExecContext(ctx, query, args...); err != nil {
			return 0, err
		}
	}

	return count, nil
}

// sample picks one row of from uniformly at random: it counts the rows, draws an offset below the
// count, and reads the row at that offset in orderBy order. It reports false when there is no row,
// including when a concurrent delete shrinks the set between the two queries.
func (o *OperationSet) sample(
	ctx context.Context,
	tx *sqlx.Tx,
	from *goqu.SelectDataset,
	orderBy string,
	columns []any,
	dest ...any,
) (bool, error) {
	countQuery, countArgs, err := from.Select(goqu.COUNT("*")).Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}

	var count int64
	if err = tx.GetContext(ctx, &count, countQuery, countArgs...); err != nil {
		return false, err
	}

	if count == 0 {
		return false, nil
	}

	offset := o.rnd.Int63n(count)

	rowQuery, rowArgs, err := from.
		Select(columns...).
		Order(goqu.I(orderBy).Asc()).
		Limit(1).
		Offset(uint(offset)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, err
	}

	err = tx.QueryRowxContext(ctx, rowQuery, rowArgs...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}

// amount draws a uniform money amount in [lo, hi] rounded to cents.
func (o *OperationSet) amount(lo, hi float64) float64 {
	return math.Round((lo+o.rnd.Float64()*(hi-lo))*100) / 100
}

// intBetween draws a uniform integer in [lo, hi].
func (o *OperationSet) intBetween(lo, hi int) int {
	return lo + o.rnd.Intn(hi-lo+1)
}

// insertReturningID inserts record into table and returns the generated value of idColumn.
func insertReturningID(
	ctx context.Context,
	tx *sqlx.Tx,
	dialect dbconn.Dialect,
	table string,
	idColumn string,
	record goqu.Record,
) (int64, error) {
	insert := dialect.Builder().Insert(table).Rows(record).Prepared(true)

	if dialect.SupportsReturning() {
		query, args, err := insert.Returning(goqu.C(idColumn)).ToSQL()
		if err != nil {
			return 0, err
		}

		var id int64
		if err = tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}

		return id, nil
	}

	query, args, err := insert.ToSQL()
	if err != nil {
		return 0, err
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// utcNow is the database's current UTC time, matching the column defaults of the schema.
func utcNow(dialect dbconn.Dialect) exp.LiteralExpression {
	switch dialect {
	case dbconn.DialectPostgres:
		return goqu.L("now() AT TIME ZONE 'utc'")
	case dbconn.DialectMySQL:
		return goqu.L("UTC_TIMESTAMP(6)")
	default:
		return goqu.L("CURRENT_TIMESTAMP")
	}
}
