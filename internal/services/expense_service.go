package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"expensetracker/internal/amqp"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
)

var ErrExpenseNotFound = errors.New("expense not found")

// EventPublisher announces committed writes. amqp.Client implements it.
type EventPublisher interface {
	PublishExpenseEvent(ctx context.Context, e *amqp.ExpenseEvent) error
}

// NewExpense is the input to AddExpense. A nil Date means "now, as the
// store sees it".
type NewExpense struct {
	Amount   core.Money
	Category core.Category
	Note     string
	Date     *time.Time
}

// DeleteHint lets DeleteExpense skip reading the expense. Both fields must be
// set for the hint to be used.
type DeleteHint struct {
	Amount core.Money
	Date   time.Time
}

func (h *DeleteHint) usable() bool {
	return h != nil && h.Amount.Cents != 0 && !h.Date.IsZero()
}

// ExpenseService writes expenses together with their month aggregate. Every
// add and delete is one transaction; the aggregate only moves through
// Increment so concurrent writers never lose updates.
type ExpenseService struct {
	store     docstore.Store
	uid       string
	loc       *time.Location
	clock     core.Clock
	publisher EventPublisher
	metrics   *metrics.Metrics
}

type Option func(*ExpenseService)

func WithClock(c core.Clock) Option {
	return func(s *ExpenseService) { s.clock = c }
}

// WithPublisher enables best-effort change events.
func WithPublisher(p EventPublisher) Option {
	return func(s *ExpenseService) { s.publisher = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ExpenseService) { s.metrics = m }
}

func NewExpenseService(store docstore.Store, uid string, loc *time.Location, opts ...Option) *ExpenseService {
	if loc == nil {
		loc = time.Local
	}
	s := &ExpenseService{store: store, uid: uid, loc: loc, clock: core.SystemClock{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ExpenseService) statPath(key core.MonthKey) string {
	return docstore.Doc(docstore.StatsPath(s.uid), string(key))
}

func (s *ExpenseService) expensePath(id string) string {
	return docstore.Doc(docstore.ExpensesPath(s.uid), id)
}

// AddExpense records the expense and bumps its month aggregate. A supplied
// date keeps its calendar day and takes the current time of day.
func (s *ExpenseService) AddExpense(ctx context.Context, in NewExpense) (string, error) {
	if err := in.Amount.Validate(); err != nil {
		return "", err
	}
	if len(in.Note) > 200 {
		return "", core.ErrNoteTooLong
	}
	category := in.Category
	if category == "" {
		category = core.DefaultCategory
	}

	now := s.clock.Now().In(s.loc)
	var (
		date any = docstore.ServerTimestamp
		key      = core.MonthKeyOf(now, s.loc)
	)
	if in.Date != nil {
		d := in.Date.In(s.loc)
		stamped := time.Date(d.Year(), d.Month(), d.Day(), now.Hour(), now.Minute(), now.Second(), 0, s.loc)
		date = stamped
		key = core.MonthKeyOf(stamped, s.loc)
	}

	id := s.store.NewID()
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if err := tx.Set(ctx, s.expensePath(id), docstore.Fields{
			core.FieldAmount:   in.Amount.Cents,
			core.FieldCategory: string(category),
			core.FieldNote:     in.Note,
			core.FieldDate:     date,
		}); err != nil {
			return err
		}
		return tx.Set(ctx, s.statPath(key), docstore.Fields{
			core.FieldTotal: docstore.Increment(in.Amount.Cents),
			core.FieldCount: docstore.Increment(1),
		}, docstore.Merge())
	})
	s.metrics.Write(amqp.OpAdd, err)
	if err != nil {
		slog.ErrorContext(ctx, "Add expense transaction failed", log.FieldComponent, log.ComponentExpense,
			log.FieldMonthKey, key, log.FieldAmountCents, in.Amount.Cents, log.FieldError, err)
		return "", fmt.Errorf("add expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense added", log.FieldComponent, log.ComponentExpense,
		log.FieldExpenseID, id,
		log.FieldMonthKey, key,
		log.FieldAmountCents, in.Amount.Cents,
		log.FieldCategory, category)
	s.publish(ctx, amqp.NewExpenseEvent(amqp.OpAdd, s.uid, id, string(key), in.Amount.Cents))
	return id, nil
}

// DeleteExpense removes the expense and decrements its month aggregate.
// Without a usable hint the expense is read inside the transaction; a
// missing expense aborts with ErrExpenseNotFound and nothing changes.
func (s *ExpenseService) DeleteExpense(ctx context.Context, id string, hint *DeleteHint) error {
	var (
		amount core.Money
		key    core.MonthKey
	)
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		if hint.usable() {
			amount = hint.Amount
			key = core.MonthKeyOf(hint.Date, s.loc)
		} else {
			doc, err := tx.Get(ctx, s.expensePath(id))
			if errors.Is(err, docstore.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrExpenseNotFound, id)
			}
			if err != nil {
				return err
			}
			e, err := core.ExpenseFromFields(id, doc.Fields, s.loc)
			if err != nil {
				return err
			}
			amount = e.Amount
			key = core.MonthKeyOf(e.Date, s.loc)
		}

		if err := tx.Delete(ctx, s.expensePath(id)); err != nil {
			return err
		}
		return tx.Set(ctx, s.statPath(key), docstore.Fields{
			core.FieldTotal: docstore.Increment(-amount.Cents),
			core.FieldCount: docstore.Increment(-1),
		}, docstore.Merge())
	})
	s.metrics.Write(amqp.OpDelete, err)
	if err != nil {
		slog.ErrorContext(ctx, "Delete expense transaction failed", log.FieldComponent, log.ComponentExpense,
			log.FieldExpenseID, id, log.FieldError, err)
		return fmt.Errorf("delete expense: %w", err)
	}

	slog.InfoContext(ctx, "Expense deleted", log.FieldComponent, log.ComponentExpense,
		log.FieldExpenseID, id,
		log.FieldMonthKey, key,
		log.FieldAmountCents, amount.Cents,
		"hinted", hint.usable())
	s.publish(ctx, amqp.NewExpenseEvent(amqp.OpDelete, s.uid, id, string(key), amount.Cents))
	return nil
}

// UpdateMonthlyStat overwrites the month aggregate. It is not coordinated
// with concurrent increments: an add or delete committed between the caller's
// read and this write is lost from the aggregate until the next repair.
func (s *ExpenseService) UpdateMonthlyStat(ctx context.Context, key core.MonthKey, fp core.Fingerprint) error {
	err := s.store.Set(ctx, s.statPath(key), docstore.Fields{
		core.FieldTotal: fp.Total.Cents,
		core.FieldCount: fp.Count,
	}, docstore.Merge())
	if err != nil {
		return fmt.Errorf("update monthly stat %s: %w", key, err)
	}
	slog.InfoContext(ctx, "Monthly stat overwritten", log.FieldComponent, log.ComponentExpense,
		log.FieldMonthKey, key, log.FieldTotalCents, fp.Total.Cents, log.FieldCount, fp.Count)
	return nil
}

// publish sends the event without failing the caller: the write is already
// committed.
func (s *ExpenseService) publish(ctx context.Context, e *amqp.ExpenseEvent) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishExpenseEvent(ctx, e)
	s.metrics.Event("publish", err)
	if err != nil {
		slog.WarnContext(ctx, "Failed to publish expense event", log.FieldComponent, log.ComponentExpense,
			"op", e.Op, log.FieldExpenseID, e.ID, log.FieldError, err)
	}
}

// UserID is the owner of every document this service touches.
func (s *ExpenseService) UserID() string { return s.uid }

// Location is the zone month keys are computed in.
func (s *ExpenseService) Location() *time.Location { return s.loc }
