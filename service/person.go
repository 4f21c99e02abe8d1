package service

import (
	"context"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/goliatone/go-entity-lab/model"
)

// ErrInvalidPerson is returned when a person fails validation before it is
// written.
var ErrInvalidPerson = goerrors.New("invalid person", goerrors.CategoryValidation)

// PersonRepository is the go-repository-bun repository persons are saved
// through.
type PersonRepository = repository.Repository[*model.Person]

// NewPersonRepository builds the bun backed person repository. Keys are
// generated client side when the record has none.
func NewPersonRepository(db *bun.DB) PersonRepository {
	return repository.NewRepository[*model.Person](db, repository.ModelHandlers[*model.Person]{
		NewRecord: func() *model.Person {
			return &model.Person{}
		},
		GetID: func(p *model.Person) uuid.UUID {
			if p == nil {
				return uuid.Nil
			}
			return p.ID
		},
		SetID: func(p *model.Person, id uuid.UUID) {
			p.ID = id
		},
		GetIdentifier: func() string {
			return "email"
		},
	})
}

// EnsurePersonTable creates jpa_persons when it does not exist yet.
func EnsurePersonTable(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateTable().Model((*model.Person)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("create person table: %w", err)
	}
	return nil
}

// DropPersonTable removes jpa_persons.
func DropPersonTable(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewDropTable().Model((*model.Person)(nil)).IfExists().Exec(ctx); err != nil {
		return fmt.Errorf("drop person table: %w", err)
	}
	return nil
}

// PersonService saves persons through the repository, one transaction per
// call.
type PersonService struct {
	db     *bun.DB
	repo   PersonRepository
	logger *zap.Logger
}

// Option configures a PersonService.
type Option func(*PersonService)

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *PersonService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPersonService returns a service writing through repo inside
// transactions opened on db. repo is usually a cached repository so reads
// are served from the cache between writes.
func NewPersonService(db *bun.DB, repo PersonRepository, opts ...Option) *PersonService {
	s := &PersonService{
		db:     db,
		repo:   repo,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SavePersons saves every person in a single transaction. When any save
// fails nothing is written. After a commit the repository cache, if any, is
// dropped.
func (s *PersonService) SavePersons(ctx context.Context, persons ...*model.Person) error {
	for i, p := range persons {
		if err := validatePerson(p); err != nil {
			return fmt.Errorf("person %d: %w", i+1, err)
		}
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for i, p := range persons {
			if p.ID == uuid.Nil {
				p.ID = uuid.New()
			}
			if _, err := s.repo.CreateTx(ctx, tx, p); err != nil {
				return fmt.Errorf("save person %d: %w", i+1, err)
			}
			s.logger.Debug("person saved",
				zap.Int("position", i+1),
				zap.String("id", p.ID.String()),
			)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("save persons rolled back", zap.Int("count", len(persons)), zap.Error(err))
		return err
	}
	// reads made while the transaction was open may have cached the old rows
	if inv, ok := s.repo.(invalidator); ok {
		inv.Invalidate(ctx)
	}
	return nil
}

// invalidator is implemented by cached repositories.
type invalidator interface {
	Invalidate(ctx context.Context)
}

// Get returns the person with the given id.
func (s *PersonService) Get(ctx context.Context, id uuid.UUID) (*model.Person, error) {
	p, err := s.repo.GetByID(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("get person %s: %w", id, err)
	}
	return p, nil
}

// byLastName is package level so the cached repository renders the same key
// for every call.
var byLastName repository.SelectCriteria = func(q *bun.SelectQuery) *bun.SelectQuery {
	return q.OrderExpr("?TableAlias.last_name ASC, ?TableAlias.email ASC")
}

// List returns every person ordered by last name, with the total count.
func (s *PersonService) List(ctx context.Context) ([]*model.Person, int, error) {
	persons, total, err := s.repo.List(ctx, byLastName)
	if err != nil {
		return nil, 0, fmt.Errorf("list persons: %w", err)
	}
	return persons, total, nil
}

// FindByEmail looks a person up by its identifier column.
func (s *PersonService) FindByEmail(ctx context.Context, email string) (*model.Person, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	p, err := s.repo.GetByIdentifier(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("find person %q: %w", email, err)
	}
	return p, nil
}

func validatePerson(p *model.Person) error {
	if p == nil {
		return fmt.Errorf("nil person: %w", ErrInvalidPerson)
	}
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if err := validation.Validate(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPerson, err)
	}
	return nil
}
