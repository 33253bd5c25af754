package library

import (
	"context"
	"fmt"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/sanitize"
)

// Service defines the business logic contract for the library. Handlers
// call these methods; they never touch the repository directly.
type Service interface {
	ListBooks(ctx context.Context) ([]Book, error)
	GetBook(ctx context.Context, id int64) (*Book, error)
	CreateBook(ctx context.Context, req BookRequest) (*Book, error)
	UpdateBook(ctx context.Context, id int64, req BookRequest) (*Book, error)
	DeleteBook(ctx context.Context, id int64) error
	AddCopies(ctx context.Context, bookID int64, count int) (*Book, error)
	ListAuthors(ctx context.Context) ([]Author, error)
	CreateAuthor(ctx context.Context, req AuthorRequest) (*Author, error)
}

type service struct {
	repo Repository
}

// NewService creates a Service backed by repo.
func NewService(repo Repository) Service {
	return &service{repo: repo}
}

// ListBooks returns every book with its available copy count. The count is
// fetched per book, one query each.
func (s *service) ListBooks(ctx context.Context) ([]Book, error) {
	books, err := s.repo.ListBooks(ctx)
	if err != nil {
		return nil, err
	}
	for i := range books {
		if err := s.fillCopies(ctx, &books[i]); err != nil {
			return nil, err
		}
	}
	return books, nil
}

func (s *service) GetBook(ctx context.Context, id int64) (*Book, error) {
	book, err := s.repo.FindBook(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.fillCopies(ctx, book); err != nil {
		return nil, err
	}
	return book, nil
}

func (s *service) CreateBook(ctx context.Context, req BookRequest) (*Book, error) {
	book, err := s.validateBook(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateBook(ctx, book); err != nil {
		return nil, apperror.NewInternal(err)
	}
	return s.GetBook(ctx, book.ID)
}

func (s *service) UpdateBook(ctx context.Context, id int64, req BookRequest) (*Book, error) {
	book, err := s.validateBook(ctx, req)
	if err != nil {
		return nil, err
	}
	book.ID = id
	if err := s.repo.UpdateBook(ctx, book); err != nil {
		return nil, err
	}
	return s.GetBook(ctx, id)
}

func (s *service) DeleteBook(ctx context.Context, id int64) error {
	return s.repo.DeleteBook(ctx, id)
}

// AddCopies shelves count new copies and returns the book with its new
// available count.
func (s *service) AddCopies(ctx context.Context, bookID int64, count int) (*Book, error) {
	if count < 1 || count > maxCopiesPerRequest {
		return nil, apperror.NewValidation(fmt.Sprintf("count must be between 1 and %d", maxCopiesPerRequest))
	}
	if _, err := s.repo.FindBook(ctx, bookID); err != nil {
		return nil, err
	}
	if _, err := s.repo.AddCopies(ctx, bookID, count); err != nil {
		return nil, apperror.NewInternal(err)
	}
	return s.GetBook(ctx, bookID)
}

func (s *service) ListAuthors(ctx context.Context) ([]Author, error) {
	return s.repo.ListAuthors(ctx)
}

func (s *service) CreateAuthor(ctx context.Context, req AuthorRequest) (*Author, error) {
	name := sanitize.Text(req.Name)
	if name == "" {
		return nil, apperror.NewBadRequest("author name is required")
	}

	author := &Author{Name: name}
	if err := s.repo.CreateAuthor(ctx, author); err != nil {
		return nil, apperror.NewInternal(err)
	}
	return author, nil
}

// validateBook cleans the title and checks the author exists.
func (s *service) validateBook(ctx context.Context, req BookRequest) (*Book, error) {
	title := sanitize.Text(req.Title)
	if title == "" {
		return nil, apperror.NewBadRequest("title is required")
	}
	if req.AuthorID <= 0 {
		return nil, apperror.NewBadRequest("author is required")
	}

	ok, err := s.repo.AuthorExists(ctx, req.AuthorID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if !ok {
		return nil, apperror.NewValidation("author does not exist")
	}
	return &Book{Title: title, AuthorID: req.AuthorID}, nil
}

func (s *service) fillCopies(ctx context.Context, book *Book) error {
	n, err := s.repo.CountAvailableCopies(ctx, book.ID)
	if err != nil {
		return apperror.NewInternal(err)
	}
	book.NumCopiesAvailable = n
	return nil
}
