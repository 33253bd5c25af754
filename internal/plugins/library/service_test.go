package library

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyxmakerx/stacks/internal/apperror"
)

// --- Mock Repository ---

// mockRepo implements Repository for testing.
type mockRepo struct {
	listBooksFn    func(ctx context.Context) ([]Book, error)
	findBookFn     func(ctx context.Context, id int64) (*Book, error)
	createBookFn   func(ctx context.Context, book *Book) error
	updateBookFn   func(ctx context.Context, book *Book) error
	deleteBookFn   func(ctx context.Context, id int64) error
	countCopiesFn  func(ctx context.Context, bookID int64) (int, error)
	addCopiesFn    func(ctx context.Context, bookID int64, n int) (int64, error)
	listAuthorsFn  func(ctx context.Context) ([]Author, error)
	createAuthorFn func(ctx context.Context, author *Author) error
	authorExistsFn func(ctx context.Context, id int64) (bool, error)

	countCalls int
}

func (m *mockRepo) ListBooks(ctx context.Context) ([]Book, error) {
	if m.listBooksFn != nil {
		return m.listBooksFn(ctx)
	}
	return nil, nil
}

func (m *mockRepo) FindBook(ctx context.Context, id int64) (*Book, error) {
	if m.findBookFn != nil {
		return m.findBookFn(ctx, id)
	}
	return nil, apperror.NewNotFound("book not found")
}

func (m *mockRepo) CreateBook(ctx context.Context, book *Book) error {
	if m.createBookFn != nil {
		return m.createBookFn(ctx, book)
	}
	book.ID = 1
	return nil
}

func (m *mockRepo) UpdateBook(ctx context.Context, book *Book) error {
	if m.updateBookFn != nil {
		return m.updateBookFn(ctx, book)
	}
	return nil
}

func (m *mockRepo) DeleteBook(ctx context.Context, id int64) error {
	if m.deleteBookFn != nil {
		return m.deleteBookFn(ctx, id)
	}
	return nil
}

func (m *mockRepo) CountAvailableCopies(ctx context.Context, bookID int64) (int, error) {
	m.countCalls++
	if m.countCopiesFn != nil {
		return m.countCopiesFn(ctx, bookID)
	}
	return 0, nil
}

func (m *mockRepo) AddCopies(ctx context.Context, bookID int64, n int) (int64, error) {
	if m.addCopiesFn != nil {
		return m.addCopiesFn(ctx, bookID, n)
	}
	return int64(n), nil
}

func (m *mockRepo) ListAuthors(ctx context.Context) ([]Author, error) {
	if m.listAuthorsFn != nil {
		return m.listAuthorsFn(ctx)
	}
	return nil, nil
}

func (m *mockRepo) CreateAuthor(ctx context.Context, author *Author) error {
	if m.createAuthorFn != nil {
		return m.createAuthorFn(ctx, author)
	}
	author.ID = 1
	return nil
}

func (m *mockRepo) AuthorExists(ctx context.Context, id int64) (bool, error) {
	if m.authorExistsFn != nil {
		return m.authorExistsFn(ctx, id)
	}
	return true, nil
}

// --- Helpers ---

func assertAppError(t *testing.T, err error, code int) {
	t.Helper()
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

func bookByID(_ context.Context, id int64) (*Book, error) {
	return &Book{ID: id, Title: "Dune", AuthorID: 7, AuthorName: "Frank Herbert"}, nil
}

// --- Tests ---

func TestListBooks_CountsCopiesPerBook(t *testing.T) {
	repo := &mockRepo{
		listBooksFn: func(ctx context.Context) ([]Book, error) {
			return []Book{{ID: 1}, {ID: 2}, {ID: 3}}, nil
		},
		countCopiesFn: func(ctx context.Context, bookID int64) (int, error) {
			return int(bookID) * 2, nil
		},
	}

	books, err := NewService(repo).ListBooks(context.Background())
	require.NoError(t, err)

	require.Len(t, books, 3)
	assert.Equal(t, 3, repo.countCalls)
	assert.Equal(t, 2, books[0].NumCopiesAvailable)
	assert.Equal(t, 6, books[2].NumCopiesAvailable)
}

func TestListBooks_CountFailure(t *testing.T) {
	repo := &mockRepo{
		listBooksFn: func(ctx context.Context) ([]Book, error) {
			return []Book{{ID: 1}}, nil
		},
		countCopiesFn: func(ctx context.Context, bookID int64) (int, error) {
			return 0, errors.New("connection reset")
		},
	}

	_, err := NewService(repo).ListBooks(context.Background())
	assertAppError(t, err, http.StatusInternalServerError)
}

func TestGetBook_NotFound(t *testing.T) {
	_, err := NewService(&mockRepo{}).GetBook(context.Background(), 42)
	assertAppError(t, err, http.StatusNotFound)
}

func TestCreateBook_SanitizesTitle(t *testing.T) {
	var created *Book
	repo := &mockRepo{
		createBookFn: func(ctx context.Context, book *Book) error {
			created = book
			book.ID = 9
			return nil
		},
		findBookFn: bookByID,
	}

	book, err := NewService(repo).CreateBook(context.Background(), BookRequest{
		Title:    "  <b>Dune</b>  ",
		AuthorID: 7,
	})
	require.NoError(t, err)

	require.NotNil(t, created)
	assert.Equal(t, "Dune", created.Title)
	assert.Equal(t, int64(9), book.ID)
}

func TestCreateBook_Validation(t *testing.T) {
	tests := []struct {
		name   string
		req    BookRequest
		exists bool
		code   int
	}{
		{"empty title", BookRequest{Title: "", AuthorID: 1}, true, http.StatusBadRequest},
		{"markup only title", BookRequest{Title: "<p></p>", AuthorID: 1}, true, http.StatusBadRequest},
		{"missing author", BookRequest{Title: "Dune"}, true, http.StatusBadRequest},
		{"unknown author", BookRequest{Title: "Dune", AuthorID: 99}, false, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepo{
				authorExistsFn: func(ctx context.Context, id int64) (bool, error) {
					return tt.exists, nil
				},
				createBookFn: func(ctx context.Context, book *Book) error {
					t.Fatal("CreateBook should not be called")
					return nil
				},
			}

			_, err := NewService(repo).CreateBook(context.Background(), tt.req)
			assertAppError(t, err, tt.code)
		})
	}
}

func TestUpdateBook_PassesID(t *testing.T) {
	var updated *Book
	repo := &mockRepo{
		updateBookFn: func(ctx context.Context, book *Book) error {
			updated = book
			return nil
		},
		findBookFn: bookByID,
	}

	_, err := NewService(repo).UpdateBook(context.Background(), 5, BookRequest{Title: "Dune", AuthorID: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(5), updated.ID)
}

func TestUpdateBook_Missing(t *testing.T) {
	repo := &mockRepo{
		updateBookFn: func(ctx context.Context, book *Book) error {
			return apperror.NewNotFound("book not found")
		},
	}

	_, err := NewService(repo).UpdateBook(context.Background(), 5, BookRequest{Title: "Dune", AuthorID: 7})
	assertAppError(t, err, http.StatusNotFound)
}

func TestAddCopies_Bounds(t *testing.T) {
	svc := NewService(&mockRepo{findBookFn: bookByID})

	for _, n := range []int{0, -1, maxCopiesPerRequest + 1} {
		_, err := svc.AddCopies(context.Background(), 1, n)
		assertAppError(t, err, http.StatusUnprocessableEntity)
	}
}

func TestAddCopies_ReturnsNewCount(t *testing.T) {
	shelved := 0
	repo := &mockRepo{
		findBookFn: bookByID,
		addCopiesFn: func(ctx context.Context, bookID int64, n int) (int64, error) {
			shelved += n
			return int64(n), nil
		},
		countCopiesFn: func(ctx context.Context, bookID int64) (int, error) {
			return shelved, nil
		},
	}

	book, err := NewService(repo).AddCopies(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, book.NumCopiesAvailable)
}

func TestAddCopies_UnknownBook(t *testing.T) {
	repo := &mockRepo{
		addCopiesFn: func(ctx context.Context, bookID int64, n int) (int64, error) {
			t.Fatal("AddCopies should not be called")
			return 0, nil
		},
	}

	_, err := NewService(repo).AddCopies(context.Background(), 1, 2)
	assertAppError(t, err, http.StatusNotFound)
}

func TestCreateAuthor(t *testing.T) {
	svc := NewService(&mockRepo{})

	author, err := svc.CreateAuthor(context.Background(), AuthorRequest{Name: " Ursula K. Le Guin "})
	require.NoError(t, err)
	assert.Equal(t, "Ursula K. Le Guin", author.Name)

	_, err = svc.CreateAuthor(context.Background(), AuthorRequest{Name: "   "})
	assertAppError(t, err, http.StatusBadRequest)
}
