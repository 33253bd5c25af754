package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keyxmakerx/stacks/internal/apperror"
	"github.com/keyxmakerx/stacks/internal/dbconn"
)

// Repository defines the data access contract for the library. All SQL
// lives here.
type Repository interface {
	// ListBooks returns every book with its author's name, by ID.
	ListBooks(ctx context.Context) ([]Book, error)

	// FindBook retrieves one book by ID.
	FindBook(ctx context.Context, id int64) (*Book, error)

	// CreateBook inserts book and sets its ID.
	CreateBook(ctx context.Context, book *Book) error

	// UpdateBook changes a book's title and author.
	UpdateBook(ctx context.Context, book *Book) error

	// DeleteBook removes a book. Its copies go with it.
	DeleteBook(ctx context.Context, id int64) error

	// CountAvailableCopies counts the copies of a book that are not borrowed.
	CountAvailableCopies(ctx context.Context, bookID int64) (int, error)

	// AddCopies shelves n new copies of a book as one batch.
	AddCopies(ctx context.Context, bookID int64, n int) (int64, error)

	// ListAuthors returns every author by name.
	ListAuthors(ctx context.Context) ([]Author, error)

	// CreateAuthor inserts author and sets its ID.
	CreateAuthor(ctx context.Context, author *Author) error

	// AuthorExists reports whether an author with id exists.
	AuthorExists(ctx context.Context, id int64) (bool, error)
}

// repository implements Repository over an instrumented connection.
type repository struct {
	conn *dbconn.Connection
	db   *sql.DB
	now  func() time.Time
}

// NewRepository creates a Repository backed by conn.
func NewRepository(conn *dbconn.Connection) Repository {
	return &repository{conn: conn, db: conn.DB(), now: time.Now}
}

const bookColumns = `b.id, b.title, b.author_id, a.name, b.published_date`

func scanBook(row interface{ Scan(...any) error }) (Book, error) {
	var b Book
	err := row.Scan(&b.ID, &b.Title, &b.AuthorID, &b.AuthorName, &b.PublishedDate)
	return b, err
}

func (r *repository) ListBooks(ctx context.Context) ([]Book, error) {
	query := `SELECT ` + bookColumns + `
	          FROM books b
	          JOIN authors a ON a.id = b.author_id
	          ORDER BY b.id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing books: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

func (r *repository) FindBook(ctx context.Context, id int64) (*Book, error) {
	query := `SELECT ` + bookColumns + `
	          FROM books b
	          JOIN authors a ON a.id = b.author_id
	          WHERE b.id = ?`

	b, err := scanBook(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("book not found")
	}
	if err != nil {
		return nil, fmt.Errorf("finding book %d: %w", id, err)
	}
	return &b, nil
}

func (r *repository) CreateBook(ctx context.Context, book *Book) error {
	book.PublishedDate = r.now().UTC().Truncate(time.Second)

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO books (title, author_id, published_date) VALUES (?, ?, ?)`,
		book.Title, book.AuthorID, book.PublishedDate,
	)
	if err != nil {
		return fmt.Errorf("inserting book: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	book.ID = id
	return nil
}

func (r *repository) UpdateBook(ctx context.Context, book *Book) error {
	// published_date is an auto-now column.
	book.PublishedDate = r.now().UTC().Truncate(time.Second)

	result, err := r.db.ExecContext(ctx,
		`UPDATE books SET title = ?, author_id = ?, published_date = ? WHERE id = ?`,
		book.Title, book.AuthorID, book.PublishedDate, book.ID,
	)
	if err != nil {
		return fmt.Errorf("updating book %d: %w", book.ID, err)
	}
	return requireRow(result, "book not found")
}

func (r *repository) DeleteBook(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting book %d: %w", id, err)
	}
	return requireRow(result, "book not found")
}

func (r *repository) CountAvailableCopies(ctx context.Context, bookID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM physical_books WHERE book_id = ? AND borrowed_at IS NULL`,
		bookID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting copies of book %d: %w", bookID, err)
	}
	return n, nil
}

func (r *repository) AddCopies(ctx context.Context, bookID int64, n int) (int64, error) {
	argSets := make([][]any, n)
	for i := range argSets {
		argSets[i] = []any{bookID}
	}

	added, err := r.conn.ExecBatch(ctx, `INSERT INTO physical_books (book_id) VALUES (?)`, argSets)
	if err != nil {
		return added, fmt.Errorf("adding copies of book %d: %w", bookID, err)
	}
	return added, nil
}

func (r *repository) ListAuthors(ctx context.Context) ([]Author, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name FROM authors ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("listing authors: %w", err)
	}
	defer rows.Close()

	var authors []Author
	for rows.Next() {
		var a Author
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, fmt.Errorf("scanning author: %w", err)
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

func (r *repository) CreateAuthor(ctx context.Context, author *Author) error {
	result, err := r.db.ExecContext(ctx, `INSERT INTO authors (name) VALUES (?)`, author.Name)
	if err != nil {
		return fmt.Errorf("inserting author: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	author.ID = id
	return nil
}

func (r *repository) AuthorExists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM authors WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking author %d: %w", id, err)
	}
	return true, nil
}

// requireRow turns "0 rows affected" into a 404.
func requireRow(result sql.Result, notFound string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return apperror.NewNotFound(notFound)
	}
	return nil
}
