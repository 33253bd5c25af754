package library

import "time"

// Author writes books.
type Author struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Book is a title in the catalogue. Copies on the shelf are PhysicalBooks.
type Book struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	AuthorID      int64     `json:"author"`
	AuthorName    string    `json:"author_name"`
	PublishedDate time.Time `json:"published_date"`

	// NumCopiesAvailable counts copies that are not borrowed. Filled in by
	// the service, not stored.
	NumCopiesAvailable int `json:"num_copies_available"`
}

// PhysicalBook is one copy of a Book. A nil BorrowedAt means it is on the
// shelf.
type PhysicalBook struct {
	ID         int64      `json:"id"`
	BookID     int64      `json:"book"`
	BorrowedAt *time.Time `json:"borrowed_at"`
	BorrowedBy *int64     `json:"borrowed_by"`
}

// --- Request DTOs ---

// BookRequest is the body of POST /library/books and PUT /library/books/:id.
type BookRequest struct {
	Title    string `json:"title"`
	AuthorID int64  `json:"author"`
}

// AuthorRequest is the body of POST /library/authors.
type AuthorRequest struct {
	Name string `json:"name"`
}

// AddCopiesRequest is the body of POST /library/books/:id/copies.
type AddCopiesRequest struct {
	Count int `json:"count"`
}

// maxCopiesPerRequest bounds AddCopiesRequest.Count.
const maxCopiesPerRequest = 100
