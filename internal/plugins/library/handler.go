package library

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/stacks/internal/apperror"
)

// Handler handles HTTP requests for the library. Handlers are thin: bind
// request, call service, render response.
type Handler struct {
	service Service
}

// NewHandler creates a library handler backed by service.
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// ListBooks returns every book (GET /library/books).
func (h *Handler) ListBooks(c echo.Context) error {
	books, err := h.service.ListBooks(c.Request().Context())
	if err != nil {
		return err
	}
	if books == nil {
		books = []Book{}
	}
	return c.JSON(http.StatusOK, books)
}

// GetBook returns one book (GET /library/books/:id).
func (h *Handler) GetBook(c echo.Context) error {
	id, err := bookID(c)
	if err != nil {
		return err
	}

	book, err := h.service.GetBook(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, book)
}

// CreateBook adds a book to the catalogue (POST /library/books).
func (h *Handler) CreateBook(c echo.Context) error {
	var req BookRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid JSON body")
	}

	book, err := h.service.CreateBook(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, book)
}

// UpdateBook changes a book's title or author (PUT /library/books/:id).
func (h *Handler) UpdateBook(c echo.Context) error {
	id, err := bookID(c)
	if err != nil {
		return err
	}

	var req BookRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid JSON body")
	}

	book, err := h.service.UpdateBook(c.Request().Context(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, book)
}

// DeleteBook removes a book and its copies (DELETE /library/books/:id).
func (h *Handler) DeleteBook(c echo.Context) error {
	id, err := bookID(c)
	if err != nil {
		return err
	}

	if err := h.service.DeleteBook(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AddCopies shelves new copies of a book (POST /library/books/:id/copies).
func (h *Handler) AddCopies(c echo.Context) error {
	id, err := bookID(c)
	if err != nil {
		return err
	}

	req := AddCopiesRequest{Count: 1}
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid JSON body")
	}

	book, err := h.service.AddCopies(c.Request().Context(), id, req.Count)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, book)
}

// ListAuthors returns every author (GET /library/authors).
func (h *Handler) ListAuthors(c echo.Context) error {
	authors, err := h.service.ListAuthors(c.Request().Context())
	if err != nil {
		return err
	}
	if authors == nil {
		authors = []Author{}
	}
	return c.JSON(http.StatusOK, authors)
}

// CreateAuthor adds an author (POST /library/authors).
func (h *Handler) CreateAuthor(c echo.Context) error {
	var req AuthorRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid JSON body")
	}

	author, err := h.service.CreateAuthor(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, author)
}

func bookID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.NewBadRequest("invalid book ID")
	}
	return id, nil
}
