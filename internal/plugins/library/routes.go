package library

import (
	"github.com/labstack/echo/v4"

	"github.com/keyxmakerx/stacks/internal/middleware"
)

// Namespace prefixes every library route name.
const Namespace = "library"

// RegisterRoutes mounts the library under g and records each route's
// "library:name" name in names for the request logger.
func RegisterRoutes(g *echo.Group, h *Handler, names *middleware.RouteNames) {
	name := func(r *echo.Route, n string) { names.Name(r, Namespace+":"+n) }

	name(g.GET("/books", h.ListBooks), "book-list")
	name(g.POST("/books", h.CreateBook), "book-create")
	name(g.GET("/books/:id", h.GetBook), "book-detail")
	name(g.PUT("/books/:id", h.UpdateBook), "book-update")
	name(g.DELETE("/books/:id", h.DeleteBook), "book-delete")
	name(g.POST("/books/:id/copies", h.AddCopies), "book-copies")

	name(g.GET("/authors", h.ListAuthors), "author-list")
	name(g.POST("/authors", h.CreateAuthor), "author-create")
}
