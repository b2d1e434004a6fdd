package shared

// Default and maximum page sizes for listings such as the day book.
const (
	DefaultPerPage = 20
	MaxPerPage     = 200
)

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"perPage"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
}

// NewPagination clamps page and perPage and derives the page count.
func NewPagination(page, perPage, total int) Pagination {
	switch {
	case perPage <= 0:
		perPage = DefaultPerPage
	case perPage > MaxPerPage:
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	totalPages := (total + perPage - 1) / perPage
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// Paginate returns the items on the requested page. A page past the end is
// empty, not an error.
func Paginate[T any](items []T, page, perPage int) ([]T, Pagination) {
	p := NewPagination(page, perPage, len(items))
	start := (p.Page - 1) * p.PerPage
	if start >= len(items) {
		return []T{}, p
	}
	end := min(start+p.PerPage, len(items))
	return items[start:end], p
}
