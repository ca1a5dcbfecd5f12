package rest

import (
	"net/http"
	"net/url"
	"strconv"
)

// Page identifies a slice of a result set.
type Page struct {
	Number int
	Size   int
	Offset int
}

// Envelope is the paginated response body.
type Envelope struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  any     `json:"results"`
}

// Paginate resolves the page requested by r for a result set of total items.
// The page size comes from the configured query parameter, falls back to the
// default when missing or invalid and is capped at the configured maximum.
// A malformed or out-of-range page number is a 404.
func (a *API) Paginate(r *http.Request, total int) (Page, error) {
	query := r.URL.Query()

	size := a.settings.PageSize
	if raw := query.Get(a.settings.PageSizeParam); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			size = min(v, a.settings.MaxPageSize)
		}
	}

	number := 1
	if raw := query.Get("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return Page{}, NewError(http.StatusNotFound, "Invalid page.")
		}
		number = v
	}

	pages := max(1, (total+size-1)/size)
	if number > pages {
		return Page{}, NewError(http.StatusNotFound, "Invalid page.")
	}

	return Page{Number: number, Size: size, Offset: (number - 1) * size}, nil
}

// Bounds returns the [start, end) indexes of the page within total items.
func (p Page) Bounds(total int) (int, int) {
	start := min(p.Offset, total)
	end := min(p.Offset+p.Size, total)
	return start, end
}

// NewEnvelope wraps results with the count and the neighbouring page links.
func (a *API) NewEnvelope(r *http.Request, page Page, total int, results any) Envelope {
	env := Envelope{Count: total, Results: results}
	if page.Offset+page.Size < total {
		next := a.pageURL(r, page.Number+1)
		env.Next = &next
	}
	if page.Number > 1 {
		prev := a.pageURL(r, page.Number-1)
		env.Previous = &prev
	}
	return env
}

func (a *API) pageURL(r *http.Request, number int) string {
	u := url.URL{Path: r.URL.Path}
	query := r.URL.Query()
	if number == 1 {
		query.Del("page")
	} else {
		query.Set("page", strconv.Itoa(number))
	}
	u.RawQuery = query.Encode()
	return u.String()
}
