package ebook

// Mode is the single-flight state of the client. At most one search or book
// transfer is in progress at a time.
type Mode int

const (
	ModeIdle Mode = iota
	ModeAwaitingSearch
	ModeAwaitingBook
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAwaitingSearch:
		return "awaiting_search"
	case ModeAwaitingBook:
		return "awaiting_book"
	default:
		return "unknown"
	}
}

// SearchResult is the outcome of a search. NoResults reports the bot replied
// with a no-matches notice, or that no usable listing will arrive; otherwise
// Path points at the downloaded results archive.
type SearchResult struct {
	Path      string
	NoResults bool
}
