package router

const (
	IDParam     = "id"
	KindParam   = "kind"
	FilterParam = "filter"
)

// FilterCharacterLimit bounds AIP-160 filters. Parsing is not cheap, and this is more than enough for any
// listing an operator needs.
const FilterCharacterLimit = 1024

// MessageResponse is the body of operations that have nothing else to return.
type MessageResponse struct {
	Message string `json:"message"`
}
