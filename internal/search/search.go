package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	RoomID  int64  `json:"roomId"`
	ChunkID int64  `json:"chunkId"`
	Index   int    `json:"index"`
	UserID  string `json:"userId"`
	Snippet string `json:"snippet"`
}

// Query describes a message search request.
type Query struct {
	Text   string
	RoomID int64 // 0 = all rooms
	Limit  int
	Offset int
}

// Response is the envelope returned by the search action.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index for a message.
type MessageRecord struct {
	ID      string `json:"id"` // "<roomID>-<chunkID>-<index>"
	RoomID  int64  `json:"roomId"`
	ChunkID int64  `json:"chunkId"`
	Index   int    `json:"index"`
	UserID  string `json:"userId"`
	Content string `json:"content"`
}
