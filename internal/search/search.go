package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID            string `json:"id"`
	OrgID         string `json:"orgId"`
	DocumentID    string `json:"documentId"`
	Title         string `json:"title"`
	Snippet       string `json:"snippet"`
	Status        string `json:"status"`
	Country       string `json:"country"`
	Airport       string `json:"airport,omitempty"`
	AiracCycle    string `json:"airacCycle"`
	EffectiveDate string `json:"effectiveDate"`
}

// Query describes a search request. OrgID is mandatory: results never
// cross organisation boundaries.
type Query struct {
	Text    string
	OrgID   string
	Country string // empty = all countries
	Status  string // empty = all statuses
	Limit   int
	Offset  int
}

// Response is the envelope returned by the search operation.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the document catalog.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push catalog records into a search index.
type Indexer interface {
	IndexDocument(rec DocumentRecord) error
	DeleteDocument(orgID, documentID string) error
}

// DocumentRecord is the data we index for a document snapshot.
type DocumentRecord struct {
	ID            string `json:"id"` // orgID:documentID, unique across orgs
	OrgID         string `json:"orgId"`
	DocumentID    string `json:"documentId"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	Country       string `json:"country"`
	Airport       string `json:"airport"`
	AiracCycle    string `json:"airacCycle"`
	EffectiveDate string `json:"effectiveDate"`
}

// RecordID builds the cross-org unique primary key for a catalog record.
func RecordID(orgID, documentID string) string {
	return orgID + ":" + documentID
}
