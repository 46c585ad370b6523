package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDocuments = "eaip_documents"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the document index.
// The returned instance is usable even when the initial connection fails;
// the health loop will reconfigure once Meilisearch comes back.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxDocuments, err)
	}

	index := m.client.Index(idxDocuments)
	filterable := []string{"orgId", "country", "status", "airacCycle"}
	filterableInterface := make([]interface{}, len(filterable))
	for i, v := range filterable {
		filterableInterface[i] = v
	}
	if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxDocuments, err)
	}
	searchable := []string{"title", "documentId", "airport", "country"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxDocuments, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the document index scoped to a single organisation.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	if q.OrgID == "" {
		return nil, 0, fmt.Errorf("search: query missing org id")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	filters := []string{fmt.Sprintf("orgId = %q", q.OrgID)}
	if q.Country != "" {
		filters = append(filters, fmt.Sprintf("country = %q", q.Country))
	}
	if q.Status != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.Status))
	}

	resp, err := m.client.Index(idxDocuments).Search(q.Text, &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		Filter:                filters,
		AttributesToHighlight: []string{"title"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

// IndexDocument upserts a single catalog record.
func (m *Meili) IndexDocument(rec DocumentRecord) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]DocumentRecord{rec}, nil)
	return err
}

// IndexDocuments upserts a batch of catalog records, used for reindexing.
func (m *Meili) IndexDocuments(recs []DocumentRecord) error {
	_, err := m.client.Index(idxDocuments).AddDocuments(recs, nil)
	return err
}

// DeleteDocument removes a catalog record from the index.
func (m *Meili) DeleteDocument(orgID, documentID string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(RecordID(orgID, documentID), nil)
	return err
}

func hitToResult(hit interface{}) Result {
	var r Result
	raw, err := json.Marshal(hit)
	if err != nil {
		return r
	}

	var rec struct {
		DocumentRecord
		Formatted struct {
			Title string `json:"title"`
		} `json:"_formatted"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return r
	}

	r = Result{
		ID:            rec.ID,
		OrgID:         rec.OrgID,
		DocumentID:    rec.DocumentID,
		Title:         rec.Title,
		Status:        rec.Status,
		Country:       rec.Country,
		Airport:       rec.Airport,
		AiracCycle:    rec.AiracCycle,
		EffectiveDate: rec.EffectiveDate,
	}
	if rec.Formatted.Title != "" {
		r.Snippet = rec.Formatted.Title
	}
	return r
}
