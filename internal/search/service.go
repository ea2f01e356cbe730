package search

import (
	"context"
	"log"
	"strconv"
)

// Service tries Meilisearch first and falls back to Postgres full-text search.
type Service struct {
	index Index
	pgfts Searcher
}

// Index is a searcher that also accepts writes, like Meili.
type Index interface {
	Searcher
	IndexLines(records []LineRecord) error
	DeleteLine(id string) error
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts Searcher) *Service {
	if meili == nil {
		return newService(nil, pgfts)
	}
	return newService(meili, pgfts)
}

func newService(index Index, pgfts Searcher) *Service {
	return &Service{index: index, pgfts: pgfts}
}

func (s *Service) Search(q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexLine indexes a line in the background. Postgres FTS needs no
// indexing, so nothing happens without Meilisearch.
func (s *Service) IndexLine(r LineRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	if r.ID == "" {
		r.ID = strconv.FormatInt(r.LineID, 10)
	}
	go func() {
		if err := s.index.IndexLines([]LineRecord{r}); err != nil {
			log.Printf("search: index line %s: %v", r.ID, err)
		}
	}()
}

func (s *Service) DeleteLine(lineID int64) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	id := strconv.FormatInt(lineID, 10)
	go func() {
		if err := s.index.DeleteLine(id); err != nil {
			log.Printf("search: delete line %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG pushes every line from Postgres into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if s.index == nil || !s.index.Healthy() || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.index.IndexLines(records); err != nil {
		log.Printf("search: reindex lines: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
