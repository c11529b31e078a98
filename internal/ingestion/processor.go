package ingestion

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/cache/redis"
	"github.com/ragadmin/backend/internal/groundtruth"
	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/vector"
	"github.com/ragadmin/backend/pkg/logger"
	"github.com/ragadmin/backend/pkg/utils"
)

// GroundTruthInvalidator marks persisted ground truth stale when its source
// document disappears. Records are invalidated, never deleted.
type GroundTruthInvalidator interface {
	InvalidateGroundTruthByDocument(sourceDocID string, at time.Time) error
}

// Processor turns uploaded admin documents into namespace vectors and tells
// the coordinator about every change so schemas regenerate. Tabular content
// is extracted row by row; each row becomes one vector whose metadata bag is
// the row's columns.
type Processor struct {
	store       vector.Store
	embedder    llm.Embedder
	coordinator *pipeline.Coordinator
	cache       *redis.Client
	invalidator GroundTruthInvalidator

	mu   sync.Mutex
	docs map[string]map[string]string
}

func NewProcessor(
	store vector.Store,
	embedder llm.Embedder,
	coordinator *pipeline.Coordinator,
	cache *redis.Client,
	invalidator GroundTruthInvalidator,
) *Processor {
	return &Processor{
		store:       store,
		embedder:    embedder,
		coordinator: coordinator,
		cache:       cache,
		invalidator: invalidator,
		docs:        make(map[string]map[string]string),
	}
}

// ProcessDocument ingests one HTML document into a namespace and schedules
// a schema regeneration. Returns the extracted source rows so callers can
// feed verified documents into ground-truth extraction.
func (p *Processor) ProcessDocument(ctx context.Context, namespace, docID, htmlContent string) ([]groundtruth.SourceRow, error) {
	logger.Info("Processing document",
		zap.String("namespace", namespace),
		zap.String("doc_id", docID),
	)

	rows, err := ExtractTableRows(htmlContent)
	if err != nil {
		return nil, fmt.Errorf("extract tables: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no tabular content extracted from document %s", docID)
	}

	vectors, err := p.vectorize(ctx, docID, rows)
	if err != nil {
		return nil, err
	}

	if err := p.store.Upsert(ctx, namespace, vectors); err != nil {
		return nil, fmt.Errorf("upsert vectors: %w", err)
	}

	p.remember(namespace, docID, htmlContent)
	p.notifyChange(ctx, namespace, "document_upload", docID)

	metrics.DocumentsProcessed.Inc()
	logger.Info("Document processed",
		zap.String("namespace", namespace),
		zap.String("doc_id", docID),
		zap.Int("rows", len(rows)),
	)

	return rows, nil
}

// DeleteDocument invalidates the document's ground truth and regenerates
// the namespace schema. When the namespace's last document goes, all its
// pipeline state goes with it.
func (p *Processor) DeleteDocument(ctx context.Context, namespace, docID string) error {
	if p.invalidator != nil {
		if err := p.invalidator.InvalidateGroundTruthByDocument(docID, time.Now()); err != nil {
			logger.Warn("Ground truth invalidation failed",
				zap.String("doc_id", docID),
				zap.Error(err),
			)
		}
	}

	last := p.forget(namespace, docID)
	if last {
		if err := p.store.DeleteNamespace(ctx, namespace); err != nil {
			return fmt.Errorf("delete namespace vectors: %w", err)
		}
		p.coordinator.ClearNamespace(namespace)
		p.invalidateCache(ctx, namespace)
		logger.Info("Namespace removed with last document",
			zap.String("namespace", namespace),
			zap.String("doc_id", docID),
		)
		return nil
	}

	p.notifyChange(ctx, namespace, "document_delete", docID)
	return nil
}

// Reembed re-vectorizes every remembered document in a namespace, used when
// the optimizer decides retrieval relevance is the problem.
func (p *Processor) Reembed(ctx context.Context, namespace string) error {
	p.mu.Lock()
	docs := make(map[string]string, len(p.docs[namespace]))
	for id, html := range p.docs[namespace] {
		docs[id] = html
	}
	p.mu.Unlock()

	if len(docs) == 0 {
		return fmt.Errorf("no documents held for namespace %s", namespace)
	}

	for docID, html := range docs {
		rows, err := ExtractTableRows(html)
		if err != nil || len(rows) == 0 {
			continue
		}
		vectors, verr := p.vectorize(ctx, docID, rows)
		if verr != nil {
			return verr
		}
		if uerr := p.store.Upsert(ctx, namespace, vectors); uerr != nil {
			return fmt.Errorf("re-embed upsert: %w", uerr)
		}
	}

	p.invalidateCache(ctx, namespace)
	return nil
}

var _ pipeline.Reembedder = (*Processor)(nil)

func (p *Processor) vectorize(ctx context.Context, docID string, rows []groundtruth.SourceRow) ([]vector.Vector, error) {
	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = rowText(row)
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed rows: %w", err)
	}
	if len(embeddings) != len(rows) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(rows))
	}

	vectors := make([]vector.Vector, 0, len(rows))
	for i, row := range rows {
		metadata := make(map[string]interface{}, len(row.Cells)+3)
		for column, value := range row.Cells {
			metadata[column] = value
		}
		metadata["text"] = texts[i]
		metadata["sourceDocId"] = docID
		metadata["sheet"] = row.Sheet

		vectors = append(vectors, vector.Vector{
			ID:        fmt.Sprintf("%s_row_%d", docID, row.Index),
			Embedding: embeddings[i],
			Metadata:  metadata,
		})
	}
	return vectors, nil
}

func (p *Processor) notifyChange(ctx context.Context, namespace, reason, docID string) {
	p.coordinator.RequestUpdate(namespace, reason, docID)
	p.invalidateCache(ctx, namespace)
}

func (p *Processor) invalidateCache(ctx context.Context, namespace string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateNamespace(ctx, namespace); err != nil {
		logger.Debug("Cache invalidation failed",
			zap.String("namespace", namespace),
			zap.Error(err),
		)
	}
}

func (p *Processor) remember(namespace, docID, html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.docs[namespace] == nil {
		p.docs[namespace] = make(map[string]string)
	}
	p.docs[namespace][docID] = html
}

// forget reports whether the namespace is now empty.
func (p *Processor) forget(namespace, docID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.docs[namespace], docID)
	if len(p.docs[namespace]) == 0 {
		delete(p.docs, namespace)
		return true
	}
	return false
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// ExtractTableRows parses every table in the document. The first row's th
// or td cells become column names; each following row becomes one SourceRow
// keyed by those names. Tables without headers are skipped.
func ExtractTableRows(htmlContent string) ([]groundtruth.SourceRow, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return nil, err
	}

	var rows []groundtruth.SourceRow
	index := 0

	doc.Find("table").Each(func(tableIdx int, table *goquery.Selection) {
		sheet := tableName(table, tableIdx)

		var headers []string
		table.Find("tr").Each(func(rowIdx int, tr *goquery.Selection) {
			if rowIdx == 0 {
				tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
					headers = append(headers, cleanCell(cell.Text()))
				})
				return
			}
			if len(headers) == 0 {
				return
			}

			cells := make(map[string]interface{}, len(headers))
			tr.Find("td").Each(func(cellIdx int, cell *goquery.Selection) {
				if cellIdx >= len(headers) || headers[cellIdx] == "" {
					return
				}
				cells[headers[cellIdx]] = cleanCell(cell.Text())
			})
			if len(cells) == 0 {
				return
			}

			rows = append(rows, groundtruth.SourceRow{
				Sheet: sheet,
				Index: index,
				Cells: cells,
			})
			index++
		})
	})

	return rows, nil
}

func tableName(table *goquery.Selection, tableIdx int) string {
	if caption := cleanCell(table.Find("caption").First().Text()); caption != "" {
		return caption
	}
	if id, ok := table.Attr("id"); ok && id != "" {
		return id
	}
	return fmt.Sprintf("table_%d", tableIdx)
}

func cleanCell(s string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// DocumentID derives a stable id from document content so re-uploads of the
// same file overwrite rather than duplicate.
func DocumentID(content string) string {
	return utils.HashString(content)
}
