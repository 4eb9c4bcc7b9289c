package search

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/ingest/config"
	"example.com/backstage/ingest/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient projects normalized events into Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client. It returns nil, nil
// when search is disabled.
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexName returns the prefixed index normalized events are written to
func (c *ElasticClient) IndexName() string {
	return config.FormatIndex(c.config, c.config.Index)
}

// IndexNormalizedEvent indexes a normalized event keyed by its normalized
// hash, so re-indexing the same event overwrites one document.
func (c *ElasticClient) IndexNormalizedEvent(ctx context.Context, event *models.NormalizedEvent) error {
	if c == nil {
		return nil
	}

	doc := map[string]interface{}{
		"id":              event.ID.String(),
		"client_id":       event.ClientID,
		"normalized_hash": event.NormalizedHash,
		"raw_event_id":    event.RawEventID.String(),
		"processed_at":    event.ProcessedAt.UTC().Format(time.RFC3339Nano),
	}
	if event.Metric != nil {
		doc["metric"] = *event.Metric
	}
	if event.Amount != nil {
		doc["amount"] = *event.Amount
	}
	if event.Timestamp != nil {
		doc["timestamp"] = event.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal normalized event document")
	}

	req := esapi.IndexRequest{
		Index:      c.IndexName(),
		DocumentID: event.NormalizedHash,
		Body:       bytes.NewReader(docJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return decodeError(res, "index")
	}

	log.Debug().
		Str("normalized_event_id", event.ID.String()).
		Str("index", c.IndexName()).
		Msg("Normalized event indexed")
	return nil
}

// SearchNormalizedEvents runs a raw query against the normalized event index
// and returns the document sources
func (c *ElasticClient) SearchNormalizedEvents(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	if c == nil {
		return nil, errors.New("search is disabled")
	}

	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	req := esapi.SearchRequest{
		Index: []string{c.IndexName()},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, decodeError(res, "search")
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source map[string]interface{} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	docs := make([]map[string]interface{}, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

// Ping checks the cluster is reachable
func (c *ElasticClient) Ping(ctx context.Context) error {
	if c == nil {
		return errors.New("search is disabled")
	}
	res, err := c.client.Ping(c.client.Ping.WithContext(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to ping Elasticsearch")
	}
	defer res.Body.Close()
	if res.IsError() {
		return errors.Errorf("Elasticsearch ping returned %s", res.Status())
	}
	return nil
}

func decodeError(res *esapi.Response, op string) error {
	var e map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
		return errors.Wrapf(err, "failed to parse Elasticsearch %s error response", op)
	}
	return errors.Errorf("Elasticsearch %s error: %v", op, e)
}
