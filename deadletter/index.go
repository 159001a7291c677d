// Package deadletter indexes the bus's dead letters for inspection.
//
// Index is a bus.DeadLetterSink backed by an in-memory bleve index. It
// supports exact lookups by reason or recipient and bleve query-string
// searches such as `reason:queue_full topic:quotes` or free text over the
// event, topic, agents and a JSON payload.
package deadletter

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("dead-letter index closed")

// Config configures an Index.
type Config struct {
	// MaxPayloadText bounds how many payload bytes are indexed as text.
	// Non-UTF-8 payloads are never indexed.
	// Default: 4096
	MaxPayloadText int

	// DefaultLimit caps results when a query passes limit <= 0.
	// Default: 100
	DefaultLimit int

	// Logger for index events. Defaults to component "deadletter".
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPayloadText: 4096,
		DefaultLimit:   100,
	}
}

// document is what bleve stores for one dead letter.
type document struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"message_id"`
	Reason     string    `json:"reason"`
	Code       string    `json:"code"`
	Type       string    `json:"type"`
	Topic      string    `json:"topic"`
	Event      string    `json:"event"`
	Sender     string    `json:"sender"`
	Recipient  string    `json:"recipient"`
	Text       string    `json:"text"`
	RetryCount int       `json:"retry_count"`
	Time       time.Time `json:"time"`
}

// Index is an in-memory searchable dead-letter store.
type Index struct {
	config Config
	logger *logging.Logger

	mu      sync.RWMutex
	index   bleve.Index
	letters map[string]bus.DeadLetter
	closed  bool
}

var _ bus.DeadLetterSink = (*Index)(nil)

// NewIndex creates an empty in-memory index.
func NewIndex(cfg Config) (*Index, error) {
	def := DefaultConfig()
	if cfg.MaxPayloadText <= 0 {
		cfg.MaxPayloadText = def.MaxPayloadText
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("deadletter")
	}

	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}

	return &Index{
		config:  cfg,
		logger:  logger,
		index:   index,
		letters: make(map[string]bus.DeadLetter),
	}, nil
}

// buildIndexMapping maps identifiers as keywords and the free-text field
// through the standard analyzer.
func buildIndexMapping() mapping.IndexMapping {
	docMapping := bleve.NewDocumentMapping()

	keyword := bleve.NewKeywordFieldMapping()
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name

	for _, f := range []string{"id", "message_id", "reason", "code", "type", "topic", "event", "sender", "recipient"} {
		docMapping.AddFieldMappingsAt(f, keyword)
	}
	docMapping.AddFieldMappingsAt("text", text)
	docMapping.AddFieldMappingsAt("retry_count", bleve.NewNumericFieldMapping())
	docMapping.AddFieldMappingsAt("time", bleve.NewDateTimeFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

// HandleDeadLetter indexes dl. It is called by the bus's dead-letter
// processor.
func (x *Index) HandleDeadLetter(dl bus.DeadLetter) error {
	if dl.ID == "" || dl.Message == nil {
		return fmt.Errorf("dead letter missing id or message")
	}
	doc := x.toDocument(dl)

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}

	if err := x.index.Index(dl.ID, doc); err != nil {
		return fmt.Errorf("failed to index dead letter: %w", err)
	}
	x.letters[dl.ID] = dl
	return nil
}

func (x *Index) toDocument(dl bus.DeadLetter) document {
	msg := dl.Message
	parts := []string{msg.Event, msg.Topic, msg.Sender, dl.Recipient, string(dl.Reason)}
	if p := msg.Payload; len(p) > 0 && utf8.Valid(p) {
		if len(p) > x.config.MaxPayloadText {
			p = p[:x.config.MaxPayloadText]
		}
		parts = append(parts, string(p))
	}

	var code string
	if dl.Err != nil {
		code = string(dl.Err.Code())
	}

	return document{
		ID:         dl.ID,
		MessageID:  msg.ID,
		Reason:     string(dl.Reason),
		Code:       code,
		Type:       string(msg.Type),
		Topic:      msg.Topic,
		Event:      msg.Event,
		Sender:     msg.Sender,
		Recipient:  dl.Recipient,
		Text:       strings.Join(parts, " "),
		RetryCount: msg.RetryCount,
		Time:       dl.Time,
	}
}

// Search runs a bleve query string, e.g. `reason:queue_full` or
// `+event:tick +retry_count:>=2`. Results are oldest first.
func (x *Index) Search(queryString string, limit int) ([]bus.DeadLetter, error) {
	var q query.Query
	if strings.TrimSpace(queryString) == "" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(queryString)
	}
	return x.run(q, limit)
}

// ByReason returns dead letters with the given reason, oldest first.
func (x *Index) ByReason(reason bus.DeadLetterReason, limit int) ([]bus.DeadLetter, error) {
	return x.term("reason", string(reason), limit)
}

// ByRecipient returns dead letters addressed to agentID, oldest first.
func (x *Index) ByRecipient(agentID string, limit int) ([]bus.DeadLetter, error) {
	return x.term("recipient", agentID, limit)
}

// ByCode returns dead letters whose error carries code, e.g.
// ROUTING_FAILURE.
func (x *Index) ByCode(code swarmerr.ErrorCode, limit int) ([]bus.DeadLetter, error) {
	return x.term("code", string(code), limit)
}

// ByMessage returns every dead letter recorded for a message id; one
// message can fail for several recipients.
func (x *Index) ByMessage(messageID string) ([]bus.DeadLetter, error) {
	return x.term("message_id", messageID, 0)
}

func (x *Index) term(field, value string, limit int) ([]bus.DeadLetter, error) {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return x.run(q, limit)
}

func (x *Index) run(q query.Query, limit int) ([]bus.DeadLetter, error) {
	if limit <= 0 {
		limit = x.config.DefaultLimit
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.SortBy([]string{"time", "_id"})

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]bus.DeadLetter, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if dl, ok := x.letters[hit.ID]; ok {
			out = append(out, dl)
		}
	}
	return out, nil
}

// Count returns the number of indexed dead letters.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrClosed
	}
	return x.index.DocCount()
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.letters = nil
	if err := x.index.Close(); err != nil {
		x.logger.Warn("index_close_failed", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}
