// Package events implements the event consumer (component H): it
// subscribes to the upstream file-event stream under a queue-group
// identity and feeds admitted paths into the streaming pipeline.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Admitter is the narrow view of the streaming pipeline the consumer
// depends on.
type Admitter interface {
	Admit(path string) error
}

// Remover is the narrow view of the processing-state registry needed to
// handle a delete event.
type Remover interface {
	Remove(path string)
}

// MetadataDeleter clears a file's persisted metadata.
type MetadataDeleter interface {
	Delete(path string) error
}

// Config controls the NATS connection and subscription.
type Config struct {
	URL        string
	Subject    string
	QueueGroup string
}

// FileEvent is the wire format of one upstream file-event notification.
type FileEvent struct {
	Kind string `json:"kind"` // "create" | "update" | "delete"
	Path string `json:"path"`
}

// Consumer subscribes to the file-event stream and drives the pipeline.
type Consumer struct {
	cfg      Config
	conn     *nats.Conn
	sub      *nats.Subscription
	pipeline Admitter
	registry Remover
	meta     MetadataDeleter
	log      *slog.Logger
}

// New connects to NATS and wires a Consumer. The connection is made
// eagerly so startup fails fast on a missing events endpoint.
func New(cfg Config, pipeline Admitter, registry Remover, meta MetadataDeleter, log *slog.Logger) (*Consumer, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("metacore-ingest"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect to %q: %w", cfg.URL, err)
	}

	return &Consumer{cfg: cfg, conn: conn, pipeline: pipeline, registry: registry, meta: meta, log: log}, nil
}

// Start subscribes under the configured queue group; multiple
// meta-core processes sharing a queue group receive each event exactly
// once.
func (c *Consumer) Start() error {
	sub, err := c.conn.QueueSubscribe(c.cfg.Subject, c.cfg.QueueGroup, c.handle)
	if err != nil {
		return fmt.Errorf("events: subscribe to %q: %w", c.cfg.Subject, err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes and closes the NATS connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// handle dispatches one event. Redelivery is tolerated by design: a
// create/update event re-admits the path, and the registry's
// AddDiscovered rejects duplicates silently.
func (c *Consumer) handle(msg *nats.Msg) {
	var evt FileEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		c.log.Warn("discarding malformed file event", "error", err)
		return
	}

	switch evt.Kind {
	case "create", "update":
		if err := c.pipeline.Admit(evt.Path); err != nil {
			c.log.Warn("admission failed", "path", evt.Path, "error", err)
		}
	case "delete":
		// Metadata first: the adapter resolves the path's hashId through
		// the registry, so the registry record must still exist.
		if err := c.meta.Delete(evt.Path); err != nil {
			c.log.Warn("metadata delete failed", "path", evt.Path, "error", err)
		}
		c.registry.Remove(evt.Path)
	default:
		c.log.Warn("unknown file event kind", "kind", evt.Kind, "path", evt.Path)
	}
}
