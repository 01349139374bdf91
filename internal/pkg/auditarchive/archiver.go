// Package auditarchive moves finished billing events to object storage as
// JSON lines and stamps them archived. Rows are never deleted here.
package auditarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
)

const defaultBatchSize = 500

// EventSource is the part of the plan store the archiver reads and stamps.
type EventSource interface {
	ListArchivableEvents(ctx context.Context, before time.Time, limit int) ([]models.BillingEvent, error)
	MarkEventsArchived(ctx context.Context, ids []uint, now time.Time) error
}

var _ EventSource = (planstore.Store)(nil)

type Archiver struct {
	source    EventSource
	uploader  Uploader
	batchSize int
	now       func() time.Time
}

func NewArchiver(source EventSource, uploader Uploader) *Archiver {
	return &Archiver{
		source:    source,
		uploader:  uploader,
		batchSize: defaultBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes one run.
type Result struct {
	Events  int
	Objects []string
}

// ObjectKey returns billing-events/YYYY/MM/DD/<id>.jsonl for a run at t.
func ObjectKey(t time.Time, id string) string {
	t = t.UTC()
	return fmt.Sprintf("billing-events/%04d/%02d/%02d/%s.jsonl", t.Year(), int(t.Month()), t.Day(), id)
}

// Run archives every finished event processed before now-olderThan, one
// object per batch. An event is stamped only after its object is stored, so a
// failed run repeats cleanly.
func (a *Archiver) Run(ctx context.Context, olderThan time.Duration) (Result, error) {
	var res Result
	now := a.now()
	cutoff := now.Add(-olderThan)

	for {
		events, err := a.source.ListArchivableEvents(ctx, cutoff, a.batchSize)
		if err != nil {
			return res, err
		}
		if len(events) == 0 {
			break
		}

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		ids := make([]uint, 0, len(events))
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return res, fmt.Errorf("failed to encode billing event %d: %w", events[i].ID, err)
			}
			ids = append(ids, events[i].ID)
		}

		key := ObjectKey(now, uuid.New().String())
		if err := a.uploader.Upload(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
			return res, err
		}
		if err := a.source.MarkEventsArchived(ctx, ids, now); err != nil {
			return res, err
		}

		log.Infof("[AuditArchive] Archived %d billing events to %s", len(ids), key)
		res.Events += len(ids)
		res.Objects = append(res.Objects, key)

		if len(events) < a.batchSize {
			break
		}
	}
	return res, nil
}
