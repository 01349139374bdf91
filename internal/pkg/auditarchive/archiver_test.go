package auditarchive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a7csw/ResumeBuilder-sub001/app/models"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore"
	"github.com/a7csw/ResumeBuilder-sub001/internal/pkg/planstore/planstoretest"
)

type fakeUploader struct {
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) Upload(_ context.Context, key string, body []byte, _ string) error {
	if f.err != nil {
		return f.err
	}
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[key] = append([]byte(nil), body...)
	return nil
}

func seedEvents(t *testing.T, store planstore.Store, n int, status string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, ev, err := store.RecordBillingEvent(ctx, &models.BillingEvent{
			Provider:        models.BillingProviderGeneric,
			ProviderEventID: fmt.Sprintf("%s-%d", status, i),
			EventType:       "order_paid",
			Status:          models.BillingEventReceived,
		})
		require.NoError(t, err)
		require.NoError(t, store.FinishBillingEvent(ctx, ev.ID, status, "", "", time.Now().UTC()))
	}
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "billing-events/2026/03/07/abc.jsonl", ObjectKey(at, "abc"))
}

func TestRunArchivesFinishedEvents(t *testing.T) {
	store, db := planstoretest.NewStore(t)
	seedEvents(t, store, 5, models.BillingEventApplied)
	seedEvents(t, store, 2, models.BillingEventDeferred)

	up := &fakeUploader{}
	a := NewArchiver(store, up)
	a.batchSize = 2
	a.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	res, err := a.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Events)
	assert.Len(t, res.Objects, 3)
	assert.Len(t, up.objects, 3)

	lines := 0
	for key, body := range up.objects {
		assert.True(t, strings.HasPrefix(key, "billing-events/"))
		sc := bufio.NewScanner(bytes.NewReader(body))
		for sc.Scan() {
			var ev models.BillingEvent
			require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
			assert.Equal(t, models.BillingEventApplied, ev.Status)
			lines++
		}
	}
	assert.Equal(t, 5, lines)

	var pending int64
	require.NoError(t, db.Model(&models.BillingEvent{}).Where("archived_at IS NULL").Count(&pending).Error)
	assert.Equal(t, int64(2), pending, "deferred events stay in the live table")

	again, err := a.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, again.Events)
}

func TestRunKeepsEventsWhenUploadFails(t *testing.T) {
	store, db := planstoretest.NewStore(t)
	seedEvents(t, store, 3, models.BillingEventIgnored)

	a := NewArchiver(store, &fakeUploader{err: errors.New("bucket gone")})
	a.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	_, err := a.Run(context.Background(), 0)
	require.Error(t, err)

	var archived int64
	require.NoError(t, db.Model(&models.BillingEvent{}).Where("archived_at IS NOT NULL").Count(&archived).Error)
	assert.Zero(t, archived)
}

func TestRunRespectsCutoff(t *testing.T) {
	store, _ := planstoretest.NewStore(t)
	seedEvents(t, store, 2, models.BillingEventApplied)

	up := &fakeUploader{}
	res, err := NewArchiver(store, up).Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Events)
	assert.Empty(t, up.objects)
}
