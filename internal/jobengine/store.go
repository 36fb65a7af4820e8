package jobengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lapig-ufg/tiles/internal/apierr"
	"github.com/lapig-ufg/tiles/internal/metastore"
	"github.com/lapig-ufg/tiles/internal/model"
)

// jobRecordTTL bounds how long a terminal JobRecord stays queryable via
// GET /tasks/{id} before MetaStore reclaims it.
const jobRecordTTL = 24 * time.Hour

// JobStore persists JobRecord state in MetaStore under "job:<id>", the same
// small-value KV role MetaStore plays for mosaic handles.
type JobStore struct {
	meta metastore.Store
}

func NewJobStore(meta metastore.Store) *JobStore {
	return &JobStore{meta: meta}
}

func jobKey(id string) string { return "job:" + id }

func (s *JobStore) Save(ctx context.Context, rec model.JobRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	if err := s.meta.Set(ctx, jobKey(rec.ID), body, jobRecordTTL); err != nil {
		return apierr.Wrap(apierr.Internal, "job store write failed", err)
	}
	return nil
}

// Get returns the current JobRecord for id, apierr.NotFound if absent.
func (s *JobStore) Get(ctx context.Context, id string) (model.JobRecord, error) {
	raw, ok, err := s.meta.Get(ctx, jobKey(id))
	if err != nil {
		return model.JobRecord{}, apierr.Wrap(apierr.Internal, "job store read failed", err)
	}
	if !ok {
		return model.JobRecord{}, apierr.New(apierr.NotFound, "unknown job id")
	}
	var rec model.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return model.JobRecord{}, apierr.Wrap(apierr.Internal, "job record corrupt", err)
	}
	return rec, nil
}
