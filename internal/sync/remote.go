// Package sync implements the offline-first reconciliation engine: it drains
// the local mutation queue to the remote sync service and merges remote
// deltas back into the local store without clobbering unpushed edits.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldbase/sitesync/internal/models"
)

// Change is one queued mutation in wire form.
type Change struct {
	Table     string          `json:"table"`
	Action    models.Action   `json:"action"`
	RecordID  string          `json:"recordId"`
	ClientID  string          `json:"clientId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PullRecord is one remote record returned by the pull endpoint. Data is the
// full record object; ID is extracted from its "id" field for keyed merging.
type PullRecord struct {
	ID   string
	Data json.RawMessage
}

// PullResponse holds per-table change sets plus the single cross-table
// watermark. The watermark is safe to persist only after every listed
// record has been durably merged.
type PullResponse struct {
	Tables        map[string][]PullRecord
	SyncTimestamp string
}

// UnmarshalJSON decodes the pull endpoint's flat shape:
// {"activities": [...], "equipment": [...], "syncTimestamp": "..."}.
func (p *PullResponse) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Tables = make(map[string][]PullRecord)
	for key, val := range raw {
		if key == "syncTimestamp" {
			if err := json.Unmarshal(val, &p.SyncTimestamp); err != nil {
				return fmt.Errorf("invalid syncTimestamp: %w", err)
			}
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal(val, &items); err != nil {
			return fmt.Errorf("invalid change set for table %q: %w", key, err)
		}

		records := make([]PullRecord, 0, len(items))
		for _, item := range items {
			var header struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(item, &header); err != nil {
				return fmt.Errorf("invalid record in table %q: %w", key, err)
			}
			if header.ID == "" {
				return fmt.Errorf("record in table %q has no id", key)
			}
			records = append(records, PullRecord{ID: header.ID, Data: item})
		}
		p.Tables[key] = records
	}
	return nil
}

// RemoteService is the server-side collaborator consumed by the engine.
// Push must accept or reject a batch as a whole and deduplicate CREATEs by
// clientId so a timed-out batch can be retried safely. Pull returns every
// change since the given watermark; an empty since means a full snapshot.
type RemoteService interface {
	Push(ctx context.Context, changes []Change) error
	Pull(ctx context.Context, since string) (*PullResponse, error)
}
