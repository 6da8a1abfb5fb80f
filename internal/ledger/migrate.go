package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wrangle-dev/wrangle/internal/models"
)

// CurrentVersion is the ledger file format written by this build.
//
// Format history:
//
//	v1: bare JSON array of snake_case change objects, no envelope
//	v2: {"version": 2, "changes": [...]} with snake_case keys and no
//	    merge source
//	v3: camelCase keys, mergeSource records the branch the files came from
const CurrentVersion = 3

// legacyChange covers both v1 and v2 entry shapes.
type legacyChange struct {
	TaskID      string    `json:"task_id"`
	SpecName    string    `json:"spec_name"`
	Files       []string  `json:"files"`
	StagedAt    time.Time `json:"staged_at"`
	MergeSource string    `json:"merge_source"`
}

func (c legacyChange) upgrade() models.StagedChange {
	source := c.MergeSource
	if source == "" {
		// Pre-v3 ledgers always staged from the task's own branch.
		source = "wrangle/" + c.TaskID
	}
	return models.StagedChange{
		TaskID:      c.TaskID,
		SpecName:    c.SpecName,
		Files:       c.Files,
		StagedAt:    c.StagedAt,
		MergeSource: source,
	}
}

// decodeStore parses any supported ledger format and reports whether the
// input was an older version that should be rewritten in the current one.
func decodeStore(data []byte) (models.StagedChangesStore, bool, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return decodeV1(data)
	}

	var probe struct {
		Version int             `json:"version"`
		Changes json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return models.StagedChangesStore{}, false, err
	}

	switch {
	case probe.Version >= CurrentVersion:
		var store models.StagedChangesStore
		if err := json.Unmarshal(data, &store); err != nil {
			return models.StagedChangesStore{}, false, err
		}
		return store, false, nil
	case probe.Version == 2:
		return decodeV2(probe.Changes)
	default:
		return models.StagedChangesStore{}, false,
			fmt.Errorf("unsupported ledger version %d", probe.Version)
	}
}

func decodeV1(data []byte) (models.StagedChangesStore, bool, error) {
	var legacy []legacyChange
	if err := json.Unmarshal(data, &legacy); err != nil {
		return models.StagedChangesStore{}, false, err
	}
	return upgradeLegacy(legacy), true, nil
}

func decodeV2(changes json.RawMessage) (models.StagedChangesStore, bool, error) {
	var legacy []legacyChange
	if len(changes) > 0 {
		if err := json.Unmarshal(changes, &legacy); err != nil {
			return models.StagedChangesStore{}, false, err
		}
	}
	return upgradeLegacy(legacy), true, nil
}

func upgradeLegacy(legacy []legacyChange) models.StagedChangesStore {
	store := models.StagedChangesStore{Version: CurrentVersion}
	for _, c := range legacy {
		store.Changes = append(store.Changes, c.upgrade())
	}
	return store
}
