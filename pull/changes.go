package pull

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ChangeEntry is one row of a changes message:
// [sequence, docID, revID, deleted?, bodySize?].
type ChangeEntry struct {
	Seq      Seq
	DocID    string
	RevID    string
	Deleted  bool
	BodySize ByteCount
}

// parseChanges decodes the body of a changes or proposeChanges message.
// A JSON null body or a non-array is malformed. An empty array is the
// remote's caught-up signal and decodes to an empty slice.
func parseChanges(body []byte) ([]ChangeEntry, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("changes: missing body")
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("changes: invalid JSON body: %w", err)
	}

	entries := make([]ChangeEntry, 0, len(rows))
	for _, row := range rows {
		var fields []json.RawMessage
		if err := json.Unmarshal(row, &fields); err != nil {
			return nil, fmt.Errorf("changes: invalid change row: %w", err)
		}
		entry := ChangeEntry{}
		if 0 < len(fields) {
			// string sequences unquote; anything else is kept exactly as
			// the remote encoded it
			raw := bytes.TrimSpace(fields[0])
			var str string
			if err := json.Unmarshal(raw, &str); err == nil {
				entry.Seq = Seq(str)
			} else if !bytes.Equal(raw, []byte("null")) {
				entry.Seq = Seq(raw)
			}
		}
		if 1 < len(fields) {
			json.Unmarshal(fields[1], &entry.DocID)
		}
		if 2 < len(fields) {
			json.Unmarshal(fields[2], &entry.RevID)
		}
		if 3 < len(fields) {
			var deleted any
			json.Unmarshal(fields[3], &deleted)
			switch v := deleted.(type) {
			case bool:
				entry.Deleted = v
			case float64:
				entry.Deleted = v != 0
			}
		}
		if 4 < len(fields) {
			var bodySize float64
			json.Unmarshal(fields[4], &bodySize)
			entry.BodySize = ByteCount(bodySize)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
