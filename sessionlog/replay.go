package sessionlog

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// tornTail describes a malformed final line.
type tornTail struct {
	line   int
	offset int
	err    error
}

// parseLog decodes a log. A malformed line is tolerated only when no valid
// line follows it; it is then reported as a torn tail.
func parseLog(sessionID string, data []byte) ([]Record, *tornTail, error) {
	var (
		records []Record
		pending *tornTail
	)
	offset := 0
	for lineNo := 1; offset < len(data); lineNo++ {
		end := bytes.IndexByte(data[offset:], '\n')
		var line []byte
		next := len(data)
		if end >= 0 {
			line = data[offset : offset+end]
			next = offset + end + 1
		} else {
			line = data[offset:]
		}

		if len(bytes.TrimSpace(line)) > 0 {
			if pending != nil {
				return nil, nil, &CorruptionError{SessionID: sessionID, Line: pending.line, Err: pending.err}
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				pending = &tornTail{line: lineNo, offset: offset, err: err}
			} else {
				records = append(records, rec)
			}
		}
		offset = next
	}
	return records, pending, nil
}

// checkLineage verifies that every parent id names an earlier record.
func checkLineage(sessionID string, records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.ID == "" {
			return &CorruptionError{SessionID: sessionID, Line: i + 1, Err: fmt.Errorf("record without id")}
		}
		if _, dup := seen[r.ID]; dup {
			return &CorruptionError{SessionID: sessionID, Line: i + 1, Err: fmt.Errorf("duplicate record id %s", r.ID)}
		}
		if r.ParentID != "" {
			if _, ok := seen[r.ParentID]; !ok {
				return &CorruptionError{SessionID: sessionID, Line: i + 1, Err: fmt.Errorf("parent %s does not precede record %s", r.ParentID, r.ID)}
			}
		} else if i > 0 {
			return &CorruptionError{SessionID: sessionID, Line: i + 1, Err: fmt.Errorf("record %s has no parent", r.ID)}
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}

// Chain returns the path from the root record to leafID, inclusive. An empty
// leafID selects the last record.
func Chain(records []Record, leafID string) ([]Record, error) {
	if len(records) == 0 {
		if leafID == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("record %s: %w", leafID, ErrNotFound)
	}
	if leafID == "" {
		leafID = records[len(records)-1].ID
	}
	byID := make(map[string]Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	cur, ok := byID[leafID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", leafID, ErrNotFound)
	}

	var chain []Record
	for {
		chain = append(chain, cur)
		if cur.ParentID == "" {
			break
		}
		if len(chain) > len(records) {
			return nil, fmt.Errorf("record %s: parent cycle: %w", leafID, ErrCorrupt)
		}
		cur, ok = byID[cur.ParentID]
		if !ok {
			return nil, fmt.Errorf("record %s: missing ancestor: %w", leafID, ErrCorrupt)
		}
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Head returns the id of the last record, or "" for an empty log.
func Head(records []Record) string {
	if len(records) == 0 {
		return ""
	}
	return records[len(records)-1].ID
}
