package tokens

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type tokenFile struct {
	Sets        []map[string]string `json:"sets,omitempty"`
	Tokens      map[string]string   `json:"tokens,omitempty"`
	ExtractedAt string              `json:"extracted_at,omitempty"`
}

// LoadFile reads credential sets from a token file. Both the multi-set form
// {"sets":[...]} and the single-set form {"tokens":{...}} are accepted. The
// returned time is the file's extracted_at, or zero if absent.
func LoadFile(path string) ([]map[Kind]string, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read token file: %w", err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, time.Time{}, fmt.Errorf("parse token file: %w", err)
	}

	raw := tf.Sets
	if len(raw) == 0 && len(tf.Tokens) > 0 {
		raw = []map[string]string{tf.Tokens}
	}

	sets := make([]map[Kind]string, 0, len(raw))
	for i, entry := range raw {
		set := make(map[Kind]string, len(entry))
		for name, value := range entry {
			kind, err := ParseKind(name)
			if err != nil {
				return nil, time.Time{}, fmt.Errorf("token file set %d: %w", i+1, err)
			}
			set[kind] = value
		}
		sets = append(sets, set)
	}

	var extractedAt time.Time
	if tf.ExtractedAt != "" {
		extractedAt, err = time.Parse(time.RFC3339, tf.ExtractedAt)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("parse extracted_at: %w", err)
		}
	}

	return sets, extractedAt, nil
}

// SaveFile writes every set that still has a live credential
func SaveFile(path string, sets []Set) error {
	tf := tokenFile{ExtractedAt: time.Now().UTC().Format(time.RFC3339)}
	for _, set := range sets {
		entry := make(map[string]string)
		for _, c := range set.Credentials {
			if c.Status != Expired {
				entry[string(c.Kind)] = c.Value
			}
		}
		if len(entry) > 0 {
			tf.Sets = append(tf.Sets, entry)
		}
	}

	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename token file: %w", err)
	}
	return nil
}
