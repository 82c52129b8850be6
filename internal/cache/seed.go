package cache

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ImportSeed upserts every entry of a gzipped JSON bootstrap file into the
// cache. The file holds a single top-level object mapping DID → profile;
// it is decoded as a stream so multi-million-entry dumps do not need to fit
// in memory. Embedded cachedAt stamps are preserved. Returns the number of
// entries imported; null entries are skipped with a warning.
func (s *Store) ImportSeed(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("cache seed: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return 0, fmt.Errorf("cache seed: gzip: %w", err)
	}
	defer gz.Close()

	dec := json.NewDecoder(bufio.NewReader(gz))
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("cache seed: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return 0, fmt.Errorf("cache seed: expected top-level object, got %v", tok)
	}

	n := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return n, fmt.Errorf("cache seed: %w", err)
		}
		did, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n, fmt.Errorf("cache seed %s: %w", did, err)
		}

		if err := s.PutRaw(did, raw); err != nil {
			if errors.Is(err, ErrNullProfile) {
				slog.Warn("cache seed: skipping null entry", "did", did)
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}
