package screenshot

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Store writes screenshot binaries to disk and hands back opaque URL
// references. Binary data never travels on the event stream or into the
// message log; only these references do.
type Store struct {
	Dir       string
	URLPrefix string
}

// Save decodes a base64 screenshot payload (optionally a data: URL) and
// writes it under a generated name. It returns the retrievable reference,
// or an empty reference when raw carries no payload.
func (s *Store) Save(raw string) (string, error) {
	payload := strings.TrimSpace(raw)
	if payload == "" {
		return "", nil
	}
	if strings.HasPrefix(payload, "data:image") {
		_, rest, ok := strings.Cut(payload, ",")
		if !ok {
			return "", fmt.Errorf("malformed data url")
		}
		payload = rest
	}
	if payload == "" {
		return "", nil
	}

	binary, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	filename := strings.ToLower(ulid.Make().String()) + ".png"
	if err := os.WriteFile(filepath.Join(s.Dir, filename), binary, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return s.URLPrefix + "/" + filename, nil
}
