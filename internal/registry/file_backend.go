package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gowa-gateway/internal/model"

	"github.com/google/renameio/v2"
)

// fileRecord is the on-disk shape of one session, createdAt in epoch millis.
type fileRecord struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	AutoStart     bool   `json:"autoStart"`
	WebhookURL    string `json:"webhookUrl,omitempty"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	OwnerID       string `json:"ownerId,omitempty"`
}

type fileDocument struct {
	Sessions map[string]fileRecord `json:"sessions"`
}

// FileBackend stores the registry as a single JSON document, rewritten
// atomically on every change.
type FileBackend struct {
	path string

	mu      sync.Mutex
	records map[string]fileRecord
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, records: make(map[string]fileRecord)}
}

func (b *FileBackend) Load(_ context.Context) ([]model.SessionMeta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", b.path, err)
	}

	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}

	out := make([]model.SessionMeta, 0, len(doc.Sessions))
	for key, rec := range doc.Sessions {
		if rec.ID == "" {
			rec.ID = key
		}
		b.records[rec.ID] = rec
		out = append(out, model.SessionMeta{
			ID:            rec.ID,
			Label:         rec.Label,
			AutoStart:     rec.AutoStart,
			WebhookURL:    rec.WebhookURL,
			WebhookSecret: rec.WebhookSecret,
			OwnerID:       rec.OwnerID,
			CreatedAt:     time.UnixMilli(rec.CreatedAt),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *FileBackend) Save(_ context.Context, meta model.SessionMeta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.records[meta.ID] = fileRecord{
		ID:            meta.ID,
		Label:         meta.Label,
		AutoStart:     meta.AutoStart,
		WebhookURL:    meta.WebhookURL,
		WebhookSecret: meta.WebhookSecret,
		CreatedAt:     meta.CreatedAt.UnixMilli(),
		OwnerID:       meta.OwnerID,
	}
	return b.flush()
}

func (b *FileBackend) Delete(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.records, id)
	return b.flush()
}

func (b *FileBackend) flush() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	body, err := json.MarshalIndent(fileDocument{Sessions: b.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	pending, err := renameio.NewPendingFile(b.path, renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("create pending registry file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(body); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace registry: %w", err)
	}
	return nil
}
