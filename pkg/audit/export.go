package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ontoforge/oms/pkg/canonicalize"
	"github.com/ontoforge/oms/pkg/contracts"
)

// Filter narrows an export. Zero values match everything.
type Filter struct {
	ActorID      string
	Action       string
	ResourceType string
	Branch       string
	Since        time.Time
	Until        time.Time
}

func (f Filter) matches(ev *contracts.AuditEvent) bool {
	if f.ActorID != "" && ev.Actor.ID != f.ActorID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && ev.Target.ResourceType != f.ResourceType {
		return false
	}
	if f.Branch != "" && ev.Target.Branch != f.Branch {
		return false
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// MemoryStore keeps the trail in process, deduplicated by event id.
type MemoryStore struct {
	mu     sync.Mutex
	events []*contracts.AuditEvent
	seen   map[string]struct{}
}

// NewMemoryStore creates an empty archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) Append(ctx context.Context, ev *contracts.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[ev.ID]; dup {
		return nil
	}
	s.seen[ev.ID] = struct{}{}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*contracts.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*contracts.AuditEvent
	for _, ev := range s.events {
		if f.matches(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Exporter renders the archived trail for compliance review.
type Exporter struct {
	store Store
}

// NewExporter creates an exporter over the archive.
func NewExporter(s Store) *Exporter {
	return &Exporter{store: s}
}

// ExportNDJSON streams matching events as newline-delimited JSON and returns
// the number written.
func (e *Exporter) ExportNDJSON(ctx context.Context, w io.Writer, f Filter) (int, error) {
	events, err := e.store.List(ctx, f)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return i, fmt.Errorf("audit: export write: %w", err)
		}
	}
	return len(events), nil
}

// packManifest indexes an evidence pack and pins its content hash.
type packManifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	Checksum    string    `json:"checksum"`
	Filter      struct {
		ActorID      string `json:"actor_id,omitempty"`
		Action       string `json:"action,omitempty"`
		ResourceType string `json:"resource_type,omitempty"`
		Branch       string `json:"branch,omitempty"`
	} `json:"filter"`
}

// EvidencePack bundles the matching events and a checksummed manifest into a
// zip for hand-off to external reviewers.
func (e *Exporter) EvidencePack(ctx context.Context, f Filter, generatedAt time.Time) ([]byte, string, error) {
	var trail bytes.Buffer
	count, err := e.ExportNDJSON(ctx, &trail, f)
	if err != nil {
		return nil, "", err
	}
	checksum := canonicalize.HashBytes(trail.Bytes())

	manifest := packManifest{GeneratedAt: generatedAt.UTC(), EventCount: count, Checksum: checksum}
	manifest.Filter.ActorID = f.ActorID
	manifest.Filter.Action = f.Action
	manifest.Filter.ResourceType = f.ResourceType
	manifest.Filter.Branch = f.Branch
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, file := range []struct {
		name string
		data []byte
	}{
		{"audit_trail.ndjson", trail.Bytes()},
		{"manifest.json", manifestJSON},
	} {
		w, err := zw.Create(file.name)
		if err != nil {
			return nil, "", fmt.Errorf("audit: pack %s: %w", file.name, err)
		}
		if _, err := w.Write(file.data); err != nil {
			return nil, "", fmt.Errorf("audit: pack %s: %w", file.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), checksum, nil
}
