package services

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/maartenbreddels/ipywebrtc/internal/core/catalog"
	"github.com/maartenbreddels/ipywebrtc/internal/core/domain"
	"github.com/maartenbreddels/ipywebrtc/internal/core/entity"
	"github.com/maartenbreddels/ipywebrtc/internal/core/ports"
	"github.com/maartenbreddels/ipywebrtc/pkg/validation"

	"go.uber.org/zap"
)

type autosaveJob struct {
	filename string
	data     []byte
}

// autosaveQueue holds the newest payload waiting to be written for one
// entity. At most one writer runs per entity.
type autosaveQueue struct {
	next    *autosaveJob
	running bool
}

// MediaFiles writes recorded or streamed binary payloads to a file store.
type MediaFiles struct {
	store       ports.FileStore
	logger      *zap.SugaredLogger
	saveTimeout time.Duration

	mu      sync.Mutex
	onSaved func(id domain.EntityID, name string, err error)
	queues  map[domain.EntityID]*autosaveQueue
}

func NewMediaFiles(store ports.FileStore, logger *zap.SugaredLogger) *MediaFiles {
	return &MediaFiles{
		store:       store,
		logger:      logger,
		saveTimeout: 30 * time.Second,
		queues:      make(map[domain.EntityID]*autosaveQueue),
	}
}

// OnSaved registers a callback fired after every autosave attempt.
func (m *MediaFiles) OnSaved(fn func(id domain.EntityID, name string, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSaved = fn
}

// Filename returns the name the payload of e is saved under: name, or the
// filename attribute when name is empty, with "."+format appended when it
// has no extension.
func Filename(e *entity.Entity, name string) (string, error) {
	if name == "" {
		if v, ok := e.Get("filename"); ok {
			name, _ = v.(string)
		}
	}
	if name == "" {
		name = string(e.ID())
	}
	if filepath.Ext(name) == "" {
		if v, ok := e.Get("format"); ok {
			if format, _ := v.(string); format != "" {
				name = name + "." + format
			}
		}
	}
	if err := validation.ValidateFilename(name); err != nil {
		return "", &domain.ValidationError{Kind: e.Kind(), Attr: "filename", Value: name, Reason: err.Error()}
	}
	return name, nil
}

// Save writes the binary payload of e. It fails with EmptyDataError when
// nothing has been recorded yet.
func (m *MediaFiles) Save(ctx context.Context, e *entity.Entity, name string) (string, error) {
	attr := catalog.PayloadAttr(e.Kind())
	if attr == "" {
		return "", fmt.Errorf("save %s: kind carries no binary payload: %w", e.Kind(), domain.ErrUnknownAttr)
	}
	v, _ := e.Get(attr)
	data, _ := v.([]byte)
	if len(data) == 0 {
		return "", &domain.EmptyDataError{EntityID: e.ID(), Attr: attr}
	}

	filename, err := Filename(e, name)
	if err != nil {
		return "", err
	}
	if err := m.store.Save(ctx, filename, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("save %s to %s: %w", e.ID(), filename, err)
	}

	m.logger.Infow("payload saved",
		"entity_id", e.ID(),
		"kind", e.Kind(),
		"file", filename,
		"bytes", len(data),
	)
	return filename, nil
}

// EnableAutosave saves data every time it changes to a non-empty value while
// the autosave attribute is true.
func (m *MediaFiles) EnableAutosave(e *entity.Entity) {
	e.OnChange("data", func(c domain.Change) {
		data, _ := c.New.([]byte)
		if len(data) == 0 {
			return
		}
		if v, _ := e.Get("autosave"); v != true {
			return
		}
		filename, err := Filename(e, "")
		if err != nil {
			m.logger.Warnw("autosave skipped", "entity_id", e.ID(), "error", err)
			m.notify(e.ID(), "", err)
			return
		}
		m.enqueue(e.ID(), &autosaveJob{filename: filename, data: data})
	})
}

// enqueue schedules job for id. A payload still waiting is replaced, so a
// burst of changes ends with the newest one on disk.
func (m *MediaFiles) enqueue(id domain.EntityID, job *autosaveJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[id]
	if !ok {
		q = &autosaveQueue{}
		m.queues[id] = q
	}
	q.next = job
	if !q.running {
		q.running = true
		go m.drain(id, q)
	}
}

func (m *MediaFiles) drain(id domain.EntityID, q *autosaveQueue) {
	for {
		m.mu.Lock()
		job := q.next
		q.next = nil
		if job == nil {
			q.running = false
			delete(m.queues, id)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		m.autosave(id, job.filename, job.data)
	}
}

func (m *MediaFiles) autosave(id domain.EntityID, filename string, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), m.saveTimeout)
	defer cancel()

	err := m.store.Save(ctx, filename, bytes.NewReader(data))
	if err != nil {
		m.logger.Errorw("autosave failed", "entity_id", id, "file", filename, "error", err)
	} else {
		m.logger.Infow("autosaved recording", "entity_id", id, "file", filename, "bytes", len(data))
	}
	m.notify(id, filename, err)
}

func (m *MediaFiles) notify(id domain.EntityID, name string, err error) {
	m.mu.Lock()
	fn := m.onSaved
	m.mu.Unlock()
	if fn != nil {
		fn(id, name, err)
	}
}
