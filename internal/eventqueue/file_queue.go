package eventqueue

import (
	"encoding/json"
	"strings"

	"github.com/elderdiet/activitysync/internal/storage"
)

type fileQueueState struct {
	NextOrdinal uint64            `json:"nextOrdinal"`
	Items       []Entry           `json:"items"`
	Sequences   map[string]uint64 `json:"sequences,omitempty"`
}

// filePersister snapshots the whole queue on every change.
type filePersister struct {
	path string
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return newDurableQueue(&filePersister{path: path}, capacity)
}

func (p *filePersister) load() (queueState, error) {
	data, err := storage.ReadFileIfExists(p.path)
	if err != nil || data == nil {
		return queueState{}, err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return queueState{}, err
	}
	items := make([]Entry, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		if item.valid() {
			items = append(items, item)
		}
	}
	return queueState{entries: items, nextOrdinal: snapshot.NextOrdinal, sequences: snapshot.Sequences}, nil
}

func (p *filePersister) append(_ Entry, _ queueState) error {
	return errFullRewrite
}

func (p *filePersister) remove(_ []uint64, _ []string, _ queueState) error {
	return errFullRewrite
}

func (p *filePersister) rewrite(state queueState) error {
	data, err := json.Marshal(fileQueueState{
		NextOrdinal: state.nextOrdinal,
		Items:       append([]Entry{}, state.entries...),
		Sequences:   state.sequences,
	})
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(p.path, data, 0o600)
}

func (p *filePersister) close() error {
	return nil
}
