package tracker

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lawrencejones/pgshift/pkg/record"

	"github.com/pkg/errors"
)

var _ Tracker = &File{}

// File stores the position as JSON in a file. Saves write a temporary file and rename it
// over the original, so a crash mid-save leaves the previous position intact.
type File struct {
	path string
	last record.Position
	sync.Mutex
}

type fileContents struct {
	Position  record.Envelope `json:"position"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Save(_ context.Context, position record.Position) error {
	f.Lock()
	defer f.Unlock()

	if err := check(f.last, position); err != nil {
		return err
	}

	data, err := json.Marshal(fileContents{Position: record.Envelope{Position: position}, UpdatedAt: time.Now()})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return errors.Wrap(err, "failed to create position directory")
	}

	tmp := f.path + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write position")
	}

	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "failed to replace position file")
	}

	f.last = position
	return nil
}

func (f *File) Load(context.Context) (record.Position, error) {
	f.Lock()
	defer f.Unlock()

	data, err := ioutil.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read position")
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, errors.Wrap(err, "failed to parse position file")
	}

	f.last = contents.Position.Position
	return f.last, nil
}
