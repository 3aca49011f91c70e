// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package staging

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/matta/mailvault/internal/message"
	"github.com/pkg/errors"
)

// Watch sends every promoted artifact of one mailbox generation to
// out: first those already present, then each one as it is renamed
// into place.  Each artifact is sent at most once.  Watch returns
// when ctx is done.
func (a *Area) Watch(ctx context.Context, t message.Target, generation uint64, out chan<- Artifact) error {
	dir := a.Dir(t, generation)
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return errors.Wrapf(err, "creating %s", dir)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer w.Close()
	// Watch before the initial scan so no rename is missed in between.
	if err := w.Add(dir); err != nil {
		return errors.Wrapf(err, "watching %s", dir)
	}

	seen := make(map[string]bool)
	send := func(art Artifact) error {
		if seen[art.Path] {
			return nil
		}
		seen[art.Path] = true
		select {
		case out <- art:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	pending, err := a.Pending(t, generation)
	if err != nil {
		return err
	}
	for _, art := range pending {
		if err := send(art); err != nil {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return errors.Wrapf(err, "watching %s", dir)
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(ev.Name)
			id, ok := a.itemID(name)
			if !ok {
				continue
			}
			if _, err := os.Stat(ev.Name); err != nil {
				continue
			}
			if err := send(Artifact{Key: t.KeyFor(generation, id), Path: ev.Name}); err != nil {
				return nil
			}
		}
	}
}
