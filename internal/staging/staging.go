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

// Package staging manages artifacts: on-disk copies of fetched
// messages waiting to be written to the identity store.
//
// An artifact lives at
//
//	<base>/<source_address>/<mailbox>/<generation>/<item_id>.<ext>
//
// with each path element escaped.  It is first written to a hidden
// temporary sibling and renamed into place only after its contents
// have been flushed, so a final-path artifact is always complete.
package staging

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

const (
	dirFileMode     = 0700
	messageFileMode = 0600

	tempMarker = ".tmp-"
)

// Artifact is one staged message.
type Artifact struct {
	Key  message.Key
	Path string
}

// Area is a directory tree of artifacts.
type Area struct {
	base string
	ext  string
}

// New returns the staging area rooted at base, creating it if
// needed.  ext is the artifact file extension without the dot,
// e.g. "eml".
func New(base, ext string) (*Area, error) {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	if ext == "" {
		return nil, errors.New("staging: empty artifact extension")
	}
	if err := os.MkdirAll(base, dirFileMode); err != nil {
		return nil, errors.Wrapf(err, "creating staging area %s", base)
	}
	return &Area{base: base, ext: ext}, nil
}

// Base returns the root directory of the area.
func (a *Area) Base() string {
	return a.base
}

// Ext returns the artifact extension.
func (a *Area) Ext() string {
	return a.ext
}

// Dir returns the directory holding the artifacts of one mailbox
// generation.
func (a *Area) Dir(t message.Target, generation uint64) string {
	return filepath.Join(a.base,
		escapeName(t.SourceAddress),
		escape(t.Mailbox, isPortable),
		strconv.FormatUint(generation, 10))
}

// Path returns the final path of the artifact for key.
func (a *Area) Path(key message.Key) string {
	return filepath.Join(a.Dir(key.Target(), key.Generation), escapeName(key.ItemID)+"."+a.ext)
}

// Stage writes raw as the artifact for key.  The bytes are written to
// a temporary file, flushed, and atomically renamed to the final path.
func (a *Area) Stage(key message.Key, raw []byte) (Artifact, error) {
	final := a.Path(key)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, dirFileMode); err != nil {
		return Artifact{}, errors.Wrapf(err, "creating %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(final)+tempMarker+"*")
	if err != nil {
		return Artifact{}, errors.Wrapf(err, "creating temp artifact for %v", key)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := tmp.Chmod(messageFileMode); err != nil {
		cleanup()
		return Artifact{}, errors.Wrapf(err, "chmod %s", tmpName)
	}
	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return Artifact{}, errors.Wrapf(err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return Artifact{}, errors.Wrapf(err, "flushing %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Artifact{}, errors.Wrapf(err, "closing %s", tmpName)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Artifact{}, errors.Wrapf(err, "promoting %s", final)
	}
	return Artifact{Key: key, Path: final}, nil
}

// Read returns the contents of an artifact.
func (a *Area) Read(art Artifact) ([]byte, error) {
	raw, err := os.ReadFile(art.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading artifact %v", art.Key)
	}
	return raw, nil
}

// Remove deletes a consumed artifact.  Removing an artifact that is
// already gone is not an error.
func (a *Area) Remove(art Artifact) error {
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing artifact %v", art.Key)
	}
	return nil
}

// Pending returns the promoted artifacts of one mailbox generation
// in directory order.
func (a *Area) Pending(t message.Target, generation uint64) ([]Artifact, error) {
	dir := a.Dir(t, generation)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var arts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := a.itemID(e.Name())
		if !ok {
			continue
		}
		arts = append(arts, Artifact{
			Key:  t.KeyFor(generation, id),
			Path: filepath.Join(dir, e.Name()),
		})
	}
	return arts, nil
}

// itemID recovers the item id from a final artifact file name.
// Temporary files and foreign files are rejected.
func (a *Area) itemID(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	stem := strings.TrimSuffix(name, "."+a.ext)
	if stem == name || stem == "" {
		return "", false
	}
	id, err := unescape(stem)
	if err != nil {
		return "", false
	}
	return id, true
}

// SweepTemp removes every temporary (not yet promoted) artifact in the
// area and returns how many were removed.  Promoted artifacts are left
// alone.  Errors removing individual files are ignored; the sweep is
// best effort.
func (a *Area) SweepTemp() (int, error) {
	removed := 0
	err := filepath.WalkDir(a.base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && strings.Contains(name, tempMarker) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return removed, errors.Wrapf(err, "sweeping %s", a.base)
	}
	return removed, nil
}
