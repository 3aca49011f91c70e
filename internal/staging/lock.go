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
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

const writerLockName = ".writer.lock"

// ErrWriterLocked is returned by LockWriter when another process
// holds the writer lock of the area.
var ErrWriterLocked = errors.New("staging: writer lock held by another process")

// LockWriter takes the exclusive writer lock of the area without
// blocking.  The caller must Unlock the returned lock when done.
func (a *Area) LockWriter() (*flock.Flock, error) {
	lock := flock.New(filepath.Join(a.base, writerLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "acquiring %s", lock.Path())
	}
	if !ok {
		return nil, ErrWriterLocked
	}
	return lock, nil
}
