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

// Package source defines the remote mailbox interface shared by the
// IMAP and Gmail implementations.
package source

import (
	"context"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

var (
	// ErrNoGeneration is returned by Generation when the mailbox
	// does not report a numbering epoch.
	ErrNoGeneration = errors.New("mailbox reports no generation")

	// ErrGenerationChanged is returned by ListItemIDs and
	// FetchBatch when the mailbox is no longer at the requested
	// generation.
	ErrGenerationChanged = errors.New("mailbox generation changed")
)

// Source is a remote mailbox store.  Item ids are only meaningful
// within one generation of one mailbox.
type Source interface {
	// Address names the account, e.g. "me@example.com".
	Address() string

	// Generation returns the current numbering epoch of mailbox.
	Generation(ctx context.Context, mailbox string) (uint64, error)

	// ListItemIDs returns every item id of mailbox at generation.
	ListItemIDs(ctx context.Context, mailbox string, generation uint64) ([]string, error)

	// FetchBatch returns the raw content of the named items.  Items
	// that no longer exist are left out of the result; an error
	// means none of the batch can be trusted.
	FetchBatch(ctx context.Context, mailbox string, generation uint64, ids []string) ([]message.Item, error)

	Close() error
}
