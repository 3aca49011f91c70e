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

package parse

import (
	"unicode/utf8"

	"github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

// Plain parses artifacts that are bare UTF-8 text with no header.
type Plain struct{}

func (Plain) Parse(raw []byte) (message.Fields, error) {
	if !utf8.Valid(raw) {
		return message.Fields{}, errors.New("plain text is not valid UTF-8")
	}
	text := normalizeText(raw)
	return message.Fields{
		Text:     text,
		Markdown: text,
		Size:     int64(len(raw)),
	}, nil
}
