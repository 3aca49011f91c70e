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
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	msg "github.com/matta/mailvault/internal/message"

	"github.com/pkg/errors"
)

// MIME parses RFC 5322 messages, including multipart bodies.
type MIME struct{}

func (MIME) Parse(raw []byte) (msg.Fields, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return msg.Fields{}, errors.Wrap(err, "reading message header")
	}
	if mr == nil {
		return msg.Fields{}, errors.New("message has no readable entity")
	}
	defer mr.Close()

	f := msg.Fields{Size: int64(len(raw))}
	readHeader(&mr.Header, &f)

	var text bytes.Buffer
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return msg.Fields{}, errors.Wrap(err, "reading message part")
		}
		if p == nil {
			break
		}
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			if ct != "" && !strings.HasPrefix(ct, "text/plain") {
				continue
			}
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return msg.Fields{}, errors.Wrap(err, "reading text part")
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.Write(body)
		case *mail.AttachmentHeader:
			f.Attachments++
		}
	}

	f.Text = normalizeText(text.Bytes())
	f.ThreadID = threadID(f)
	f.Markdown = markdown(f)
	return f, nil
}

func readHeader(h *mail.Header, f *msg.Fields) {
	f.Subject, _ = h.Subject()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		f.From = from[0].String()
	} else {
		f.From = h.Get("From")
	}
	f.To = addrs(h, "To")
	f.Cc = addrs(h, "Cc")
	if d, err := h.Date(); err == nil {
		f.Date = d.UTC()
	}
	f.MessageID, _ = h.MessageID()
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		f.InReplyTo = ids[0]
	}
	f.References, _ = h.MsgIDList("References")
	f.Subject = normalizeText([]byte(f.Subject))
}

func addrs(h *mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}

// threadID is the root of the reply chain as far as the message
// knows it.
func threadID(f msg.Fields) string {
	switch {
	case len(f.References) > 0:
		return f.References[0]
	case f.InReplyTo != "":
		return f.InReplyTo
	}
	return f.MessageID
}

func markdown(f msg.Fields) string {
	var b strings.Builder
	subject := f.Subject
	if subject == "" {
		subject = "(no subject)"
	}
	fmt.Fprintf(&b, "# %s\n\n", subject)
	if f.From != "" {
		fmt.Fprintf(&b, "- **From:** %s\n", f.From)
	}
	if len(f.To) > 0 {
		fmt.Fprintf(&b, "- **To:** %s\n", strings.Join(f.To, ", "))
	}
	if len(f.Cc) > 0 {
		fmt.Fprintf(&b, "- **Cc:** %s\n", strings.Join(f.Cc, ", "))
	}
	if !f.Date.IsZero() {
		fmt.Fprintf(&b, "- **Date:** %s\n", f.Date.Format(time.RFC1123Z))
	}
	if f.Attachments > 0 {
		fmt.Fprintf(&b, "- **Attachments:** %d\n", f.Attachments)
	}
	b.WriteString("\n")
	b.WriteString(f.Text)
	return b.String()
}
