package message

// This file provides the common data objects used by the rest of the
// program.

import (
	"fmt"
	"time"
)

// Target names one mailbox on one remote account.
type Target struct {
	// The address of the account the mailbox belongs to,
	// e.g. "user@example.com".  Used verbatim as a directory name
	// and as the first column of the identity key.
	SourceAddress string

	// The remote name of the mailbox, e.g. "INBOX" or
	// "[Gmail]/All Mail".
	Mailbox string
}

// Key defines the properties that uniquely identify a message
// instance.
type Key struct {
	SourceAddress string
	Mailbox       string

	// The numbering epoch of the mailbox's item identifiers.  For
	// IMAP this is the mailbox's UIDVALIDITY.  When it changes all
	// previously seen ItemIDs for the mailbox are obsolete.
	Generation uint64

	// The identifier of the item within the generation.  For IMAP
	// this is the decimal UID.
	ItemID string
}

// Target returns the mailbox half of the key.
func (k Key) Target() Target {
	return Target{SourceAddress: k.SourceAddress, Mailbox: k.Mailbox}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.SourceAddress, k.Mailbox, k.Generation, k.ItemID)
}

// KeyFor returns the identity key of item within generation of t.
func (t Target) KeyFor(generation uint64, item string) Key {
	return Key{
		SourceAddress: t.SourceAddress,
		Mailbox:       t.Mailbox,
		Generation:    generation,
		ItemID:        item,
	}
}

// Item is one message as delivered by a remote source.
type Item struct {
	ItemID string

	// The entire message as delivered, usually RFC 5322.
	Raw []byte

	// Source specific metadata (flags, labels, internal dates),
	// informational only.
	Meta map[string]string
}

// Fields are the values derived from a message's raw bytes.  They
// are a pure function of the raw bytes.
type Fields struct {
	Subject    string
	From       string
	To         []string
	Cc         []string
	Date       time.Time
	MessageID  string
	InReplyTo  string
	References []string

	// The Message-ID at the root of the conversation, derived from
	// References, In-Reply-To and MessageID in that order.
	ThreadID string

	// Normalized (NFC, LF line endings) plain text of the body.
	Text string

	// A light markdown rendition of the message: a header block
	// followed by the text body.
	Markdown string

	// Size of the raw message in bytes.
	Size int64

	// Number of attachment parts.
	Attachments int
}

// Record is a message as persisted in the identity store.
type Record struct {
	Key
	Fields

	Raw       []byte
	RawSHA256 string
	CreatedAt time.Time
	UpdatedAt time.Time
}
