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

// Package imapsrc is a Source backed by an IMAP server.  Item ids are
// decimal UIDs and the generation of a mailbox is its UIDVALIDITY.
package imapsrc

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/source"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Connection security modes.
const (
	TLS      = "tls"
	StartTLS = "starttls"
	Insecure = "none"
)

const (
	defaultCommandsPerSecond = 10
	defaultMaxConns          = 4
)

// Options configure a Source.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string

	// Security is TLS, StartTLS or Insecure; TLS if empty.
	Security string

	// Address names the account in the identity store; Username if
	// empty.
	Address string

	// CommandsPerSecond limits the commands sent on all connections.
	CommandsPerSecond float64

	// MaxConns bounds the number of open connections.  Fetch workers
	// beyond this share connections.
	MaxConns int
}

type conn struct {
	c        *imapclient.Client
	mailbox  string
	validity uint32
}

// Source talks to one IMAP account over a small pool of connections.
type Source struct {
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger

	slots chan struct{} // one token per connection that may be open
	mu    sync.Mutex
	idle  []*conn
}

var _ source.Source = (*Source)(nil)

// New returns a Source after checking that a connection can be made.
func New(ctx context.Context, opts Options, log *slog.Logger) (*Source, error) {
	if opts.Security == "" {
		opts.Security = TLS
	}
	if opts.Address == "" {
		opts.Address = opts.Username
	}
	if opts.CommandsPerSecond <= 0 {
		opts.CommandsPerSecond = defaultCommandsPerSecond
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = defaultMaxConns
	}
	s := &Source{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.CommandsPerSecond), max(1, int(opts.CommandsPerSecond))),
		log:     log,
		slots:   make(chan struct{}, opts.MaxConns),
	}
	cn, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	s.put(cn, nil)
	return s, nil
}

func (s *Source) Address() string {
	return s.opts.Address
}

func (s *Source) dial() (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	var (
		c   *imapclient.Client
		err error
	)
	switch s.opts.Security {
	case TLS:
		c, err = imapclient.DialTLS(addr, nil)
	case StartTLS:
		c, err = imapclient.DialStartTLS(addr, nil)
	case Insecure:
		c, err = imapclient.DialInsecure(addr, nil)
	default:
		return nil, errors.Errorf("unknown IMAP security mode %q", s.opts.Security)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to IMAP %s", addr)
	}
	if err := c.Login(s.opts.Username, s.opts.Password).Wait(); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "authentication failed for %s", s.opts.Username)
	}
	return c, nil
}

// get returns an idle connection, or a new one when fewer than
// MaxConns are open.
func (s *Source) get(ctx context.Context) (*conn, error) {
	s.mu.Lock()
	if n := len(s.idle); n > 0 {
		cn := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		return cn, nil
	}
	s.mu.Unlock()

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// A connection may have been returned while waiting for a slot.
	s.mu.Lock()
	if n := len(s.idle); n > 0 {
		cn := s.idle[n-1]
		s.idle = s.idle[:n-1]
		s.mu.Unlock()
		<-s.slots
		return cn, nil
	}
	s.mu.Unlock()

	c, err := s.dial()
	if err != nil {
		<-s.slots
		return nil, err
	}
	return &conn{c: c}, nil
}

// put returns cn to the pool, or closes it if the command that used
// it failed.
func (s *Source) put(cn *conn, err error) {
	if err != nil {
		cn.c.Close()
		<-s.slots
		return
	}
	s.mu.Lock()
	s.idle = append(s.idle, cn)
	s.mu.Unlock()
}

func (s *Source) wait(ctx context.Context) error {
	return s.limiter.Wait(ctx)
}

// selectMailbox opens mailbox read-only on cn unless it already is.
func (s *Source) selectMailbox(ctx context.Context, cn *conn, mailbox string) error {
	if cn.mailbox == mailbox {
		return nil
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	data, err := cn.c.Select(mailbox, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		cn.mailbox = ""
		return errors.Wrapf(err, "selecting %s", mailbox)
	}
	cn.mailbox = mailbox
	cn.validity = data.UIDValidity
	return nil
}

// refresh reselects mailbox so the validity is current.
func (s *Source) refresh(ctx context.Context, cn *conn, mailbox string) error {
	cn.mailbox = ""
	return s.selectMailbox(ctx, cn, mailbox)
}

func (s *Source) Generation(ctx context.Context, mailbox string) (gen uint64, err error) {
	cn, err := s.get(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { s.put(cn, err) }()

	if err = s.refresh(ctx, cn, mailbox); err != nil {
		return 0, err
	}
	if cn.validity == 0 {
		return 0, errors.Wrapf(source.ErrNoGeneration, "%s has no UIDVALIDITY", mailbox)
	}
	return uint64(cn.validity), nil
}

func checkGeneration(cn *conn, generation uint64) error {
	if uint64(cn.validity) != generation {
		return errors.Wrapf(source.ErrGenerationChanged, "UIDVALIDITY is %d, not %d", cn.validity, generation)
	}
	return nil
}

func (s *Source) ListItemIDs(ctx context.Context, mailbox string, generation uint64) (ids []string, err error) {
	cn, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.put(cn, err) }()

	if err = s.refresh(ctx, cn, mailbox); err != nil {
		return nil, err
	}
	if err := checkGeneration(cn, generation); err != nil {
		return nil, err
	}
	if err = s.wait(ctx); err != nil {
		return nil, err
	}
	data, err := cn.c.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, errors.Wrapf(err, "searching %s", mailbox)
	}
	for _, uid := range data.AllUIDs() {
		ids = append(ids, strconv.FormatUint(uint64(uid), 10))
	}
	s.log.Info("listed IMAP mailbox", "mailbox", mailbox, "generation", generation, "total", len(ids))
	return ids, nil
}

// FetchBatch fetches the full content of each UID with BODY.PEEK[], so
// the \Seen flag is left alone.  Malformed and expunged UIDs are left
// out of the result.
func (s *Source) FetchBatch(ctx context.Context, mailbox string, generation uint64, ids []string) (items []message.Item, err error) {
	var uids []imap.UID
	for _, id := range ids {
		n, perr := strconv.ParseUint(id, 10, 32)
		if perr != nil || n == 0 {
			s.log.Warn("skipping malformed IMAP uid", "mailbox", mailbox, "item_id", id)
			continue
		}
		uids = append(uids, imap.UID(n))
	}
	if len(uids) == 0 {
		return nil, nil
	}

	cn, err := s.get(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { s.put(cn, err) }()

	if err = s.selectMailbox(ctx, cn, mailbox); err != nil {
		return nil, err
	}
	if err := checkGeneration(cn, generation); err != nil {
		return nil, err
	}
	if err = s.wait(ctx); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := cn.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching %d messages from %s", len(uids), mailbox)
	}
	for _, m := range msgs {
		raw := m.FindBodySection(section)
		if raw == nil {
			continue
		}
		items = append(items, message.Item{
			ItemID: strconv.FormatUint(uint64(m.UID), 10),
			Raw:    raw,
			Meta:   map[string]string{"rfc822_size": strconv.FormatInt(m.RFC822Size, 10)},
		})
	}
	return items, nil
}

// Close logs out of every idle connection.
func (s *Source) Close() error {
	s.mu.Lock()
	idle := s.idle
	s.idle = nil
	s.mu.Unlock()
	var first error
	for _, cn := range idle {
		if err := cn.c.Logout().Wait(); err != nil && first == nil {
			first = errors.Wrap(err, "logging out")
		}
		cn.c.Close()
		<-s.slots
	}
	return first
}
