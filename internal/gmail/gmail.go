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

// Package gmail is a Source backed by the Gmail API.  Mailboxes are
// label ids.  Gmail message ids never change meaning, so every
// mailbox is always at generation 1.
package gmail

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/matta/mailvault/internal/message"
	"github.com/matta/mailvault/internal/source"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ReadonlyScope = gmail_api.GmailReadonlyScope

	// Generation is the generation of every Gmail mailbox.
	Generation = 1

	// See https://developers.google.com/gmail/api/v1/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 2
	quotaUnitsPerMessagesList = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// Service provides access to messages stored in Google's Gmail
// system.
type Service struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *slog.Logger
	address string
}

var _ source.Source = (*Service)(nil)

func isChat(msg *gmail_api.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// New returns a Service using client, which must add credentials to
// requests.  unitsPerSecond limits quota use; zero means the default
// of 80% of the per-user quota.
func New(ctx context.Context, client *http.Client, unitsPerSecond float64, log *slog.Logger, opts ...option.ClientOption) (*Service, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	if unitsPerSecond <= 0 {
		unitsPerSecond = rateLimitPerSecond
	}
	svc := &Service{
		service: s,
		limiter: rate.NewLimiter(rate.Limit(unitsPerSecond), rateLimitBurst),
		log:     log,
	}
	addr, err := svc.profileAddress(ctx)
	if err != nil {
		return nil, err
	}
	svc.address = addr
	return svc, nil
}

func (s *Service) profileAddress(ctx context.Context) (string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return "", err
	}
	u, err := gmail_api.NewUsersService(s.service).GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "getting gmail profile")
	}
	return u.EmailAddress, nil
}

func (s *Service) Address() string {
	return s.address
}

func (s *Service) Generation(ctx context.Context, mailbox string) (uint64, error) {
	return Generation, nil
}

func (s *Service) ListItemIDs(ctx context.Context, mailbox string, generation uint64) ([]string, error) {
	if generation != Generation {
		return nil, errors.Wrapf(source.ErrGenerationChanged, "gmail generation is always %d, not %d", Generation, generation)
	}
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	req := gmail_api.NewUsersMessagesService(s.service).List("me").LabelIds(mailbox).Q("-is:chat")
	var ids []string
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
		}
		s.log.Debug("listed page of gmail messages", "mailbox", mailbox, "count", len(page.Messages), "total", len(ids))
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to retrieve all messages")
	}
	s.log.Info("done listing gmail messages", "mailbox", mailbox, "total", len(ids))
	return ids, nil
}

func (s *Service) getMessage(ctx context.Context, call *gmail_api.UsersMessagesGetCall) (*gmail_api.Message, error) {
	for {
		if err := s.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
			return nil, err
		}
		msg, err := call.Do()
		if err == nil && isChat(msg) {
			err = ErrMessageNotFound
		}
		if err == nil {
			return msg, nil
		}

		switch cause := errors.Cause(err).(type) {
		case *googleapi.Error:
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				for _, item := range cause.Errors {
					if item.Reason == "notFound" {
						err = ErrMessageNotFound
					}
				}
			}
		}
		return nil, err
	}
}

// FetchBatch gets each message in raw format.  Messages Gmail no
// longer has are left out.
func (s *Service) FetchBatch(ctx context.Context, mailbox string, generation uint64, ids []string) ([]message.Item, error) {
	if generation != Generation {
		return nil, errors.Wrapf(source.ErrGenerationChanged, "gmail generation is always %d, not %d", Generation, generation)
	}
	msgs := gmail_api.NewUsersMessagesService(s.service)
	items := make([]message.Item, 0, len(ids))
	for _, id := range ids {
		msg, err := s.getMessage(ctx, msgs.Get("me", id).Context(ctx).Format("raw"))
		if err == ErrMessageNotFound {
			s.log.Warn("message not found", "mailbox", mailbox, "item_id", id)
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "getting message %v from gmail", id)
		}
		raw, err := base64.URLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding message %v from gmail", id)
		}
		items = append(items, message.Item{
			ItemID: msg.Id,
			Raw:    raw,
			Meta: map[string]string{
				"thread_id":  msg.ThreadId,
				"history_id": strconv.FormatUint(msg.HistoryId, 10),
				"labels":     strings.Join(msg.LabelIds, ","),
			},
		})
	}
	return items, nil
}

func (s *Service) Close() error { return nil }
