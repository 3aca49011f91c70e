/*
Package gmailhttp implements an HTTP client for gmail.

OAuth2.0 tokens are acquired by running an external program with the
user name and the space separated scopes as arguments.  The program
should behave identically to the one used by
https://github.com/google/oauth2l (see
https://github.com/google/oauth2l/blob/master/util/sso.go) and print
a bearer token on stdout.

Some Gmail setups also require an API Key on every request.

BUGS:

The token command does not report the token's expire time, so it is
assumed to expire after five minutes.  The server may still reject a
token earlier than that.
*/
package gmailhttp

import (
	"bytes"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi/transport"
)

const tokenLifetime = 5 * time.Minute

// Options configure the client.
type Options struct {
	// Command prints a bearer token; required.
	TokenCommand string

	// User and Scope are passed to TokenCommand.
	User  string
	Scope string

	// APIKey is sent with every request when set.
	APIKey string

	// Base is the underlying transport, http.DefaultTransport if nil.
	Base http.RoundTripper
}

// cmdTokenSource encodes the information required to run an external
// program to retrieve an OAuth 2.0 bearer token for a given user and
// set of scopes.
type cmdTokenSource struct {
	command string
	user    string
	scope   string

	now func() time.Time
}

// Token returns a new token for the specified user and scopes by
// executing the specified external program.  Satisfies
// oauth2.TokenSource.
func (s *cmdTokenSource) Token() (*oauth2.Token, error) {
	cmd := exec.Command(s.command, s.user, s.scope)

	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "running token command %s", s.command)
	}

	accessToken := strings.TrimSpace(out.String())
	if accessToken == "" {
		return nil, errors.Errorf("token command %s printed no token", s.command)
	}

	return &oauth2.Token{
		AccessToken: accessToken,
		Expiry:      s.now().Add(tokenLifetime),
	}, nil
}

// New returns a new HTTP client capable of using the Gmail API.
func New(opts Options) (*http.Client, error) {
	if opts.TokenCommand == "" {
		return nil, errors.New("gmail token command not configured")
	}
	src := &cmdTokenSource{
		command: opts.TokenCommand,
		user:    opts.User,
		scope:   opts.Scope,
		now:     time.Now,
	}

	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.APIKey != "" {
		base = &transport.APIKey{Key: opts.APIKey, Transport: base}
	}

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}
