package auth

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-auth-session/oauth2"
	"github.com/jrsteele09/go-auth-session/pkce"
	xoauth2 "golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// Flow is the redirect-based login variant.
type Flow string

const (
	FlowPKCE     Flow = "pkce"
	FlowImplicit Flow = "implicit"
)

// Provider is an external identity provider reached through the
// authorization server. Providers are plain data; they are loaded from
// configuration rather than implemented per provider.
type Provider struct {
	Name        string            `yaml:"name" validate:"required"`
	Flow        Flow              `yaml:"flow" validate:"omitempty,oneof=pkce implicit"`
	AuthURL     string            `yaml:"auth_url" validate:"required,url"`
	RedirectURL string            `yaml:"redirect_url" validate:"omitempty,url"`
	ClientID    string            `yaml:"client_id"`
	Scopes      []string          `yaml:"scopes"`
	Params      map[string]string `yaml:"params"`
}

// Platform opens URLs and delivers the redirect that ends an external flow.
// Opening a URL never yields a result; results only arrive through WaitForRedirect.
type Platform interface {
	OpenURL(ctx context.Context, rawURL string) error
	WaitForRedirect(ctx context.Context) (*url.URL, error)
}

// RedirectURLProvider is implemented by platforms that own their redirect URL,
// such as a local callback server.
type RedirectURLProvider interface {
	RedirectURL() string
}

func (p *Provider) flow() Flow {
	if p.Flow == "" {
		return FlowPKCE
	}
	return p.Flow
}

// BuildAuthorizationURL returns the URL that starts a login with this provider.
// verifier is ignored for the implicit flow.
func (p *Provider) BuildAuthorizationURL(state, verifier, redirectURL string) string {
	if redirectURL == "" {
		redirectURL = p.RedirectURL
	}
	cfg := xoauth2.Config{
		ClientID:    p.ClientID,
		RedirectURL: redirectURL,
		Scopes:      p.Scopes,
		Endpoint:    xoauth2.Endpoint{AuthURL: p.AuthURL},
	}

	opts := []xoauth2.AuthCodeOption{xoauth2.SetAuthURLParam("provider", p.Name)}
	for k, v := range p.Params {
		opts = append(opts, xoauth2.SetAuthURLParam(k, v))
	}
	if p.flow() == FlowImplicit {
		opts = append(opts, xoauth2.SetAuthURLParam("response_type", "token"))
	} else {
		opts = append(opts, pkce.ChallengeOption(verifier))
	}
	return cfg.AuthCodeURL(state, opts...)
}

// ParseCallback extracts the auth parameters a redirect carries.
func (p *Provider) ParseCallback(u *url.URL) (*Redirect, error) {
	return ParseRedirect(u)
}

// Redirect is the decoded content of a redirect URL.
type Redirect struct {
	Flow   Flow
	URL    *url.URL
	Params url.Values
}

// Err returns the error carried by the redirect, if any.
func (r *Redirect) Err() *RedirectError {
	code := r.Params.Get(oauth2.ParamError)
	if code == "" {
		return nil
	}
	return &RedirectError{
		Code:        code,
		Description: r.Params.Get(oauth2.ParamErrorDescription),
		ErrorCode:   r.Params.Get(oauth2.ParamErrorCode),
	}
}

// ParseRedirect detects the flow of a redirect. The fragment is looked at
// first; a query is used when the fragment has been relayed as one.
func ParseRedirect(u *url.URL) (*Redirect, error) {
	if u == nil {
		return nil, ErrNoRedirectParams
	}

	for _, raw := range []string{u.Fragment, u.RawQuery} {
		if raw == "" {
			continue
		}
		params, err := url.ParseQuery(raw)
		if err != nil {
			return nil, fmt.Errorf("parse redirect: %w", err)
		}
		switch {
		case params.Has(oauth2.ParamAccessToken):
			return &Redirect{Flow: FlowImplicit, URL: u, Params: params}, nil
		case params.Has(oauth2.ParamCode):
			return &Redirect{Flow: FlowPKCE, URL: u, Params: params}, nil
		case params.Has(oauth2.ParamError):
			flow := FlowPKCE
			if raw == u.Fragment {
				flow = FlowImplicit
			}
			return &Redirect{Flow: flow, URL: u, Params: params}, nil
		}
	}
	return nil, ErrNoRedirectParams
}

// LoadProviders decodes and validates a YAML provider catalogue:
//
//	providers:
//	  - name: github
//	    auth_url: https://auth.example.com/authorize
//	    scopes: [read:user]
func LoadProviders(r io.Reader) ([]*Provider, error) {
	var doc struct {
		Providers []*Provider `yaml:"providers" validate:"dive"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode providers: %w", err)
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate providers: %w", err)
	}

	seen := make(map[string]bool, len(doc.Providers))
	for _, p := range doc.Providers {
		if seen[p.Name] {
			return nil, fmt.Errorf("validate providers: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	return doc.Providers, nil
}
