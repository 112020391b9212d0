package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"

	"github.com/emerry-tsun/JMA/pkg/model"
)

// DefaultBlueskyService is the PDS used when none is configured.
const DefaultBlueskyService = "https://bsky.social"

// Bluesky posts to an AT Protocol PDS using an app password.
type Bluesky struct {
	service    string
	identifier string
	password   string
	client     *http.Client
	now        func() time.Time
}

// NewBluesky creates a Bluesky publisher. Every Publish opens a fresh session.
func NewBluesky(service, identifier, password string) *Bluesky {
	if service == "" {
		service = DefaultBlueskyService
	}
	return &Bluesky{
		service:    strings.TrimRight(service, "/"),
		identifier: identifier,
		password:   password,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
}

func (b *Bluesky) Name() string { return "bluesky" }

func (b *Bluesky) Publish(ctx context.Context, post model.Post) error {
	xc := &xrpc.Client{Client: b.client, Host: b.service}

	sess, err := atproto.ServerCreateSession(ctx, xc, &atproto.ServerCreateSession_Input{
		Identifier: b.identifier,
		Password:   b.password,
	})
	if err != nil {
		return xrpcErr("com.atproto.server.createSession", err)
	}
	if sess.AccessJwt == "" || sess.Did == "" {
		return fmt.Errorf("bluesky session for %s is missing credentials", b.identifier)
	}
	xc.Auth = &xrpc.AuthInfo{
		AccessJwt:  sess.AccessJwt,
		RefreshJwt: sess.RefreshJwt,
		Handle:     sess.Handle,
		Did:        sess.Did,
	}

	record := &bsky.FeedPost{
		LexiconTypeID: "app.bsky.feed.post",
		Text:          post.Text,
		CreatedAt:     b.now().UTC().Format(time.RFC3339),
		Langs:         []string{post.Lang.Tag()},
		Facets:        richtextFacets(post.Facets),
	}
	_, err = atproto.RepoCreateRecord(ctx, xc, &atproto.RepoCreateRecord_Input{
		Repo:       sess.Did,
		Collection: "app.bsky.feed.post",
		Record:     &lexutil.LexiconTypeDecoder{Val: record},
	})
	if err != nil {
		return xrpcErr("com.atproto.repo.createRecord", err)
	}
	return nil
}

// xrpcErr names the failed method and surfaces the HTTP status when the PDS answered.
func xrpcErr(method string, err error) error {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		if xe.Wrapped == nil {
			return fmt.Errorf("%s: status %d", method, xe.StatusCode)
		}
		return fmt.Errorf("%s: status %d: %w", method, xe.StatusCode, xe.Wrapped)
	}
	return fmt.Errorf("%s: %w", method, err)
}

func richtextFacets(facets []model.Facet) []*bsky.RichtextFacet {
	if len(facets) == 0 {
		return nil
	}
	out := make([]*bsky.RichtextFacet, 0, len(facets))
	for _, f := range facets {
		var feature bsky.RichtextFacet_Features_Elem
		switch {
		case f.URI != "":
			feature.RichtextFacet_Link = &bsky.RichtextFacet_Link{
				LexiconTypeID: "app.bsky.richtext.facet#link",
				Uri:           f.URI,
			}
		case f.Tag != "":
			feature.RichtextFacet_Tag = &bsky.RichtextFacet_Tag{
				LexiconTypeID: "app.bsky.richtext.facet#tag",
				Tag:           f.Tag,
			}
		default:
			continue
		}
		out = append(out, &bsky.RichtextFacet{
			Index:    &bsky.RichtextFacet_ByteSlice{ByteStart: int64(f.Start), ByteEnd: int64(f.End)},
			Features: []*bsky.RichtextFacet_Features_Elem{&feature},
		})
	}
	return out
}
