// Package github publishes generated tools as GitHub gists.
package github

import (
	"context"
	"fmt"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/ailex/internal/artifact"
)

// Client wraps the GitHub API for ailex operations.
type Client struct {
	gh *gogh.Client
}

// NewClient creates a GitHub client authenticated with the given token.
func NewClient(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// PublishGist uploads the artifact's source as a secret gist and returns
// its URL.
func (c *Client) PublishGist(ctx context.Context, art *artifact.Artifact) (string, error) {
	if art == nil || art.Code == "" {
		return "", fmt.Errorf("nothing to publish")
	}

	name := gogh.GistFilename(art.EntryName)
	gist, _, err := c.gh.Gists.Create(ctx, &gogh.Gist{
		Description: gogh.Ptr(fmt.Sprintf("ailex: %s", art.Task)),
		Public:      gogh.Ptr(false),
		Files: map[gogh.GistFilename]gogh.GistFile{
			name: {
				Filename: gogh.Ptr(art.EntryName),
				Content:  gogh.Ptr(art.Code),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating gist: %w", err)
	}

	return gist.GetHTMLURL(), nil
}
