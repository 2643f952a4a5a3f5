package version

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	goversion "github.com/hashicorp/go-version"
)

const (
	fetchTimeout   = 10 * time.Second
	maxVersionSize = 100
)

// Release is the outcome of a release check
type Release struct {
	Current   string
	Latest    string
	Available bool
}

// CheckLatest fetches the plain-text version published at url and compares it with the running version.
// A development build never reports an update.
func CheckLatest(ctx context.Context, url string) (*Release, error) {
	latest, err := fetchVersion(ctx, url)
	if err != nil {
		return nil, err
	}
	return compare(version, latest), nil
}

func compare(current string, latest *goversion.Version) *Release {
	r := &Release{Current: current, Latest: latest.String()}
	currentVersion, err := goversion.NewVersion(current)
	if err != nil {
		return r
	}
	r.Available = latest.GreaterThan(currentVersion)
	return r
}

func fetchVersion(ctx context.Context, url string) (*goversion.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch version info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("invalid status code: %d", resp.StatusCode)
	}

	if resp.ContentLength > maxVersionSize {
		return nil, fmt.Errorf("too large response: %d", resp.ContentLength)
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if len(content) > maxVersionSize {
		return nil, fmt.Errorf("too large response")
	}

	latest, err := goversion.NewVersion(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse the version string: %w", err)
	}
	return latest, nil
}
