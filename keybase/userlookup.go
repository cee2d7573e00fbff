package keybase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/subvocal/keybase-feed/backend/telemetry"
)

// The keybase.io lookup endpoint caps at 50 usernames per request.
const userLookupChunk = 50

const defaultLookupBaseURL = "https://keybase.io"

// UserData is the subset of a keybase.io user/lookup record the feed needs.
type UserData struct {
	Basics *struct {
		Username string `json:"username"`
	} `json:"basics,omitempty"`
	Pictures *Pictures `json:"pictures,omitempty"`
}

type Pictures struct {
	Primary *Picture `json:"primary,omitempty"`
}

type Picture struct {
	URL string `json:"url"`
}

// UserLookup resolves user data through the keybase.io HTTP API and caches
// results for TTL to bound call volume. A nil result means the user does not
// exist; those are returned but never cached, so a later signup is picked up.
type UserLookup struct {
	TTL        time.Duration
	HTTPClient *http.Client
	BaseURL    string // defaults to https://keybase.io

	mu    sync.Mutex
	cache map[string]lookupEntry
}

type lookupEntry struct {
	data    *UserData
	expires time.Time
}

// NewUserLookup returns a lookup client caching results for ttl.
func NewUserLookup(ttl time.Duration) *UserLookup {
	return &UserLookup{TTL: ttl, cache: make(map[string]lookupEntry)}
}

func (u *UserLookup) http() *http.Client {
	if u.HTTPClient != nil {
		return u.HTTPClient
	}
	return http.DefaultClient
}

func (u *UserLookup) baseURL() string {
	if u.BaseURL != "" {
		return u.BaseURL
	}
	return defaultLookupBaseURL
}

// Lookup returns user data for every requested username, serving unexpired
// cache entries and fetching the rest in chunks. Unknown usernames map to
// nil. Valid values of fields are documented at
// https://keybase.io/docs/api/1.0/call/user/lookup.
func (u *UserLookup) Lookup(ctx context.Context, usernames, fields []string) (map[string]*UserData, error) {
	result := make(map[string]*UserData, len(usernames))
	var missing []string

	u.mu.Lock()
	now := time.Now()
	for _, name := range usernames {
		if entry, ok := u.cache[name]; ok && now.Before(entry.expires) {
			result[name] = entry.data
			continue
		}
		missing = append(missing, name)
	}
	u.mu.Unlock()

	if telemetry.UserLookupHits != nil {
		telemetry.UserLookupHits.Add(float64(len(result)))
	}
	if len(missing) == 0 {
		return result, nil
	}
	slog.Debug("keybase user lookup", slog.Int("requested", len(usernames)), slog.Int("fetching", len(missing)))

	for i := 0; i < len(missing); i += userLookupChunk {
		chunk := missing[i:min(i+userLookupChunk, len(missing))]
		fetched, err := u.fetch(ctx, chunk, fields)
		if err != nil {
			return nil, err
		}
		u.mu.Lock()
		for j, name := range chunk {
			data := fetched[j]
			result[name] = data
			if data != nil {
				u.cache[name] = lookupEntry{data: data, expires: time.Now().Add(u.TTL)}
			}
		}
		u.mu.Unlock()
		if telemetry.UserLookups != nil {
			telemetry.UserLookups.Add(float64(len(chunk)))
		}
	}
	return result, nil
}

func (u *UserLookup) fetch(ctx context.Context, usernames, fields []string) ([]*UserData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.baseURL()+"/_/api/1.0/user/lookup.json", nil)
	if err != nil {
		return nil, &TransportError{Op: "user-lookup", Err: err}
	}
	q := req.URL.Query()
	q.Set("usernames", strings.Join(usernames, ","))
	q.Set("fields", strings.Join(fields, ","))
	req.URL.RawQuery = q.Encode()

	resp, err := u.http().Do(req)
	if err != nil {
		return nil, &TransportError{Op: "user-lookup", Err: err}
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: "user-lookup", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}
	var body struct {
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Them []*UserData `json:"them"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, &TransportError{Op: "user-lookup", Err: err}
	}
	if body.Status.Name != "OK" || len(body.Them) != len(usernames) {
		return nil, &TransportError{Op: "user-lookup", Err: fmt.Errorf("lookup failed for %d usernames: status %q, %d results", len(usernames), body.Status.Name, len(body.Them))}
	}
	return body.Them, nil
}

// AvatarURLs resolves primary avatar URLs for the given usernames. Users
// without an avatar (or that don't exist) are omitted from the result.
func (u *UserLookup) AvatarURLs(ctx context.Context, usernames []string) (map[string]string, error) {
	data, err := u.Lookup(ctx, usernames, []string{"pictures"})
	if err != nil {
		return nil, err
	}
	avatars := make(map[string]string)
	for name, userData := range data {
		if userData != nil && userData.Pictures != nil && userData.Pictures.Primary != nil && userData.Pictures.Primary.URL != "" {
			avatars[name] = userData.Pictures.Primary.URL
		}
	}
	return avatars, nil
}
