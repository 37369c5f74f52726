// Package reminder decides which samples warrant a reminder and to whom. It
// resolves contact identities through a Directory and groups candidate
// samples by recipient. Message delivery is left to the caller.
package reminder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Directory resolves principals and reviewer groups to contact identities.
// An unknown principal or group yields no contacts and no error.
type Directory interface {
	PrincipalContact(ctx context.Context, principal string) (string, error)
	GroupContacts(ctx context.Context, group string) ([]string, error)
}

// StaticDirectory is a Directory backed by fixed maps, typically loaded from
// configuration. Keys match exactly or by their lower-cased form.
type StaticDirectory struct {
	Contacts map[string]string
	Groups   map[string][]string
}

func lookup[V any](m map[string]V, key string) (V, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	v, ok := m[strings.ToLower(key)]
	return v, ok
}

// PrincipalContact implements Directory.
func (d StaticDirectory) PrincipalContact(_ context.Context, principal string) (string, error) {
	contact, _ := lookup(d.Contacts, principal)
	return strings.TrimSpace(contact), nil
}

// GroupContacts implements Directory. Group members may be principals listed
// in Contacts or literal contact identities.
func (d StaticDirectory) GroupContacts(_ context.Context, group string) ([]string, error) {
	members, _ := lookup(d.Groups, group)
	var out []string
	for _, member := range members {
		member = strings.TrimSpace(member)
		if contact, ok := lookup(d.Contacts, member); ok {
			member = strings.TrimSpace(contact)
		}
		if member != "" {
			out = append(out, member)
		}
	}
	sort.Strings(out)
	return out, nil
}

// CachedDirectory memoizes lookups of an underlying Directory for a TTL.
// Negative results are cached too. The cache runs a janitor goroutine for the
// life of the process.
type CachedDirectory struct {
	next  Directory
	cache *cache.Cache
}

// NewCachedDirectory wraps next with a cache whose entries expire after ttl.
func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{
		next:  next,
		cache: cache.New(ttl, ttl*2),
	}
}

// PrincipalContact implements Directory.
func (d *CachedDirectory) PrincipalContact(ctx context.Context, principal string) (string, error) {
	key := "principal:" + principal
	if cached, found := d.cache.Get(key); found {
		return cached.(string), nil
	}
	contact, err := d.next.PrincipalContact(ctx, principal)
	if err != nil {
		return "", fmt.Errorf("resolve principal %s: %w", principal, err)
	}
	d.cache.Set(key, contact, cache.DefaultExpiration)
	return contact, nil
}

// GroupContacts implements Directory.
func (d *CachedDirectory) GroupContacts(ctx context.Context, group string) ([]string, error) {
	key := "group:" + group
	if cached, found := d.cache.Get(key); found {
		return append([]string(nil), cached.([]string)...), nil
	}
	contacts, err := d.next.GroupContacts(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", group, err)
	}
	d.cache.Set(key, append([]string(nil), contacts...), cache.DefaultExpiration)
	return contacts, nil
}

// Flush drops every cached lookup.
func (d *CachedDirectory) Flush() {
	d.cache.Flush()
}

// ItemCount reports the number of cached lookups, including expired entries
// not yet evicted.
func (d *CachedDirectory) ItemCount() int {
	return d.cache.ItemCount()
}
