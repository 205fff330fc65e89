// Package httpauthsync implements the HTTP Auth Synchronizer (spec.md
// §4.8): it projects users into per-realm htdigest files consumed by the
// Apache container's digest authentication module.
package httpauthsync

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
	"github.com/lakowske/net-servers/internal/watcher"
)

// DefaultRealm is the realm used when none is configured.
const DefaultRealm = "WebDAV Secure Area"

// Synchronizer projects users into one htdigest file per realm.
type Synchronizer struct {
	store      *store.Store
	paths      *paths.Paths
	realms     []string
	logger     *zap.Logger
	skipReload bool
}

// New creates an http-auth Synchronizer over the given realms (defaulting
// to DefaultRealm alone if none are given). skipReload mirrors spec.md
// §4.8's test-harness escape hatch: the file is still written atomically,
// but no apache reload is requested.
func New(s *store.Store, p *paths.Paths, realms []string, skipReload bool, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(realms) == 0 {
		realms = []string{DefaultRealm}
	}
	return &Synchronizer{store: s, paths: p, realms: realms, skipReload: skipReload, logger: logger}
}

func (s *Synchronizer) Name() string { return "http-auth" }

func (s *Synchronizer) Channels() []watcher.Channel {
	return []watcher.Channel{watcher.ChannelUsers, watcher.ChannelSecrets}
}

func (s *Synchronizer) Priority() int { return 1 }

// Plan reads users.yaml and secrets.yaml and produces one htdigest file
// per configured realm, with one line per enabled user that has a
// plaintext password recorded in secrets.yaml. A user with no such secret
// is omitted, per spec.md §4.8.
func (s *Synchronizer) Plan(ctx context.Context) (syncfw.Plan, error) {
	users, err := s.store.LoadUsers()
	if err != nil {
		return syncfw.Plan{}, err
	}
	secrets, err := s.store.LoadSecrets()
	if err != nil {
		return syncfw.Plan{}, err
	}

	type entry struct {
		username string
		password string
	}
	var entries []entry
	for _, u := range users.Users {
		if !u.IsEnabled() {
			continue
		}
		password, ok := secrets.UserPasswords[u.Username]
		if !ok {
			s.logger.Warn("user has no digest secret, omitted from htdigest", zap.String("username", u.Username))
			continue
		}
		entries = append(entries, entry{username: u.Username, password: password})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].username < entries[j].username })

	plan := syncfw.Plan{}
	sortedRealms := append([]string{}, s.realms...)
	sort.Strings(sortedRealms)
	for _, realm := range sortedRealms {
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "%s:%s:%s\n", e.username, realm, DigestHash(e.username, realm, e.password))
		}
		plan.Files = append(plan.Files, syncfw.FileAction{
			Path:    s.paths.HtdigestFile(realm),
			Content: []byte(b.String()),
			Mode:    0o644,
		})
	}
	return plan, nil
}

// Apply writes the htdigest files and, unless skipReload is set, requests
// an apache graceful reload.
func (s *Synchronizer) Apply(ctx context.Context, plan syncfw.Plan) ([]syncfw.ReloadRequest, error) {
	if err := syncfw.ApplyPlan(plan); err != nil {
		return nil, err
	}
	if s.skipReload {
		return nil, nil
	}
	return []syncfw.ReloadRequest{{Container: "apache", Full: true}}, nil
}

// DigestHash computes the HA1 digest MD5(user:realm:password) that
// Apache's mod_auth_digest expects in an htdigest file (spec.md §4.8).
func DigestHash(user, realm, password string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", user, realm, password)))
	return hex.EncodeToString(sum[:])
}
