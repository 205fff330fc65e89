// Package mailsync implements the Mail Synchronizer (spec.md §4.7): it
// projects users and domains into the mail container's virtual_domains,
// virtual_mailboxes, virtual_aliases and dovecot-users files, and creates
// each user's mailbox directory tree.
package mailsync

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
	"github.com/lakowske/net-servers/internal/watcher"
)

// Synchronizer projects the mail container's virtual tables.
type Synchronizer struct {
	store  *store.Store
	paths  *paths.Paths
	logger *zap.Logger

	// previousUserCount detects whether the user list itself changed
	// between reconciles, to decide between a table rebuild and a full
	// service reload (spec.md §4.7's reload policy).
	previousUserCount int
	seeded            bool
}

// New creates a mail Synchronizer rooted at p, reading and writing through
// s.
func New(s *store.Store, p *paths.Paths, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: s, paths: p, logger: logger}
}

func (s *Synchronizer) Name() string { return "mail" }

func (s *Synchronizer) Channels() []watcher.Channel {
	return []watcher.Channel{watcher.ChannelUsers, watcher.ChannelDomains, watcher.ChannelSecrets, watcher.ChannelGlobal}
}

// Priority places mail alongside the other projections, after the
// Certificate Manager's priority-0 group.
func (s *Synchronizer) Priority() int { return 1 }

type mailboxKey struct {
	user   schema.User
	domain string
}

// Plan reads users.yaml, domains.yaml and secrets.yaml and computes the four projection files plus the set of mailbox directories
// that must exist.
func (s *Synchronizer) Plan(ctx context.Context) (syncfw.Plan, error) {
	users, err := s.store.LoadUsers()
	if err != nil {
		return syncfw.Plan{}, err
	}
	domains, err := s.store.LoadDomains()
	if err != nil {
		return syncfw.Plan{}, err
	}
	secrets, err := s.store.LoadSecrets()
	if err != nil {
		return syncfw.Plan{}, err
	}

	enabledDomains := make(map[string]bool)
	for _, d := range domains.Domains {
		if d.IsEnabled() {
			enabledDomains[d.Name] = true
		}
	}

	var mailboxes []mailboxKey
	for _, u := range users.Users {
		if !u.IsEnabled() {
			continue
		}
		for _, d := range u.Domains {
			if enabledDomains[d] {
				mailboxes = append(mailboxes, mailboxKey{user: u, domain: d})
			}
		}
	}
	sort.Slice(mailboxes, func(i, j int) bool {
		if mailboxes[i].domain != mailboxes[j].domain {
			return mailboxes[i].domain < mailboxes[j].domain
		}
		return mailboxes[i].user.Username < mailboxes[j].user.Username
	})

	var domainNames []string
	for name := range enabledDomains {
		domainNames = append(domainNames, name)
	}
	sort.Strings(domainNames)

	plan := syncfw.Plan{Files: []syncfw.FileAction{
		{Path: s.paths.MailStateDir + "/virtual_domains", Content: virtualDomains(domainNames), Mode: 0o644},
		{Path: s.paths.MailStateDir + "/virtual_mailboxes", Content: virtualMailboxes(mailboxes), Mode: 0o644},
		{Path: s.paths.MailStateDir + "/virtual_aliases", Content: virtualAliases(domains.Domains, users.Users), Mode: 0o644},
		{Path: s.paths.MailStateDir + "/dovecot-users", Content: dovecotUsers(mailboxes, secrets), Mode: 0o640},
	}}
	return plan, nil
}

// Apply writes the projection files and creates every mailbox directory,
// then reports whether a full reload or a lighter table rebuild is
// sufficient.
func (s *Synchronizer) Apply(ctx context.Context, plan syncfw.Plan) ([]syncfw.ReloadRequest, error) {
	if err := syncfw.ApplyPlan(plan); err != nil {
		return nil, err
	}

	users, err := s.store.LoadUsers()
	if err != nil {
		return nil, err
	}
	domains, err := s.store.LoadDomains()
	if err != nil {
		return nil, err
	}
	enabledDomains := make(map[string]bool)
	for _, d := range domains.Domains {
		if d.IsEnabled() {
			enabledDomains[d.Name] = true
		}
	}
	userCount := 0
	for _, u := range users.Users {
		if !u.IsEnabled() {
			continue
		}
		for _, d := range u.Domains {
			if enabledDomains[d] {
				if err := os.MkdirAll(s.paths.MailboxDir(d, u.Username), 0o750); err != nil {
					return nil, corerr.Wrap(corerr.IOFatal, err, "failed to create mailbox directory", map[string]any{"domain": d, "username": u.Username})
				}
				userCount++
			}
		}
	}

	full := !s.seeded || userCount != s.previousUserCount
	s.previousUserCount = userCount
	s.seeded = true

	return []syncfw.ReloadRequest{{Container: "mail", Full: full}}, nil
}

func virtualDomains(domains []string) []byte {
	var b strings.Builder
	for _, d := range domains {
		fmt.Fprintf(&b, "%s\tOK\n", d)
	}
	return []byte(b.String())
}

func virtualMailboxes(mailboxes []mailboxKey) []byte {
	var b strings.Builder
	for _, m := range mailboxes {
		fmt.Fprintf(&b, "%s@%s\t%s/%s/\n", m.user.Username, m.domain, m.domain, m.user.Username)
	}
	return []byte(b.String())
}

// virtualAliases emits explicit alias entries (schema.Domain.Aliases maps
// a local alias to a target mailbox address) plus an automatic
// postmaster@<domain> alias for any admin user on that domain, unless an
// explicit alias already claims that address.
func virtualAliases(domains []schema.Domain, users []schema.User) []byte {
	var b strings.Builder
	claimed := make(map[string]bool)

	for _, d := range domains {
		if !d.IsEnabled() {
			continue
		}
		aliasKeys := make([]string, 0, len(d.Aliases))
		for alias := range d.Aliases {
			aliasKeys = append(aliasKeys, alias)
		}
		sort.Strings(aliasKeys)
		for _, alias := range aliasKeys {
			addr := alias + "@" + d.Name
			fmt.Fprintf(&b, "%s\t%s\n", addr, d.Aliases[alias])
			claimed[addr] = true
		}
	}

	for _, d := range domains {
		if !d.IsEnabled() {
			continue
		}
		postmaster := "postmaster@" + d.Name
		if claimed[postmaster] {
			continue
		}
		for _, u := range users {
			if !u.IsEnabled() || !u.IsAdmin() {
				continue
			}
			for _, ud := range u.Domains {
				if ud == d.Name {
					fmt.Fprintf(&b, "%s\t%s@%s\n", postmaster, u.Username, d.Name)
					claimed[postmaster] = true
					break
				}
			}
			if claimed[postmaster] {
				break
			}
		}
	}
	return []byte(b.String())
}

// dovecotUsers emits passwd-file formatted entries:
// "<user>@<domain>:{PLAIN}<password>:<uid>:<gid>::<home>::"
// The plain scheme is used when secrets.yaml holds a plaintext password
// for the user; a user with none is omitted (spec.md §4.7).
func dovecotUsers(mailboxes []mailboxKey, secrets *schema.SecretBundle) []byte {
	var b strings.Builder
	for _, m := range mailboxes {
		password, ok := secrets.UserPasswords[m.user.Username]
		if !ok {
			continue
		}
		home := m.domain + "/" + m.user.Username
		fmt.Fprintf(&b, "%s@%s:{PLAIN}%s:%s:%s::%s::\n", m.user.Username, m.domain, password, vmailUID, vmailGID, home)
	}
	return []byte(b.String())
}

const (
	vmailUID = "5000"
	vmailGID = "5000"
)
