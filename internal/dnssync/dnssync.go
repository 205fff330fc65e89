// Package dnssync implements the DNS Synchronizer (spec.md §4.9): for
// each enabled domain it emits forward and reverse zone files with a
// monotonic SOA serial, validates them with the runtime's zone-check
// command, and requests a DNS container reload on success.
package dnssync

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lakowske/net-servers/internal/corerr"
	"github.com/lakowske/net-servers/internal/paths"
	"github.com/lakowske/net-servers/internal/schema"
	"github.com/lakowske/net-servers/internal/store"
	"github.com/lakowske/net-servers/internal/syncfw"
	"github.com/lakowske/net-servers/internal/watcher"
)

// Synchronizer projects domains into zone files.
type Synchronizer struct {
	store        *store.Store
	paths        *paths.Paths
	logger       *zap.Logger
	checkZoneCmd string // empty disables validation, used in tests/none mode
	now          func() time.Time
}

// New creates a dns Synchronizer. checkZoneCmd is the runtime's
// zone-check binary (e.g. "named-checkzone"); pass "" to skip validation.
func New(s *store.Store, p *paths.Paths, checkZoneCmd string, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{store: s, paths: p, checkZoneCmd: checkZoneCmd, logger: logger, now: time.Now}
}

func (s *Synchronizer) Name() string { return "dns" }

func (s *Synchronizer) Channels() []watcher.Channel {
	return []watcher.Channel{watcher.ChannelDomains, watcher.ChannelGlobal}
}

func (s *Synchronizer) Priority() int { return 1 }

// Plan computes the forward (and, where requested, reverse) zone file for
// every enabled domain, bumping each one's SOA serial against whatever is
// currently on disk.
func (s *Synchronizer) Plan(ctx context.Context) (syncfw.Plan, error) {
	domains, err := s.store.LoadDomains()
	if err != nil {
		return syncfw.Plan{}, err
	}

	plan := syncfw.Plan{}
	for _, d := range domains.Domains {
		if !d.IsEnabled() {
			continue
		}
		forwardPath := s.paths.ZoneFile(d.Name)
		serial := s.nextSerial(forwardPath, func(serial int64) string { return forwardZone(d, serial) })
		plan.Files = append(plan.Files, syncfw.FileAction{
			Path:    forwardPath,
			Content: []byte(forwardZone(d, serial)),
			Mode:    0o644,
		})

		if d.ReverseZone {
			reversePath := s.paths.ReverseZoneFile(d.Name)
			rserial := s.nextSerial(reversePath, func(serial int64) string { return reverseZone(d, serial) })
			plan.Files = append(plan.Files, syncfw.FileAction{
				Path:    reversePath,
				Content: []byte(reverseZone(d, rserial)),
				Mode:    0o644,
			})
		}
	}
	return plan, nil
}

// Apply validates every planned zone file with the runtime's zone-check
// command before installing any of them; a single failing zone aborts the
// whole apply and surfaces the validator's stderr, per spec.md §4.9.
func (s *Synchronizer) Apply(ctx context.Context, plan syncfw.Plan) ([]syncfw.ReloadRequest, error) {
	if s.checkZoneCmd != "" {
		for _, action := range plan.Files {
			if action.Delete {
				continue
			}
			if err := s.checkZone(ctx, domainFromZonePath(action.Path), action.Content); err != nil {
				return nil, err
			}
		}
	}

	if err := syncfw.ApplyPlan(plan); err != nil {
		return nil, err
	}
	if len(plan.Files) == 0 {
		return nil, nil
	}
	return []syncfw.ReloadRequest{{Container: "dns", Full: true}}, nil
}

func (s *Synchronizer) checkZone(ctx context.Context, domain string, content []byte) error {
	tmp, err := os.CreateTemp("", "net-servers-zonecheck-*.zone")
	if err != nil {
		return corerr.Wrap(corerr.IOTransient, err, "failed to create zone-check temp file", nil)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return corerr.Wrap(corerr.IOTransient, err, "failed to write zone-check temp file", nil)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, s.checkZoneCmd, domain, tmp.Name())
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return corerr.New(corerr.ConfigValidate, "zone validation failed", map[string]any{
			"domain": domain,
			"stderr": strings.TrimSpace(stderr.String()),
		})
	}
	return nil
}

// nextSerial computes the SOA serial to use for path. If the zone body
// rendered with the previous serial is byte-identical (ignoring the serial
// line itself) to what is already on disk, the previous serial is reused
// so that a no-op Plan/Apply cycle never touches the file — spec.md §8's
// idempotence property. Otherwise it bumps to
// max(previous_serial + 1, YYYYMMDD01), per spec.md §4.9.
func (s *Synchronizer) nextSerial(path string, renderBody func(serial int64) string) int64 {
	prev := previousSerial(path)

	if existing, err := os.ReadFile(path); err == nil {
		candidate := renderBody(prev)
		if stripSerialLine(string(existing)) == stripSerialLine(candidate) {
			return prev
		}
	}

	today := s.now().Format("20060102")
	floor, _ := strconv.ParseInt(today+"01", 10, 64)
	if prev+1 > floor {
		return prev + 1
	}
	return floor
}

func previousSerial(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasSuffix(line, "; serial") {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
					return v
				}
			}
		}
	}
	return 0
}

// stripSerialLine blanks out the SOA serial line so two renderings of the
// same zone that differ only in serial number compare equal.
func stripSerialLine(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.HasSuffix(strings.TrimSpace(line), "; serial") {
			lines[i] = "\t; serial"
		}
	}
	return strings.Join(lines, "\n")
}

func domainFromZonePath(path string) string {
	base := path[strings.LastIndex(path, "/")+1:]
	base = strings.TrimPrefix(base, "db.")
	base = strings.TrimSuffix(base, ".zone")
	base = strings.TrimSuffix(base, ".rev")
	return base
}

func forwardZone(d schema.Domain, serial int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$TTL 3600\n")
	fmt.Fprintf(&b, "@ IN SOA ns1.%s. admin.%s. (\n", d.Name, d.Name)
	fmt.Fprintf(&b, "\t%d ; serial\n", serial)
	fmt.Fprintf(&b, "\t3600 ; refresh\n")
	fmt.Fprintf(&b, "\t600 ; retry\n")
	fmt.Fprintf(&b, "\t604800 ; expire\n")
	fmt.Fprintf(&b, "\t3600 ) ; minimum\n")
	fmt.Fprintf(&b, "@ IN NS ns1.%s.\n", d.Name)

	mxRecords := append([]schema.MXRecord{}, d.MXRecords...)
	sort.SliceStable(mxRecords, func(i, j int) bool { return mxRecords[i].Priority < mxRecords[j].Priority })
	for _, mx := range mxRecords {
		fmt.Fprintf(&b, "@ IN MX %d %s.\n", mx.Priority, strings.TrimSuffix(mx.Host, "."))
	}

	shortNames := make([]string, 0, len(d.ARecords))
	for short := range d.ARecords {
		shortNames = append(shortNames, short)
	}
	sort.Strings(shortNames)
	for _, short := range shortNames {
		fmt.Fprintf(&b, "%s IN A %s\n", short, d.ARecords[short])
	}
	return b.String()
}

func reverseZone(d schema.Domain, serial int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "$TTL 3600\n")
	fmt.Fprintf(&b, "@ IN SOA ns1.%s. admin.%s. (\n", d.Name, d.Name)
	fmt.Fprintf(&b, "\t%d ; serial\n", serial)
	fmt.Fprintf(&b, "\t3600 ; refresh\n")
	fmt.Fprintf(&b, "\t600 ; retry\n")
	fmt.Fprintf(&b, "\t604800 ; expire\n")
	fmt.Fprintf(&b, "\t3600 ) ; minimum\n")
	fmt.Fprintf(&b, "@ IN NS ns1.%s.\n", d.Name)

	shortNames := make([]string, 0, len(d.ARecords))
	for short := range d.ARecords {
		shortNames = append(shortNames, short)
	}
	sort.Strings(shortNames)
	for _, short := range shortNames {
		ip := d.ARecords[short]
		octet := lastOctet(ip)
		if octet == "" {
			continue
		}
		fmt.Fprintf(&b, "%s IN PTR %s.%s.\n", octet, short, d.Name)
	}
	return b.String()
}

func lastOctet(ip string) string {
	idx := strings.LastIndex(ip, ".")
	if idx == -1 {
		return ""
	}
	return ip[idx+1:]
}
