package pathsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-sync/pkg/pathfs"
	"github.com/paulschiretz/pgl-sync/pkg/util"
)

// Policy decides which files are copied and whether orphans are deleted.
type Policy int

const (
	// Mirror replaces the destination when the source is newer or differs in
	// size, keeps a destination that is newer, and deletes orphans. Default.
	Mirror Policy = iota
	// Update copies only files that are absent or older in the destination
	// and deletes orphans.
	Update
	// Add copies like Update but never deletes.
	Add
)

var policyToString = map[Policy]string{
	Mirror: "mirror",
	Update: "update",
	Add:    "add",
}

var stringToPolicy map[string]Policy

func init() {
	stringToPolicy = util.InvertMap(policyToString)
	stringToPolicy["clone"] = Mirror
}

func (p Policy) String() string {
	if str, ok := policyToString[p]; ok {
		return str
	}
	return fmt.Sprintf("unknown_policy(%d)", p)
}

// ParsePolicy parses a mode name. "clone" is accepted for mirror.
func ParsePolicy(s string) (Policy, error) {
	if p, ok := stringToPolicy[strings.ToLower(s)]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("invalid sync mode: %q. Must be 'mirror', 'update' or 'add'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("Policy should be a string, got %s", data)
	}
	parsed, err := ParsePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Deletes reports whether the policy removes destination orphans.
func (p Policy) Deletes() bool {
	return p != Add
}

// copyReason explains why a file is transferred. Empty means it is not.
type copyReason string

const (
	reasonAbsent      copyReason = "absent"
	reasonForced      copyReason = "forced"
	reasonNewer       copyReason = "newer"
	reasonSizeDiffers copyReason = "size differs"
)

// decide compares a source file with its destination counterpart, which is
// nil when absent. Timestamps only count as different beyond slack.
func (p Policy) decide(src, dst *pathfs.Entry, slack time.Duration, force bool) copyReason {
	if dst == nil {
		return reasonAbsent
	}
	if force {
		return reasonForced
	}
	srcNewer := src.ModTime.Sub(dst.ModTime) > slack
	dstNewer := dst.ModTime.Sub(src.ModTime) > slack
	if srcNewer {
		return reasonNewer
	}
	if p == Mirror && src.Size != dst.Size && !dstNewer {
		return reasonSizeDiffers
	}
	return ""
}
