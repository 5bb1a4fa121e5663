package ftp

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/paulschiretz/pgl-sync/pkg/plog"
)

// newHash returns the local hash for algo, nil for HashNone.
func newHash(algo HashAlgo) hash.Hash {
	switch algo {
	case HashCRC32:
		return crc32.NewIEEE()
	case HashMD5:
		return md5.New()
	case HashSHA1:
		return sha1.New()
	default:
		return nil
	}
}

func hashCommand(algo HashAlgo) string {
	switch algo {
	case HashCRC32:
		return "XCRC"
	case HashMD5:
		return "XMD5"
	case HashSHA1:
		return "XSHA1"
	default:
		return ""
	}
}

// verify asks the server for the hash of name over [start, end) and compares
// it with local. A server that does not implement the command skips the
// check. Must be called with cmdMu held.
func (c *Client) verify(ctx context.Context, name string, start, end int64, local hash.Hash) error {
	algo := c.cfg.Hash
	if algo == HashNone || local == nil {
		return nil
	}
	localSum := hex.EncodeToString(local.Sum(nil))

	remote, err := c.remoteHash(ctx, algo, name, start, end)
	if err != nil {
		if code := ResponseCode(err); code == 500 || code == 502 || code == 504 {
			plog.Debug("Server does not support hash command, skipping check", "session", c.id, "algo", algo, "code", code)
			return nil
		}
		return err
	}

	if !hashesEqual(algo, localSum, remote) {
		return &IntegrityError{Session: c.id, Name: name, Algo: algo, Local: localSum, Remote: remote}
	}
	plog.Debug("Checksum verified", "session", c.id, "file", name, "algo", algo, "sum", localSum)
	return nil
}

func (c *Client) remoteHash(ctx context.Context, algo HashAlgo, name string, start, end int64) (string, error) {
	verb := hashCommand(algo)
	cmd := fmt.Sprintf("%s %s", verb, quoteName(name))
	if start > 0 {
		cmd = fmt.Sprintf("%s %d %d", cmd, start, end)
	}
	resp, err := c.exchange(ctx, cmd, HappyCodes(verb))
	if err != nil && algo == HashMD5 && ResponseCode(err) >= 500 {
		// Older servers only know the draft MD5 command, which has no range.
		if start == 0 {
			resp, err = c.exchange(ctx, "MD5 "+quoteName(name), HappyCodes("MD5"))
		}
	}
	if err != nil {
		return "", err
	}
	fields := strings.Fields(resp.Message())
	if len(fields) == 0 {
		return "", fmt.Errorf("empty %s reply", verb)
	}
	return fields[len(fields)-1], nil
}

// hashesEqual compares hex digests. CRCs are compared numerically since
// servers may drop leading zeros.
func hashesEqual(algo HashAlgo, local, remote string) bool {
	if algo == HashCRC32 {
		l, err1 := strconv.ParseUint(local, 16, 32)
		r, err2 := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(remote), "0x"), 16, 32)
		return err1 == nil && err2 == nil && l == r
	}
	return strings.EqualFold(local, remote)
}

// quoteName quotes names containing spaces.
func quoteName(name string) string {
	if strings.ContainsAny(name, " \t") {
		return `"` + name + `"`
	}
	return name
}
