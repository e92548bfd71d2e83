package hostconfig

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/sshcore/sshcore/internal/errors"
)

// AuthorizedKey is one line of an authorized_keys file: an accepted
// public key with its per-key options and trailing comment.
type AuthorizedKey struct {
	Key     ssh.PublicKey
	Comment string
	// Options holds the comma-separated key="value" pairs ahead of the
	// key type; bare options map to an empty string.
	Options map[string]string
}

// ParseAuthorizedKeys reads an authorized_keys stream: one key per
// line, blank lines and '#' comments ignored.
func ParseAuthorizedKeys(r io.Reader) ([]AuthorizedKey, error) {
	var keys []AuthorizedKey
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, comment, rawOptions, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, errors.Wrapf(err, "authorized_keys line %d", lineNo)
		}
		keys = append(keys, AuthorizedKey{
			Key:     key,
			Comment: comment,
			Options: splitKeyOptions(rawOptions),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "authorized_keys read")
	}
	return keys, nil
}

func splitKeyOptions(raw []string) map[string]string {
	opts := make(map[string]string, len(raw))
	for _, o := range raw {
		name, value, found := strings.Cut(o, "=")
		if found {
			value = strings.Trim(value, `"`)
		}
		opts[strings.ToLower(name)] = value
	}
	return opts
}

// LoadAuthorizedKeys reads path. In strict mode the file must not be
// more permissive than 0600 and its containing directory not more
// permissive than 0700; a violating bit is an error, matching the
// OpenSSH StrictModes behavior. The permission check
// only applies on POSIX platforms.
func LoadAuthorizedKeys(path string, strict bool) ([]AuthorizedKey, error) {
	if strict && runtime.GOOS != "windows" {
		if err := checkStrictPermissions(path); err != nil {
			return nil, err
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "authorized_keys open")
	}
	defer f.Close()
	return ParseAuthorizedKeys(f)
}

func checkStrictPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "authorized_keys stat")
	}
	if mode := fi.Mode().Perm(); mode&^0600 != 0 {
		return errors.Errorf("authorized_keys %s: mode %04o exceeds 0600", path, mode)
	}
	dir := filepath.Dir(path)
	di, err := os.Stat(dir)
	if err != nil {
		return errors.Wrap(err, "authorized_keys dir stat")
	}
	if mode := di.Mode().Perm(); mode&^0700 != 0 {
		return errors.Errorf("authorized_keys directory %s: mode %04o exceeds 0700", dir, mode)
	}
	return nil
}

// Authorizer adapts a loaded key list to the publickey auth method's
// Authorize callback: a key is accepted when it byte-equals one of the
// parsed keys' wire blobs.
func Authorizer(keys []AuthorizedKey) func(user string, key ssh.PublicKey) bool {
	blobs := make(map[string]bool, len(keys))
	for _, k := range keys {
		blobs[string(k.Key.Marshal())] = true
	}
	return func(_ string, key ssh.PublicKey) bool {
		return blobs[string(key.Marshal())]
	}
}
