package ingest

import (
	"bufio"
	"os"
	"strings"
)

// Blocklist is a plain-text list of denied addresses, one per line. Blank
// lines and lines starting with '#' are ignored.
type Blocklist struct {
	addrs map[string]struct{}
}

// LoadBlocklist reads the blocklist at path. A missing file yields an empty
// blocklist and no error.
func LoadBlocklist(path string) (*Blocklist, error) {
	b := &Blocklist{addrs: make(map[string]struct{})}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		b.addrs[line] = struct{}{}
	}
	return b, sc.Err()
}

// Blocked reports whether addr is denied.
func (b *Blocklist) Blocked(addr string) bool {
	if b == nil {
		return false
	}
	_, ok := b.addrs[addr]
	return ok
}
