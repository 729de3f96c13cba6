// Package urllist reads the newline-separated list of page URLs to download.
package urllist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Parse reads one URL per line. Surrounding whitespace is trimmed, and blank
// lines and lines starting with '#' are skipped. Order is preserved.
func Parse(r io.Reader) ([]string, error) {
	var urls []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}

	return urls, nil
}

// Load parses the URL list at path.
func Load(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()

	return Parse(f)
}
