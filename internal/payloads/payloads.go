// Package payloads holds the blind SQL injection corpus sent by the timing attack.
package payloads

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// TimePlaceholder is replaced by the number of seconds the target should sleep.
const TimePlaceholder = "[TIME]"

//go:embed blind_sql.txt
var embeddedCorpus string

// Default returns the embedded corpus, unrendered.
func Default() []string {
	corpus, _ := Parse(strings.NewReader(embeddedCorpus))
	return corpus
}

// Load reads a corpus file, one payload per line.
func Load(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payloads file %s: %w", path, err)
	}
	defer file.Close()

	corpus, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("error reading payloads file %s: %w", path, err)
	}
	if len(corpus) == 0 {
		return nil, fmt.Errorf("payloads file %s contains no payload", path)
	}
	return corpus, nil
}

// Parse reads payloads line by line. Blank lines and lines starting with '#' are ignored,
// other lines are kept verbatim since leading spaces may matter.
func Parse(r io.Reader) ([]string, error) {
	var corpus []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		corpus = append(corpus, line)
	}
	return corpus, scanner.Err()
}

// Render substitutes TimePlaceholder in every payload. raw is left untouched.
func Render(raw []string, timeToSleep int) []string {
	seconds := strconv.Itoa(timeToSleep)
	rendered := make([]string, len(raw))
	for i, p := range raw {
		rendered[i] = strings.ReplaceAll(p, TimePlaceholder, seconds)
	}
	return rendered
}
