// Package results extracts and parses the search-result listing a bot
// delivers as a single-entry zip archive, turning it into a mapping of
// filename to the users offering it.
package results

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/ircbooks/fetcher/internal/logctx"
)

// DefaultFileTypes are the extensions considered when no filter is given.
var DefaultFileTypes = []string{"epub", "mobi", "pdf", "azw3", "azw", "cbz", "cbr"}

// Listing maps a filename to the sorted handles of the users offering it.
type Listing map[string][]string

// Parse processes a downloaded search-result archive. Unreadable or invalid
// archives, archives with more than one entry and missing files all yield an
// empty listing rather than an error: a bad listing is a normal outcome.
func Parse(ctx context.Context, archivePath string, fileTypes []string) Listing {
	logger := logctx.LoggerFromContext(ctx)

	listing, err := extractAndParse(ctx, archivePath, fileTypes)
	if err != nil {
		logger.Error("failed to process search results", "path", archivePath, "err", err)

		return Listing{}
	}

	logger.Info("parsed search results", "path", archivePath, "unique_files", len(listing))

	return listing
}

func extractAndParse(ctx context.Context, archivePath string, fileTypes []string) (Listing, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if len(zr.File) != 1 {
		return nil, fmt.Errorf("expected a single entry in the results archive, got %d", len(zr.File))
	}

	entry, err := zr.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry: %w", err)
	}
	defer entry.Close()

	// The extracted text is kept next to the archive so the listing can be
	// inspected after the fact.
	textPath := strings.TrimSuffix(archivePath, ".zip") + ".txt"

	out, err := os.Create(textPath)
	if err != nil {
		return nil, fmt.Errorf("create extracted listing: %w", err)
	}

	if _, err := io.Copy(out, entry); err != nil {
		out.Close()

		return nil, fmt.Errorf("extract listing: %w", err)
	}

	if err := out.Close(); err != nil {
		return nil, err
	}

	return parseFile(ctx, textPath, fileTypes)
}

func parseFile(ctx context.Context, path string, fileTypes []string) (Listing, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(fileTypes) == 0 {
		fileTypes = DefaultFileTypes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer f.Close()

	found := map[string]map[string]struct{}{}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "!") {
			continue
		}

		if !matchesTypes(line, fileTypes) {
			continue
		}

		user, filename, ok := parseLine(line)
		if !ok {
			logger.Debug("skipping unparseable result line", "line", line)

			continue
		}

		if found[filename] == nil {
			found[filename] = map[string]struct{}{}
		}

		found[filename][user] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan listing: %w", err)
	}

	listing := make(Listing, len(found))
	for filename, users := range found {
		sorted := make([]string, 0, len(users))
		for user := range users {
			sorted = append(sorted, user)
		}

		sort.Strings(sorted)
		listing[filename] = sorted
	}

	return listing, nil
}

func matchesTypes(line string, fileTypes []string) bool {
	lower := strings.ToLower(line)
	for _, ext := range fileTypes {
		if strings.Contains(lower, "."+strings.ToLower(ext)) {
			return true
		}
	}

	return false
}

// parseLine splits a `!user filename ::info` result line. The info suffix is
// optional; carriage returns from a DOS-formatted listing are tolerated.
func parseLine(line string) (user, filename string, ok bool) {
	space := strings.Index(line, " ")
	if space <= 1 {
		return "", "", false
	}

	end := strings.Index(line, "::")
	if end == -1 {
		end = len(line)
	}

	user = strings.TrimPrefix(strings.TrimSpace(line[:space]), "!")
	filename = strings.Trim(strings.TrimSpace(line[space:end]), "\r")

	if user == "" || filename == "" {
		return "", "", false
	}

	return user, filename, true
}
