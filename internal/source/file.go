package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileProvider reads source items from a local directory. Supported inputs
// are .eml messages and plain .txt documents with optional Subject/From/Date
// header lines; anything else is ignored.
type FileProvider struct {
	dir    string
	logger *slog.Logger
}

func NewFileProvider(dir string) *FileProvider {
	return &FileProvider{dir: dir, logger: slog.Default()}
}

// Fetch lists the directory and parses every supported file. A single
// unreadable file is logged and skipped, not fatal. Items come back sorted
// by file name so runs are deterministic.
func (p *FileProvider) Fetch(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, fmt.Errorf("reading source directory %s: %w", p.dir, err)
	}

	var items []Item
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".txt" && ext != ".eml" {
			continue
		}

		path := filepath.Join(p.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn("skipping unreadable source file", "path", path, "error", err)
			continue
		}

		var item Item
		if ext == ".eml" {
			item, err = parseMessage(entry.Name(), data)
			if err != nil {
				p.logger.Warn("skipping unparseable message file", "path", path, "error", err)
				continue
			}
		} else {
			item = parseTextDocument(entry.Name(), string(data))
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func parseMessage(name string, data []byte) (Item, error) {
	msg, err := mail.ReadMessage(strings.NewReader(string(data)))
	if err != nil {
		return Item{}, err
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return Item{}, err
	}
	return Item{
		ID:      name,
		Subject: msg.Header.Get("Subject"),
		Sender:  msg.Header.Get("From"),
		Date:    msg.Header.Get("Date"),
		Body:    strings.TrimSpace(string(body)),
	}, nil
}

// parseTextDocument reads optional leading "Subject:", "From:" and "Date:"
// lines; the remainder is the body. A document with no headers gets its file
// name as the subject.
func parseTextDocument(name, content string) Item {
	item := Item{ID: name, Subject: strings.TrimSuffix(name, filepath.Ext(name))}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Subject:"):
			item.Subject = strings.TrimSpace(strings.TrimPrefix(trimmed, "Subject:"))
		case strings.HasPrefix(trimmed, "From:"):
			item.Sender = strings.TrimSpace(strings.TrimPrefix(trimmed, "From:"))
		case strings.HasPrefix(trimmed, "Date:"):
			item.Date = strings.TrimSpace(strings.TrimPrefix(trimmed, "Date:"))
		case trimmed == "":
			continue
		default:
			item.Body = strings.TrimSpace(strings.Join(lines[i:], "\n"))
			return item
		}
	}
	return item
}
