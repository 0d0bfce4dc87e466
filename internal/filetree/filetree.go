// Package filetree turns a generated source bundle into a nested file tree and
// writes that tree to disk.
package filetree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FallbackFile receives the raw payload when it is not a JSON object.
const FallbackFile = "index.html"

// Tree maps a name to either file content (string) or a nested Tree.
type Tree map[string]any

type fileRecord struct {
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content"`
}

// Parse decodes a bundle. It accepts the files-array form
// {"files":[{"path":..,"content":..}]}, any other JSON object used as the
// tree itself, and falls back to a single index.html holding the raw text.
func Parse(payload string) Tree {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &top); err != nil || top == nil {
		return Tree{FallbackFile: payload}
	}

	tree := Tree{}
	if raw, ok := top["files"]; ok {
		var records []fileRecord
		if err := json.Unmarshal(raw, &records); err == nil {
			for _, rec := range records {
				tree.insert(rec.Path, contentText(rec.Content))
			}
			return tree
		}
	}

	var generic map[string]any
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return Tree{FallbackFile: payload}
	}
	tree.merge("", generic)
	return tree
}

func (t Tree) merge(prefix string, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p := k
		if prefix != "" {
			p = prefix + "/" + k
		}
		switch v := obj[k].(type) {
		case map[string]any:
			if len(v) == 0 {
				continue
			}
			t.merge(p, v)
		case string:
			t.insert(p, v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				continue
			}
			t.insert(p, string(encoded))
		}
	}
}

func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// Clean normalises a bundle path. It strips leading "/" and "./", collapses
// empty segments and reports false for empty paths or paths containing "..".
func Clean(path string) ([]string, bool) {
	path = strings.ReplaceAll(path, "\\", "/")
	var segments []string
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return nil, false
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return nil, false
	}
	return segments, true
}

// insert stores content at path; a later insert replaces whatever occupied
// the path or any of its parents.
func (t Tree) insert(path, content string) {
	segments, ok := Clean(path)
	if !ok {
		return
	}
	node := t
	for _, seg := range segments[:len(segments)-1] {
		child, ok := node[seg].(Tree)
		if !ok {
			child = Tree{}
			node[seg] = child
		}
		node = child
	}
	node[segments[len(segments)-1]] = content
}

// Lookup returns the file content stored at path.
func (t Tree) Lookup(path string) (string, bool) {
	segments, ok := Clean(path)
	if !ok {
		return "", false
	}
	node := t
	for i, seg := range segments {
		v, ok := node[seg]
		if !ok {
			return "", false
		}
		if i == len(segments)-1 {
			s, ok := v.(string)
			return s, ok
		}
		node, ok = v.(Tree)
		if !ok {
			return "", false
		}
	}
	return "", false
}

// Has reports whether a file exists at path.
func (t Tree) Has(path string) bool {
	_, ok := t.Lookup(path)
	return ok
}

// Paths lists every file path in lexical order.
func (t Tree) Paths() []string {
	var out []string
	t.walk("", func(p, _ string) { out = append(out, p) })
	sort.Strings(out)
	return out
}

// Len counts files.
func (t Tree) Len() int {
	n := 0
	t.walk("", func(string, string) { n++ })
	return n
}

func (t Tree) walk(prefix string, fn func(path, content string)) {
	for name, v := range t {
		p := name
		if prefix != "" {
			p = prefix + "/" + name
		}
		switch node := v.(type) {
		case string:
			fn(p, node)
		case Tree:
			node.walk(p, fn)
		}
	}
}

// Write materialises every file of the tree below dir.
func Write(tree Tree, dir string) error {
	root, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create root: %w", err)
	}
	var writeErr error
	tree.walk("", func(p, content string) {
		if writeErr != nil {
			return
		}
		target := filepath.Join(root, filepath.FromSlash(p))
		rel, err := filepath.Rel(root, target)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			writeErr = fmt.Errorf("path %q escapes workspace", p)
			return
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			writeErr = fmt.Errorf("create dir for %s: %w", p, err)
			return
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			writeErr = fmt.Errorf("write %s: %w", p, err)
		}
	})
	return writeErr
}
