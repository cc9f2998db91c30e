package hierarchy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontMatter is the YAML header of a hierarchy markdown file.
type frontMatter struct {
	Title      string   `yaml:"title"`
	Labels     []string `yaml:"labels,omitempty"`
	Acceptance []string `yaml:"acceptance,omitempty"`
}

// Load reads an epic root directory into a Tree.
//
// The root must contain epic.md. Each subdirectory containing story.md
// becomes a story; its remaining *.md files become tasks of that story.
// Directories and files are visited in sorted order so local IDs and
// child ordering are deterministic.
//
// Example:
//
//	tree, err := hierarchy.Load("epics/auth")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(tree.Root.Title)
func Load(root string) (*Tree, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve epic root: %w", err)
	}

	epicPath := filepath.Join(absRoot, "epic.md")
	epic, err := readNodeFile(epicPath, absRoot, KindEpic, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load epic: %w", err)
	}

	tree := &Tree{
		Root:  epic,
		Nodes: map[string]*Node{epic.LocalID: epic},
		Order: []string{epic.LocalID},
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read epic root %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		storyDir := filepath.Join(absRoot, entry.Name())
		storyPath := filepath.Join(storyDir, "story.md")
		if _, err := os.Stat(storyPath); os.IsNotExist(err) {
			// Not a story directory; skip silently so unrelated
			// directories (assets, notes) can live under the root.
			continue
		}

		story, err := readNodeFile(storyPath, absRoot, KindStory, epic.LocalID)
		if err != nil {
			return nil, fmt.Errorf("failed to load story %s: %w", entry.Name(), err)
		}
		if err := addNode(tree, story); err != nil {
			return nil, err
		}
		epic.ChildIDs = append(epic.ChildIDs, story.LocalID)

		if err := loadTasks(tree, story, storyDir, absRoot); err != nil {
			return nil, err
		}
	}

	if err := tree.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hierarchy at %s: %w", root, err)
	}
	return tree, nil
}

// loadTasks reads every *.md file in storyDir except story.md as a task.
func loadTasks(tree *Tree, story *Node, storyDir, absRoot string) error {
	entries, err := os.ReadDir(storyDir)
	if err != nil {
		return fmt.Errorf("failed to read story directory %s: %w", storyDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "story.md" || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		// Skip shadow copies written by the conflict resolver.
		if strings.HasSuffix(entry.Name(), ".remote.md") {
			continue
		}
		taskPath := filepath.Join(storyDir, entry.Name())
		task, err := readNodeFile(taskPath, absRoot, KindTask, story.LocalID)
		if err != nil {
			return fmt.Errorf("failed to load task %s: %w", entry.Name(), err)
		}
		if err := addNode(tree, task); err != nil {
			return err
		}
		story.ChildIDs = append(story.ChildIDs, task.LocalID)
	}
	return nil
}

func addNode(tree *Tree, n *Node) error {
	if _, exists := tree.Nodes[n.LocalID]; exists {
		return fmt.Errorf("duplicate local id %s", n.LocalID)
	}
	tree.Nodes[n.LocalID] = n
	tree.Order = append(tree.Order, n.LocalID)
	return nil
}

// readNodeFile parses one markdown file with YAML front matter into a Node.
func readNodeFile(path, absRoot string, kind Kind, parentID string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fm, body, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	rel, err := filepath.Rel(absRoot, path)
	if err != nil {
		return nil, fmt.Errorf("failed to relativize %s: %w", path, err)
	}

	node := &Node{
		LocalID:    localIDFromPath(rel),
		Kind:       kind,
		Title:      fm.Title,
		Body:       body,
		Acceptance: fm.Acceptance,
		Labels:     fm.Labels,
		ParentID:   parentID,
		Path:       path,
	}
	if err := node.Validate(); err != nil {
		return nil, fmt.Errorf("invalid node file %s: %w", path, err)
	}
	return node, nil
}

// localIDFromPath converts a root-relative file path to a local id.
// Path separators are normalized to forward slashes so the mapping store
// is portable across operating systems.
func localIDFromPath(rel string) string {
	id := strings.TrimSuffix(rel, ".md")
	return filepath.ToSlash(id)
}

// splitFrontMatter separates the YAML header from the markdown body.
//
// The file must begin with a line containing only "---"; the header ends
// at the next such line. A file without front matter is an error because
// the title is required.
func splitFrontMatter(content string) (frontMatter, string, error) {
	var fm frontMatter

	const delim = "---"
	lines := strings.SplitN(content, "\n", 2)
	if len(lines) < 2 || strings.TrimRight(lines[0], "\r") != delim {
		return fm, "", fmt.Errorf("missing front matter (file must start with %q)", delim)
	}

	rest := lines[1]
	idx := strings.Index(rest, "\n"+delim)
	if idx < 0 {
		return fm, "", fmt.Errorf("unterminated front matter")
	}
	header := rest[:idx]

	body := rest[idx+len("\n"+delim):]
	// Drop the remainder of the delimiter line.
	if nl := strings.Index(body, "\n"); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}

	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return fm, "", fmt.Errorf("invalid front matter: %w", err)
	}
	return fm, strings.TrimLeft(body, "\n"), nil
}
