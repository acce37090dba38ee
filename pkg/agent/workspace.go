package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxListedFiles = 500

// WorkspaceExtension exposes read-only access to the session working directory
func WorkspaceExtension() Extension {
	return Extension{
		Name:        "workspace",
		Description: "Read-only access to the session working directory",
		Tools: []ToolDefinition{
			{
				Name:        "list_files",
				Description: "List files under a directory relative to the working directory",
				Parameters: []ToolParameter{
					{Name: "path", Type: "string", Description: "Directory relative to the working directory", Default: "."},
				},
				Handler: listFiles,
			},
			{
				Name:        "read_file",
				Description: "Read a text file relative to the working directory",
				Parameters: []ToolParameter{
					{Name: "path", Type: "string", Description: "File path relative to the working directory", Required: true},
				},
				Handler: readFile,
			},
		},
	}
}

// resolveInWorkspace joins rel onto the working directory and rejects paths escaping it
func resolveInWorkspace(ctx context.Context, rel string) (string, error) {
	execCtx := ExecContextFromContext(ctx)
	if execCtx == nil || execCtx.WorkingDir == "" {
		return "", fmt.Errorf("no working directory for this session")
	}

	root := filepath.Clean(execCtx.WorkingDir)
	target := filepath.Clean(filepath.Join(root, rel))
	if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", rel)
	}
	return target, nil
}

func stringParam(params map[string]interface{}, name, fallback string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

func listFiles(ctx context.Context, params map[string]interface{}, notify Notifier) (string, error) {
	rel := stringParam(params, "path", ".")
	dir, err := resolveInWorkspace(ctx, rel)
	if err != nil {
		return "", err
	}

	notify("notifications/message", map[string]interface{}{
		"level":  "info",
		"logger": "workspace",
		"data":   "listing " + rel,
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %w", rel, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > maxListedFiles {
		names = append(names[:maxListedFiles], "...")
	}
	return strings.Join(names, "\n"), nil
}

func readFile(ctx context.Context, params map[string]interface{}, notify Notifier) (string, error) {
	rel := stringParam(params, "path", "")
	path, err := resolveInWorkspace(ctx, rel)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}

	notify("notifications/message", map[string]interface{}{
		"level":  "info",
		"logger": "workspace",
		"data":   fmt.Sprintf("read %s (%d bytes)", rel, len(data)),
	})
	return string(data), nil
}
