package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/kcaldas/tokenopt/pkg/request"
)

// requestFlags are the flags every command building a request shares.
type requestFlags struct {
	task       string
	contexts   []string
	systemFile string
	static     string
}

func (f *requestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.task, "task", "t", "", "task text (read from stdin when omitted)")
	cmd.Flags().StringSliceVarP(&f.contexts, "context", "c", nil, "context files to include")
	cmd.Flags().StringVarP(&f.systemFile, "system", "s", "", "system prompt file")
	cmd.Flags().StringVar(&f.static, "static", "", "indices of context files to mark static, e.g. 0,2")
}

func (f *requestFlags) build(cmd *cobra.Command) (request.Request, error) {
	task, err := readTask(cmd, f.task)
	if err != nil {
		return request.Request{}, err
	}
	staticIdx, err := parseIndices(f.static)
	if err != nil {
		return request.Request{}, err
	}
	items, err := loadItems(f.contexts, staticIdx)
	if err != nil {
		return request.Request{}, err
	}
	req := request.Request{Task: task, Items: items}
	if f.systemFile != "" {
		data, err := os.ReadFile(f.systemFile)
		if err != nil {
			return request.Request{}, fmt.Errorf("read system prompt: %w", err)
		}
		req.System = string(data)
	}
	return req, nil
}

// readTask returns the flag value, or everything piped on stdin.
func readTask(cmd *cobra.Command, flag string) (string, error) {
	if strings.TrimSpace(flag) != "" {
		return flag, nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "", errors.New("a task is required: pass --task or pipe it on stdin")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	task := strings.TrimRight(string(data), "\r\n")
	if strings.TrimSpace(task) == "" {
		return "", errors.New("a task is required: pass --task or pipe it on stdin")
	}
	return task, nil
}

func parseIndices(s string) (map[int]bool, error) {
	out := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid static index %q", part)
		}
		out[idx] = true
	}
	return out, nil
}

func loadItems(paths []string, staticIdx map[int]bool) ([]request.ContextItem, error) {
	items := make([]request.ContextItem, 0, len(paths))
	for i, path := range paths {
		item, err := loadItem(path)
		if err != nil {
			return nil, err
		}
		item.IsStatic = staticIdx[i]
		items = append(items, item)
	}
	return items, nil
}

func loadItem(path string) (request.ContextItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return request.ContextItem{}, fmt.Errorf("read context file: %w", err)
	}
	return request.ContextItem{Name: path, Content: string(data), Kind: kindFor(path)}, nil
}

// kindFor guesses an item kind from the file name.
func kindFor(path string) request.ItemKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".rst", ".adoc", ".txt":
		return request.KindDocumentation
	case ".log", ".out":
		return request.KindOutput
	case ".err":
		return request.KindError
	}
	return request.KindFile
}
