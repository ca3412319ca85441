// Package project prepares a project directory for autonomous cycles: the
// todo document and the subagent definitions the instructions refer to.
package project

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templates embed.FS

// AgentsDir is where subagent definitions live, relative to the project.
const AgentsDir = ".claude/agents"

var tmpl = template.Must(template.ParseFS(templates, "templates/*.tmpl"))

type templateData struct {
	Date     string
	TodoFile string
}

// Ensure creates the todo document and the three agent definitions when they
// are missing. Existing files are left untouched. It returns the files it
// created.
func Ensure(dir, todoFile string) ([]string, error) {
	if todoFile == "" {
		todoFile = "todo.md"
	}
	data := templateData{Date: time.Now().Format("2006-01-02"), TodoFile: todoFile}
	files := []struct {
		path, tmpl string
	}{
		{todoFile, "todo.md.tmpl"},
		{filepath.Join(AgentsDir, "todo-agent.md"), "todo-agent.md.tmpl"},
		{filepath.Join(AgentsDir, "developer.md"), "developer.md.tmpl"},
		{filepath.Join(AgentsDir, "git-agent.md"), "git-agent.md.tmpl"},
	}
	var created []string
	for _, f := range files {
		p := filepath.Join(dir, f.path)
		ok, err := writeIfMissing(p, f.tmpl, data)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, p)
		}
	}
	return created, nil
}

func writeIfMissing(path, name string, data templateData) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return false, fmt.Errorf("render %s: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644) //nolint:gosec // project files are meant to be readable.
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = f.Write(buf.Bytes())
	if err2 := f.Close(); err == nil {
		err = err2
	}
	return err == nil, err
}
